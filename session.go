// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pollcheck

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Session defaults.
const (
	DefaultEventTimeout          = 10 * time.Second
	DefaultProtocolParamAttempts = 50
)

// SessionConfig holds the tolerances and budgets of a validation session.
type SessionConfig struct {
	// Clock is the host clock used for timing brackets; nil means time.Now.
	Clock                 Clock              `yaml:"-"`
	PowerLevels           []int              `yaml:"power_levels"`
	Correlation           CorrelationOptions `yaml:"correlation"`
	FrameTimeout          time.Duration      `yaml:"frame_timeout"`
	EventTimeout          time.Duration      `yaml:"event_timeout"`
	TransactAttempts      int                `yaml:"transact_attempts"`
	ProtocolParamAttempts int                `yaml:"protocol_param_attempts"`
}

// MarshalYAML writes the timeouts as duration strings.
func (c SessionConfig) MarshalYAML() (any, error) {
	type plain SessionConfig
	return MarshalDurations(plain(c), map[string]time.Duration{
		"frame_timeout": c.FrameTimeout,
		"event_timeout": c.EventTimeout,
	})
}

// DefaultSessionConfig returns the session defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PowerLevels:           DefaultPowerLevels(),
		Correlation:           DefaultCorrelationOptions(),
		FrameTimeout:          DefaultFrameTimeout,
		EventTimeout:          DefaultEventTimeout,
		TransactAttempts:      DefaultTransactAttempts,
		ProtocolParamAttempts: DefaultProtocolParamAttempts,
	}
}

// Validate rejects configurations that cannot drive a session.
func (c SessionConfig) Validate() error {
	if c.Correlation.ToleranceMs < 0 {
		return fmt.Errorf("correlation tolerance must not be negative: %v", c.Correlation.ToleranceMs)
	}
	if c.Correlation.MaxViolations < 1 {
		return fmt.Errorf("max violations must be at least 1: %d", c.Correlation.MaxViolations)
	}
	if c.FrameTimeout <= 0 || c.EventTimeout <= 0 {
		return errors.New("frame and event timeouts must be positive")
	}
	if c.TransactAttempts < 1 || c.ProtocolParamAttempts < 1 {
		return errors.New("attempt budgets must be at least 1")
	}
	for i, p := range c.PowerLevels {
		if p < 0 || p > 100 {
			return &ConfigurationError{Field: "power", Value: fmt.Sprint(p), Reason: "must be within [0,100]"}
		}
		if i > 0 && p <= c.PowerLevels[i-1] {
			return fmt.Errorf("power levels must be ascending: %v", c.PowerLevels)
		}
	}
	return nil
}

// ExcerptCollector reads a diagnostic excerpt from one endpoint after a
// session. Collectors have no side effects on RF state and run concurrently.
type ExcerptCollector struct {
	Collect func(ctx context.Context) error
	Name    string
}

// Session is one validation context over a reader and a device under test.
// It owns its timing brackets and frame sequences; only one check runs at a
// time.
type Session struct {
	reader   Reader
	emulator Emulator
	cfg      SessionConfig
	busy     atomic.Bool
}

// NewSession validates cfg and binds reader and emulator.
func NewSession(reader Reader, emulator Emulator, cfg SessionConfig) (*Session, error) {
	if reader == nil || emulator == nil {
		return nil, errors.New("session requires a reader and an emulator")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Session{reader: reader, emulator: emulator, cfg: cfg}, nil
}

// Config returns the session configuration.
func (s *Session) Config() SessionConfig {
	return s.cfg
}

func (s *Session) acquire() (release func(), err error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrSessionBusy
	}
	return func() { s.busy.Store(false) }, nil
}

func (s *Session) requireObserveMode(ctx context.Context) error {
	ok, err := s.emulator.Supports(ctx, CapabilityObserveMode)
	if err != nil {
		return fmt.Errorf("failed to query observe mode support: %w", err)
	}
	if !ok {
		return ErrObserveModeUnsupported
	}
	return nil
}

// StartScenario starts a scenario on the device and waits for its ready
// event when it declares one.
func (s *Session) StartScenario(ctx context.Context, scenario Scenario) error {
	var waiter EventWaiter
	if scenario.ReadyEvent != "" {
		w, err := s.emulator.WaitFor(ctx, scenario.ReadyEvent)
		if err != nil {
			return fmt.Errorf("failed to register %s waiter: %w", scenario.ReadyEvent, err)
		}
		waiter = w
	}
	if err := s.emulator.StartScenario(ctx, scenario); err != nil {
		return fmt.Errorf("failed to start scenario %s: %w", scenario.Name, err)
	}
	if waiter == nil {
		return nil
	}
	if _, err := waiter.Wait(ctx, s.cfg.EventTimeout); err != nil {
		return fmt.Errorf("scenario %s not ready: %w", scenario.Name, err)
	}
	return nil
}

// startObserving mutes the field so the loop opens with an ON event, then
// starts the polling frame scenario.
func (s *Session) startObserving(ctx context.Context) error {
	if err := s.requireObserveMode(ctx); err != nil {
		return err
	}
	if err := s.reader.Mute(ctx); err != nil {
		return fmt.Errorf("failed to mute reader: %w", err)
	}
	return s.StartScenario(ctx, ScenarioPollingFrames)
}

func (s *Session) observe(
	ctx context.Context, reader Reader, cases []PollingFrameTestCase, power *int,
) ([]ObservedFrame, error) {
	return PollAndObserveFrames(ctx, reader, s.emulator, cases, ObserveOptions{
		Power:        power,
		FrameTimeout: s.cfg.FrameTimeout,
	})
}

// CheckTimestamps sends the timestamp loop and correlates the device
// timestamps against the host brackets. Frames are paired with cases in
// arrival order; they are not reordered by timestamp first.
func (s *Session) CheckTimestamps(ctx context.Context) (*TimestampReport, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.startObserving(ctx); err != nil {
		return nil, err
	}

	timed := NewTimedReader(s.reader, WithClock(s.cfg.Clock))
	cases := TimestampTestCases()
	frames, err := s.observe(ctx, timed, cases, nil)
	if err != nil {
		return nil, err
	}
	return CorrelateTimestamps(cases, timed.Timings(), frames, s.cfg.Correlation)
}

// CheckGain sends the gain loop at every configured power level and checks
// that the mean gain per type never drops as power increases. Missing
// frames at a level are expected at low power and only lower its means.
func (s *Session) CheckGain(ctx context.Context) (*GainReport, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.startObserving(ctx); err != nil {
		return nil, err
	}

	cases := GainTestCases()
	levels := make([]GainLevel, 0, len(s.cfg.PowerLevels))
	for _, power := range s.cfg.PowerLevels {
		frames, err := s.observe(ctx, s.reader, cases, &power)
		if err != nil {
			return nil, fmt.Errorf("power level %d%%: %w", power, err)
		}
		if len(frames) != len(cases) {
			Warnf("Received %d/%d frames at power %d%%", len(frames), len(cases), power)
		}
		levels = append(levels, MeanGains(power, frames))
	}
	return CheckGainMonotonic(levels)
}

// CheckFrameTypes sends the full catalog and validates every frame type.
// The i-th frame received is compared with the i-th case sent.
func (s *Session) CheckFrameTypes(ctx context.Context) (*ClassificationReport, error) {
	return s.checkClassification(ctx, ValidateFrameTypes)
}

// CheckFrameData sends the full catalog and validates every frame payload,
// pairing frames with cases in arrival order.
func (s *Session) CheckFrameData(ctx context.Context) (*ClassificationReport, error) {
	return s.checkClassification(ctx, ValidateFrameData)
}

func (s *Session) checkClassification(
	ctx context.Context,
	validate func([]PollingFrameTestCase, []ObservedFrame) (*ClassificationReport, error),
) (*ClassificationReport, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.startObserving(ctx); err != nil {
		return nil, err
	}

	cases := AllTestCases()
	frames, err := s.observe(ctx, s.reader, cases, nil)
	if err != nil {
		return nil, err
	}
	return validate(cases, frames)
}

// CheckProtocolParams discovers the emulated target and validates the
// SEL_RES and ATS it announces.
func (s *Session) CheckProtocolParams(ctx context.Context) (*ProtocolParams, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.StartScenario(ctx, ScenarioSimple); err != nil {
		return nil, err
	}

	tag, err := Discover(ctx, s.reader, TransactOptions{Attempts: s.cfg.ProtocolParamAttempts})
	if err != nil {
		return nil, err
	}
	if tag == nil {
		return nil, fmt.Errorf("%w after %d attempts", ErrTargetNotFound, s.cfg.ProtocolParamAttempts)
	}

	params, parseErr := ParseProtocolParams(tag.SelRes(), tag.ATS())
	if err := s.reader.Mute(ctx); err != nil {
		return params, errors.Join(parseErr, fmt.Errorf("failed to mute reader: %w", err))
	}
	return params, parseErr
}

// Transact fetches the APDU script of service from the device and runs it
// against the emulated target.
func (s *Session) Transact(ctx context.Context, service string) (found, matched bool, err error) {
	release, err := s.acquire()
	if err != nil {
		return false, false, err
	}
	defer release()

	commands, responses, err := s.emulator.APDUs(ctx, service)
	if err != nil {
		return false, false, fmt.Errorf("failed to get APDUs for %s: %w", service, err)
	}
	return PollAndTransact(ctx, s.reader, commands, responses, WithAttempts(s.cfg.TransactAttempts))
}

// Teardown restores the reader baseline, stops the scenario and runs the
// excerpt collectors concurrently. It returns once every collector has
// finished; all failures are joined into the returned error.
func (s *Session) Teardown(ctx context.Context, collectors ...ExcerptCollector) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	var errs []error
	if err := s.reader.Reset(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to reset reader: %w", err))
	}
	if err := s.reader.Mute(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to mute reader: %w", err))
	}
	if err := s.emulator.StopScenario(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop scenario: %w", err))
	}

	collected := make([]error, len(collectors))
	var wg sync.WaitGroup
	for i, c := range collectors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Collect(ctx); err != nil {
				collected[i] = fmt.Errorf("excerpt %s: %w", c.Name, err)
			}
		}()
	}
	wg.Wait()

	errs = append(errs, collected...)
	return errors.Join(errs...)
}
