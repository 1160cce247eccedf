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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	pollcheck "github.com/ZaparooProject/go-pollcheck"
	"github.com/ZaparooProject/go-pollcheck/detection"
	"github.com/ZaparooProject/go-pollcheck/internal/config"
	"github.com/ZaparooProject/go-pollcheck/pn532"
	"github.com/ZaparooProject/go-pollcheck/simulator"
	"github.com/ZaparooProject/go-pollcheck/transport/i2c"
	"github.com/ZaparooProject/go-pollcheck/transport/spi"
	"github.com/ZaparooProject/go-pollcheck/transport/uart"
)

// runReport is the document written to the report file.
type runReport struct {
	Started  time.Time     `yaml:"started"`
	Reader   string        `yaml:"reader"`
	Firmware string        `yaml:"firmware,omitempty"`
	Results  []checkResult `yaml:"results"`
	Passed   bool          `yaml:"passed"`
}

// MarshalYAML writes the duration as a string.
func (r checkResult) MarshalYAML() (any, error) {
	type plain checkResult
	return pollcheck.MarshalDurations(plain(r), map[string]time.Duration{"duration": r.Duration})
}

type checkResult struct {
	Details  any           `yaml:"details,omitempty"`
	Check    config.Check  `yaml:"check"`
	Error    string        `yaml:"error,omitempty"`
	Duration time.Duration `yaml:"duration"`
	Passed   bool          `yaml:"passed"`
}

// bench is the reader under test plus, with the simulator, its device.
type bench struct {
	reader   pollcheck.Reader
	emulator *simulator.Emulator
	close    func(ctx context.Context) error
	name     string
	firmware string
}

func run(ctx context.Context, cfg *config.Config) (*runReport, error) {
	if cfg.LogDir != "" {
		checks := make([]string, len(cfg.Checks))
		for i, c := range cfg.Checks {
			checks[i] = string(c)
		}
		path, err := pollcheck.InitSessionLog(cfg.LogDir,
			pollcheck.LogField{Key: "reader", Value: string(cfg.Reader.Type)},
			pollcheck.LogField{Key: "checks", Value: strings.Join(checks, ",")})
		if err != nil {
			return nil, err //nolint:wrapcheck // Already describes the failure
		}
		pollcheck.Debugf("Session log: %s", path)
		defer func() { _ = pollcheck.CloseSessionLog() }()
	}

	b, err := openBench(ctx, cfg)
	if err != nil {
		return nil, err
	}

	report := &runReport{Started: time.Now(), Reader: b.name, Firmware: b.firmware, Passed: true}
	runErr := runChecks(ctx, cfg, b, report)
	closeErr := b.close(context.WithoutCancel(ctx))
	if err := errors.Join(runErr, closeErr); err != nil {
		return report, err
	}

	if err := saveReport(cfg.Report, report); err != nil {
		return report, err
	}
	return report, nil
}

func openBench(ctx context.Context, cfg *config.Config) (*bench, error) {
	if cfg.Reader.Type == config.ReaderSimulator {
		return openSimulator(cfg)
	}
	return openPN532(ctx, cfg)
}

func openSimulator(cfg *config.Config) (*bench, error) {
	clock := cfg.Session.Clock
	if clock == nil {
		clock = time.Now
	}
	reader, emulator, err := simulator.New(cfg.Simulator, simulator.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create simulator: %w", err)
	}
	for _, s := range cfg.Services {
		commands, responses, err := s.APDUs()
		if err != nil {
			return nil, err
		}
		if err := emulator.RegisterService(s.Name, commands, responses); err != nil {
			return nil, fmt.Errorf("failed to register service: %w", err)
		}
	}
	return &bench{
		reader:   reader,
		emulator: emulator,
		name:     string(config.ReaderSimulator),
		close:    reader.Reset,
	}, nil
}

func openPN532(ctx context.Context, cfg *config.Config) (*bench, error) {
	transportType := pn532.TransportType(cfg.Reader.Type)
	path := cfg.Reader.Path
	if path == "" {
		opts := cfg.Detection
		opts.Transports = []pn532.TransportType{transportType}
		devices, err := detection.Detect(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to detect a %s reader: %w", transportType, err)
		}
		pollcheck.Debugf("Using detected %s", devices[0])
		path = devices[0].Path
	}

	var transport pn532.Transport
	var err error
	switch transportType {
	case pn532.TransportUART:
		transport, err = uart.New(path)
	case pn532.TransportI2C:
		transport, err = i2c.New(path)
	case pn532.TransportSPI:
		transport, err = spi.New(path)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", transportType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s transport: %w", transportType, err)
	}

	retry := pn532.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Reader.Attempts
	reader, err := pn532.NewReader(transport,
		pn532.WithTimeout(cfg.Reader.Timeout), pn532.WithRetryConfig(retry))
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	if err := reader.Init(ctx); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("failed to initialise PN532 at %s: %w", path, err)
	}
	return &bench{
		reader:   reader,
		name:     fmt.Sprintf("pn532 %s %s", transportType, path),
		firmware: reader.Firmware().String(),
		close:    reader.Close,
	}, nil
}

func runChecks(ctx context.Context, cfg *config.Config, b *bench, report *runReport) error {
	var session *pollcheck.Session
	if b.emulator != nil {
		s, err := pollcheck.NewSession(b.reader, b.emulator, cfg.Session)
		if err != nil {
			return err //nolint:wrapcheck // Already describes the failure
		}
		session = s
	}

	for _, check := range cfg.Checks {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled: %w", err)
		}
		pollcheck.LogSection("check " + string(check))
		pollcheck.Debugf("Running check %s", check)
		start := time.Now()
		details, err := runCheck(ctx, cfg, b, session, check)
		result := checkResult{
			Check:    check,
			Details:  details,
			Duration: time.Since(start).Round(time.Millisecond),
			Passed:   err == nil,
		}
		if err != nil {
			result.Error = err.Error()
			report.Passed = false
			pollcheck.Warnf("Check %s failed: %v", check, err)
		}
		report.Results = append(report.Results, result)
		if pn532.IsFatal(err) {
			// The remaining checks cannot reach the reader; teardown still runs.
			err = fmt.Errorf("reader lost during %s: %w", check, err)
			if session == nil {
				return err
			}
			return errors.Join(err, session.Teardown(context.WithoutCancel(ctx)))
		}
	}

	if session == nil {
		return nil
	}
	return session.Teardown(context.WithoutCancel(ctx), //nolint:wrapcheck // Joined teardown errors
		pollcheck.ExcerptCollector{Name: "device", Collect: func(context.Context) error {
			pollcheck.Debugf("Device state: %s", b.emulator.Excerpt())
			return nil
		}},
	)
}

func runCheck(
	ctx context.Context, cfg *config.Config, b *bench, session *pollcheck.Session, check config.Check,
) (any, error) {
	switch check {
	case config.CheckLoop:
		return detailsOf(runLoop(ctx, b.reader, cfg.Session.Clock))
	case config.CheckDiscover:
		return detailsOf(runDiscover(ctx, b.reader, cfg.Session.ProtocolParamAttempts))
	case config.CheckProtocolParams:
		return detailsOf(session.CheckProtocolParams(ctx))
	case config.CheckTimestamps:
		return detailsOf(session.CheckTimestamps(ctx))
	case config.CheckGain:
		return detailsOf(session.CheckGain(ctx))
	case config.CheckFrameTypes:
		return detailsOf(session.CheckFrameTypes(ctx))
	case config.CheckFrameData:
		return detailsOf(session.CheckFrameData(ctx))
	case config.CheckTransact:
		return detailsOf(runTransact(ctx, session, cfg.Transact))
	default:
		return nil, fmt.Errorf("unknown check %q", check)
	}
}

// detailsOf keeps a nil report nil once stored in an interface, so a check
// that failed without one writes no details.
func detailsOf[T any](v *T, err error) (any, error) {
	if v == nil {
		return nil, err
	}
	return v, err
}

// loopSample is the host timing of one broadcast case.
type loopSample struct {
	Case     string        `yaml:"case"`
	Duration time.Duration `yaml:"duration"`
}

// MarshalYAML writes the duration as a string.
func (s loopSample) MarshalYAML() (any, error) {
	type plain loopSample
	return pollcheck.MarshalDurations(plain(s), map[string]time.Duration{"duration": s.Duration})
}

// loopResult is the outcome of a reader-only polling loop.
type loopResult struct {
	Samples []loopSample  `yaml:"samples"`
	Total   time.Duration `yaml:"total"`
}

// MarshalYAML writes the total as a string.
func (r loopResult) MarshalYAML() (any, error) {
	type plain loopResult
	return pollcheck.MarshalDurations(plain(r), map[string]time.Duration{"total": r.Total})
}

func runLoop(ctx context.Context, reader pollcheck.Reader, clock pollcheck.Clock) (*loopResult, error) {
	var opts []pollcheck.TimedOption
	if clock != nil {
		opts = append(opts, pollcheck.WithClock(clock))
	}
	if err := reader.Mute(ctx); err != nil {
		return nil, fmt.Errorf("failed to mute reader: %w", err)
	}
	timed := pollcheck.NewTimedReader(reader, opts...)

	cases := pollcheck.AllTestCases()
	for idx, tc := range cases {
		if err := pollcheck.Issue(ctx, timed, tc); err != nil {
			return nil, fmt.Errorf("failed to issue test case %d (%s): %w", idx, tc, err)
		}
	}

	timings := timed.Timings()
	result := &loopResult{Samples: make([]loopSample, len(cases))}
	for idx, tc := range cases {
		d := timings[idx].End.Sub(timings[idx].Start)
		result.Samples[idx] = loopSample{Case: tc.String(), Duration: d}
		result.Total += d
	}
	return result, nil
}

func runDiscover(ctx context.Context, reader pollcheck.Reader, attempts int) (*pollcheck.ProtocolParams, error) {
	tag, err := pollcheck.Discover(ctx, reader, pollcheck.TransactOptions{Attempts: attempts})
	if err != nil {
		return nil, err //nolint:wrapcheck // Already describes the attempt
	}
	if tag == nil {
		return nil, fmt.Errorf("%w after %d attempts", pollcheck.ErrTargetNotFound, attempts)
	}
	params, parseErr := pollcheck.ParseProtocolParams(tag.SelRes(), tag.ATS())
	if err := reader.Mute(ctx); err != nil {
		return params, errors.Join(parseErr, fmt.Errorf("failed to mute reader: %w", err))
	}
	return params, parseErr
}

// transactResult records the outcome of an APDU exchange.
type transactResult struct {
	Service string `yaml:"service"`
	Found   bool   `yaml:"found"`
	Matched bool   `yaml:"matched"`
}

func runTransact(ctx context.Context, session *pollcheck.Session, service string) (*transactResult, error) {
	scenario := pollcheck.ScenarioSimple
	scenario.Services = []string{service}
	scenario.ExpectedService = service
	if err := session.StartScenario(ctx, scenario); err != nil {
		return nil, err //nolint:wrapcheck // Already names the scenario
	}

	found, matched, err := session.Transact(ctx, service)
	result := &transactResult{Service: service, Found: found, Matched: matched}
	switch {
	case err != nil:
		return result, err //nolint:wrapcheck // Already names the command
	case !found:
		return result, fmt.Errorf("%w: service %s", pollcheck.ErrTargetNotFound, service)
	case !matched:
		return result, fmt.Errorf("%w: service %s answered unexpectedly", pollcheck.ErrTransactionFailed, service)
	}
	return result, nil
}

func saveReport(path string, report *runReport) error {
	if path == "" {
		return nil
	}
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path) //nolint:gosec // Path comes from the run file
		if err != nil {
			return fmt.Errorf("failed to create report: %w", err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	return pollcheck.WriteReport(w, report) //nolint:wrapcheck // Already describes the failure
}
