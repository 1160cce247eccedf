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
	"fmt"
	"time"
)

// Capability is a feature flag queried from the device under test.
type Capability string

// Capabilities of the emulator control surface.
const (
	CapabilityObserveMode        Capability = "observe_mode"
	CapabilityPrefixRegistration Capability = "aid_prefix_registration"
	CapabilityHCE                Capability = "hce"
)

// Scenario is a preset emulation activity started on the device under test.
type Scenario struct {
	// Name selects the activity, for example "polling_frame" or "simple".
	Name string `yaml:"name"`
	// Services are the emulated services to register.
	Services []string `yaml:"services,omitempty"`
	// ExpectedService is the service expected to handle APDUs.
	ExpectedService string `yaml:"expected_service,omitempty"`
	// ReadyEvent, when set, is awaited after the scenario starts.
	ReadyEvent string `yaml:"ready_event,omitempty"`
	Payment    bool   `yaml:"payment"`
}

// Preset scenarios.
var (
	ScenarioPollingFrames = Scenario{Name: "polling_frame"}
	ScenarioSimple        = Scenario{Name: "simple"}
)

// Event is a named asynchronous notification from the device under test.
type Event struct {
	Time time.Time         `yaml:"time"`
	Data map[string]string `yaml:"data,omitempty"`
	Name string            `yaml:"name"`
}

// EventWaiter is registered before the action that triggers its event.
type EventWaiter interface {
	// Wait blocks until the event arrives, timeout elapses or ctx is done.
	// A timeout returns an error wrapping ErrEventTimeout.
	Wait(ctx context.Context, timeout time.Duration) (*Event, error)
}

// Emulator is the control surface of the card emulation device under test.
type Emulator interface {
	StartScenario(ctx context.Context, scenario Scenario) error
	StopScenario(ctx context.Context) error
	WaitFor(ctx context.Context, event string) (EventWaiter, error)
	Supports(ctx context.Context, capability Capability) (bool, error)
	// APDUs returns the command APDUs a reader should send to service and
	// the responses the service is expected to produce.
	APDUs(ctx context.Context, service string) (commands, responses [][]byte, err error)
	// ObserveFrames subscribes to polling frames until ctx is done. The
	// channel is closed when the subscription ends.
	ObserveFrames(ctx context.Context) (<-chan ObservedFrame, error)
}

// DefaultFrameTimeout bounds frame collection once all cases were sent.
const DefaultFrameTimeout = time.Second

// ObserveOptions tunes PollAndObserveFrames.
type ObserveOptions struct {
	// Power overrides the output power of every payload case when non-nil.
	Power *int `yaml:"power,omitempty"`
	// FrameTimeout bounds frame collection after the last case was issued.
	FrameTimeout time.Duration `yaml:"frame_timeout"`
}

// MarshalYAML writes the frame timeout as a duration string.
func (o ObserveOptions) MarshalYAML() (any, error) {
	type plain ObserveOptions
	return MarshalDurations(plain(o), map[string]time.Duration{"frame_timeout": o.FrameTimeout})
}

// DefaultObserveOptions returns full power and DefaultFrameTimeout.
func DefaultObserveOptions() ObserveOptions {
	return ObserveOptions{FrameTimeout: DefaultFrameTimeout}
}

// CollectFrames reads from ch until want frames arrived, timeout elapsed,
// ch closed or ctx is done, and returns what it collected. The caller runs
// the completeness check on the result.
func CollectFrames(ctx context.Context, ch <-chan ObservedFrame, want int, timeout time.Duration) []ObservedFrame {
	frames := make([]ObservedFrame, 0, want)
	if want <= 0 {
		return frames
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return frames
			}
			frames = append(frames, f)
			if len(frames) == want {
				return frames
			}
		case <-timer.C:
			Debugf("Frame collection timed out with %d/%d frames", len(frames), want)
			return frames
		case <-ctx.Done():
			return frames
		}
	}
}

// PollAndObserveFrames sends cases through reader while subscribed to the
// frames observed by emulator, then collects one frame per case. Every
// configuration is validated before any RF activity.
func PollAndObserveFrames(
	ctx context.Context, reader Reader, emulator Emulator, cases []PollingFrameTestCase, opts ObserveOptions,
) ([]ObservedFrame, error) {
	issued := make([]PollingFrameTestCase, len(cases))
	for idx, tc := range cases {
		if opts.Power != nil && tc.Field == FieldUnchanged {
			tc.Configuration = tc.Configuration.Replace(WithPower(*opts.Power))
		}
		if err := tc.Configuration.Validate(); err != nil {
			return nil, fmt.Errorf("test case %d (%s): %w", idx, tc.Name, err)
		}
		issued[idx] = tc
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := emulator.ObserveFrames(subCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to observe frames: %w", err)
	}

	for idx, tc := range issued {
		if err := Issue(ctx, reader, tc); err != nil {
			return nil, fmt.Errorf("failed to issue test case %d (%s): %w", idx, tc, err)
		}
	}

	timeout := opts.FrameTimeout
	if timeout <= 0 {
		timeout = DefaultFrameTimeout
	}
	return CollectFrames(ctx, ch, len(issued), timeout), nil
}
