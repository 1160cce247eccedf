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
	"fmt"
	"math"
	"time"
)

// Timestamp correlation defaults.
const (
	// DefaultTimestampTolerance is the fixed part of the allowed host/device
	// difference, in milliseconds.
	DefaultTimestampTolerance = 5.0
	// DefaultMaxTimestampViolations is the number of out-of-tolerance frames
	// at which correlation fails. Fewer are treated as isolated jitter.
	DefaultMaxTimestampViolations = 3
)

// CorrelationOptions tunes CorrelateTimestamps.
type CorrelationOptions struct {
	// ToleranceMs is the fixed allowed error in milliseconds.
	ToleranceMs float64 `yaml:"tolerance_ms"`
	// MaxViolations is the violation count at which the check fails.
	MaxViolations int `yaml:"max_violations"`
}

// DefaultCorrelationOptions returns the 5 ms / 3 violations defaults.
func DefaultCorrelationOptions() CorrelationOptions {
	return CorrelationOptions{
		ToleranceMs:   DefaultTimestampTolerance,
		MaxViolations: DefaultMaxTimestampViolations,
	}
}

// TimingViolation records a frame whose device elapsed time differs from
// the host elapsed time by more than the allowed error.
type TimingViolation struct {
	Sent           string  `yaml:"frame_sent"`
	Received       string  `yaml:"frame_received"`
	Index          int     `yaml:"index"`
	DeviceMs       float64 `yaml:"time_device"`
	HostMs         float64 `yaml:"time_host"`
	DifferenceMs   float64 `yaml:"difference"`
	AllowedErrorMs float64 `yaml:"total_error"`
}

// ClockWrap records a device timestamp that went backwards relative to the
// reference, after which both references were re-anchored.
type ClockWrap struct {
	Index             int   `yaml:"index"`
	PreviousTimestamp int64 `yaml:"previous_timestamp"`
	Timestamp         int64 `yaml:"timestamp"`
}

// TimestampReport is the diagnostic record of one correlation run.
type TimestampReport struct {
	Violations    []TimingViolation `yaml:"violations,omitempty"`
	Wraps         []ClockWrap       `yaml:"wraps,omitempty"`
	Compared      int               `yaml:"compared"`
	MaxViolations int               `yaml:"max_violations"`
	ToleranceMs   float64           `yaml:"tolerance_ms"`
	Passed        bool              `yaml:"passed"`
}

func usToMs(us int64) float64 {
	return float64(us) / 1e3
}

func durationToMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// CorrelateTimestamps checks that the device timestamps of frames advance in
// step with the host brackets recorded while sending cases.
//
// The first bracket midpoint and first frame timestamp are the references.
// For every later pair the device and host elapsed times are compared; the
// allowed error is the fixed tolerance plus the half widths of the current
// and reference brackets. A device timestamp below the reference is a clock
// wrap: it is not a violation and both references move to that sample.
//
// A frame count mismatch fails before any timing comparison. Otherwise the
// report is always returned; the error is non-nil when the violation count
// reaches opts.MaxViolations.
func CorrelateTimestamps(
	cases []PollingFrameTestCase, timings []TimingSample, frames []ObservedFrame, opts CorrelationOptions,
) (*TimestampReport, error) {
	if err := checkCounts(cases, frames, timings); err != nil {
		return nil, err
	}
	if len(timings) != len(cases) {
		return nil, fmt.Errorf("%w: %d samples for %d test cases", ErrTimingCountMismatch, len(timings), len(cases))
	}

	report := &TimestampReport{
		ToleranceMs:   opts.ToleranceMs,
		MaxViolations: opts.MaxViolations,
	}
	if len(frames) == 0 {
		report.Passed = true
		return report, nil
	}

	hostRef := timings[0].Midpoint()
	hostRefErr := timings[0].Uncertainty()
	deviceRef := frames[0].Timestamp
	previous := frames[0].Timestamp

	for idx := 1; idx < len(frames); idx++ {
		frame, timing, tc := frames[idx], timings[idx], cases[idx]
		hostTime := timing.Midpoint()
		hostErr := timing.Uncertainty()

		Debugf("%-32s %s -> %-32s (%s)", tc.HexData(), tc.Configuration, frame.HexData(), frame.Type)

		if frame.Timestamp-deviceRef < 0 {
			Warnf("Timestamp value wrapped from %d to %d for frame %s; skipping comparison",
				previous, frame.Timestamp, frame)
			report.Wraps = append(report.Wraps, ClockWrap{
				Index:             idx,
				PreviousTimestamp: previous,
				Timestamp:         frame.Timestamp,
			})
			deviceRef = frame.Timestamp
			hostRef = hostTime
			hostRefErr = hostErr
			previous = frame.Timestamp
			continue
		}
		previous = frame.Timestamp

		deviceMs := usToMs(frame.Timestamp - deviceRef)
		hostMs := durationToMs(hostTime.Sub(hostRef))
		difference := deviceMs - hostMs
		allowed := opts.ToleranceMs + durationToMs(hostErr+hostRefErr)
		report.Compared++

		if math.Abs(difference) > allowed {
			v := TimingViolation{
				Index:          idx,
				Sent:           tc.String(),
				Received:       frame.String(),
				DeviceMs:       deviceMs,
				HostMs:         hostMs,
				DifferenceMs:   difference,
				AllowedErrorMs: allowed,
			}
			report.Violations = append(report.Violations, v)
			Warnf("Polling frame timestamp tolerance exceeded: index=%d difference=%.3fms allowed=%.3fms",
				idx, difference, allowed)
		}
	}

	report.Passed = len(report.Violations) < opts.MaxViolations
	if !report.Passed {
		return report, fmt.Errorf("%w: %d frames exceeded tolerance (limit %d)",
			ErrTimingToleranceExceeded, len(report.Violations), opts.MaxViolations)
	}
	return report, nil
}
