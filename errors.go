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
	"errors"
	"fmt"
)

// Validation and session errors
var (
	// ErrTargetNotFound is never returned by polling; it exists so callers
	// turning a missing tag into a failure have a sentinel to wrap.
	ErrTargetNotFound = errors.New("reader did not detect tag")

	// Structural errors - abort the session
	ErrFrameCountMismatch   = errors.New("device did not receive all polling frames")
	ErrTimingCountMismatch  = errors.New("timing sample count does not match test case count")
	ErrInvalidConfiguration = errors.New("invalid transceive configuration")
	ErrAPDUListMismatch     = errors.New("command and response lists differ in length")

	// Accumulated errors - reported once all findings are collected
	ErrTimingToleranceExceeded = errors.New("polling frame timestamp tolerance exceeded")
	ErrClassificationMismatch  = errors.New("polling frame classification mismatch")
	ErrGainRegression          = errors.New("polling frame vendor specific gain value dropped on power increase")

	// Session errors
	ErrObserveModeUnsupported = errors.New("observe mode not supported")
	ErrSessionBusy            = errors.New("a validation session is already active on this reader")
	ErrInvalidProtocolParams  = errors.New("invalid protocol parameters")
	ErrTransactionFailed      = errors.New("transaction failed")
	ErrEventTimeout           = errors.New("timed out waiting for emulator event")
)

// ConfigurationError describes an invalid TransceiveConfiguration field.
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s=%q %s", ErrInvalidConfiguration, e.Field, e.Value, e.Reason)
}

func (*ConfigurationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// FrameCountMismatchError is returned when the device reported a different
// number of frames than were sent. Stats holds the full sent/received dump.
type FrameCountMismatchError struct {
	Stats    *FrameStats
	Expected int
	Received int
}

func (e *FrameCountMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %d, received %d", ErrFrameCountMismatch, e.Expected, e.Received)
}

func (*FrameCountMismatchError) Unwrap() error {
	return ErrFrameCountMismatch
}

// GainRegressionError names the first adjacent pair of power levels whose
// mean gain decreased for a frame type.
type GainRegressionError struct {
	Type          FrameType
	PreviousLevel int
	Level         int
	PreviousPower int
	Power         int
	PreviousMean  float64
	Mean          float64
}

func (e *GainRegressionError) Error() string {
	return fmt.Sprintf("%s: type %s level %d (power %d%%, mean %s) -> level %d (power %d%%, mean %s)",
		ErrGainRegression, e.Type,
		e.PreviousLevel, e.PreviousPower, formatGain(e.PreviousMean),
		e.Level, e.Power, formatGain(e.Mean))
}

func (*GainRegressionError) Unwrap() error {
	return ErrGainRegression
}

// checkCounts returns a FrameCountMismatchError when frames and cases differ.
func checkCounts(cases []PollingFrameTestCase, frames []ObservedFrame, timings []TimingSample) error {
	if len(frames) == len(cases) {
		return nil
	}
	return &FrameCountMismatchError{
		Expected: len(cases),
		Received: len(frames),
		Stats:    NewFrameStats(cases, frames, timings),
	}
}
