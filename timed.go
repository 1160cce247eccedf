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
	"slices"
	"time"
)

// TimingSample is the host clock bracket around one reader operation.
type TimingSample struct {
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

// Midpoint returns the centre of the bracket, the best host estimate of
// when the operation reached the air.
func (s TimingSample) Midpoint() time.Time {
	return s.Start.Add(s.End.Sub(s.Start) / 2)
}

// Uncertainty returns the half width of the bracket.
func (s TimingSample) Uncertainty() time.Duration {
	return s.End.Sub(s.Start) / 2
}

// Clock returns the current host time.
type Clock func() time.Time

// TimedReader records a host time bracket around every PollA, PollB,
// SendBroadcast, Mute and Unmute call of the wrapped Reader. Results and
// errors of the wrapped reader are passed through unchanged. Reset is not
// bracketed because it is not part of a polling loop.
//
// A TimedReader belongs to one session and is not safe for concurrent use.
type TimedReader struct {
	reader  Reader
	clock   Clock
	timings []TimingSample
}

// TimedOption configures a TimedReader.
type TimedOption func(*TimedReader)

// WithClock replaces the host clock, mostly for tests.
func WithClock(clock Clock) TimedOption {
	return func(t *TimedReader) { t.clock = clock }
}

// NewTimedReader wraps reader.
func NewTimedReader(reader Reader, opts ...TimedOption) *TimedReader {
	t := &TimedReader{reader: reader, clock: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Timings returns a copy of the brackets recorded so far, in call order.
func (t *TimedReader) Timings() []TimingSample {
	return slices.Clone(t.timings)
}

func (t *TimedReader) bracket(op func() error) error {
	start := t.clock()
	err := op()
	end := t.clock()
	t.timings = append(t.timings, TimingSample{Start: start, End: end})
	return err
}

// PollA implements Reader.
func (t *TimedReader) PollA(ctx context.Context) (ReaderTag, error) {
	var tag ReaderTag
	err := t.bracket(func() error {
		var err error
		tag, err = t.reader.PollA(ctx)
		return err
	})
	return tag, err
}

// PollB implements Reader.
func (t *TimedReader) PollB(ctx context.Context, afi byte) (ReaderTag, error) {
	var tag ReaderTag
	err := t.bracket(func() error {
		var err error
		tag, err = t.reader.PollB(ctx, afi)
		return err
	})
	return tag, err
}

// SendBroadcast implements Reader.
func (t *TimedReader) SendBroadcast(ctx context.Context, data []byte, cfg TransceiveConfiguration) error {
	return t.bracket(func() error {
		return t.reader.SendBroadcast(ctx, data, cfg)
	})
}

// Mute implements Reader.
func (t *TimedReader) Mute(ctx context.Context) error {
	return t.bracket(func() error {
		return t.reader.Mute(ctx)
	})
}

// Unmute implements Reader.
func (t *TimedReader) Unmute(ctx context.Context) error {
	return t.bracket(func() error {
		return t.reader.Unmute(ctx)
	})
}

// Reset implements Reader.
func (t *TimedReader) Reset(ctx context.Context) error {
	return t.reader.Reset(ctx) //nolint:wrapcheck // Pass-through wrapper
}

var _ Reader = (*TimedReader)(nil)

// Issue sends a single test case through reader: the sentinels toggle the
// field, payload cases are broadcast with their configuration.
func Issue(ctx context.Context, reader Reader, tc PollingFrameTestCase) error {
	switch tc.Field {
	case FieldOn:
		return reader.Unmute(ctx)
	case FieldOff:
		return reader.Mute(ctx)
	default:
		return reader.SendBroadcast(ctx, tc.Data, tc.Configuration)
	}
}
