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

package simulator

import (
	"context"
	"fmt"
	"slices"

	pollcheck "github.com/ZaparooProject/go-pollcheck"
)

// Reader is the simulated polling loop reader. It implements
// pollcheck.Reader; every frame it sends is seen by its Emulator.
type Reader struct {
	air    *air
	active *Tag
}

var _ pollcheck.Reader = (*Reader)(nil)

// Option configures a simulator pair.
type Option func(*options)

type options struct {
	clock pollcheck.Clock
}

// WithClock sets the clock the device timestamps are derived from. Use the
// same clock as the session for deterministic correlation.
func WithClock(clock pollcheck.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// New creates a reader and an emulator sharing one field.
func New(cfg Config, opts ...Option) (*Reader, *Emulator, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a, err := newAir(cfg, o.clock)
	if err != nil {
		return nil, nil, err
	}
	return &Reader{air: a}, &Emulator{air: a}, nil
}

// op runs fn with the medium locked, half way through the latency.
func (r *Reader) op(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("simulated reader: %w", err)
	}
	r.air.halfLatency()
	r.air.mu.Lock()
	fn()
	r.air.mu.Unlock()
	r.air.halfLatency()
	return nil
}

// PollA implements pollcheck.Reader. The emulated card answers while a
// card emulation scenario runs.
func (r *Reader) PollA(ctx context.Context) (pollcheck.ReaderTag, error) {
	var tag *Tag
	err := r.op(ctx, func() {
		r.air.setField(true)
		r.active = nil
		if r.air.cardPresent() {
			tag = &Tag{reader: r, uid: r.air.uid, ats: r.air.ats, selRes: r.air.cfg.SelRes}
			r.active = tag
		}
	})
	if err != nil || tag == nil {
		return nil, err
	}
	return tag, nil
}

// PollB implements pollcheck.Reader. The emulator only emulates Type A,
// so no Type B target ever answers.
func (r *Reader) PollB(ctx context.Context, _ byte) (pollcheck.ReaderTag, error) {
	err := r.op(ctx, func() {
		r.air.setField(true)
		r.active = nil
	})
	return nil, err
}

// SendBroadcast implements pollcheck.Reader.
func (r *Reader) SendBroadcast(ctx context.Context, data []byte, cfg pollcheck.TransceiveConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err //nolint:wrapcheck // ConfigurationError carries its own context
	}
	return r.op(ctx, func() {
		r.active = nil
		r.air.broadcast(data, cfg)
	})
}

// Mute implements pollcheck.Reader.
func (r *Reader) Mute(ctx context.Context) error {
	return r.op(ctx, func() {
		r.active = nil
		r.air.setField(false)
	})
}

// Unmute implements pollcheck.Reader.
func (r *Reader) Unmute(ctx context.Context) error {
	return r.op(ctx, func() { r.air.setField(true) })
}

// Reset implements pollcheck.Reader.
func (r *Reader) Reset(ctx context.Context) error {
	return r.Mute(ctx)
}

// FieldOn reports the field state.
func (r *Reader) FieldOn() bool {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	return r.air.fieldOn
}

// Tag is the emulated ISO-DEP card found by PollA.
type Tag struct {
	reader *Reader
	uid    []byte
	ats    []byte
	selRes byte
}

var _ pollcheck.ReaderTag = (*Tag)(nil)

// UID returns the card NFCID1.
func (t *Tag) UID() []byte { return slices.Clone(t.uid) }

// SelRes implements pollcheck.ReaderTag.
func (t *Tag) SelRes() byte { return t.selRes }

// ATS implements pollcheck.ReaderTag.
func (t *Tag) ATS() []byte { return slices.Clone(t.ats) }

// Transceive implements pollcheck.ReaderTag. The card answers from the APDU
// scripts of the running scenario's services and 6F00 otherwise.
func (t *Tag) Transceive(ctx context.Context, apdu []byte) ([]byte, error) {
	var res []byte
	var lost bool
	err := t.reader.op(ctx, func() {
		if t.reader.active != t || !t.reader.air.cardPresent() {
			lost = true
			return
		}
		res = t.reader.air.answer(apdu)
	})
	if err != nil {
		return nil, err
	}
	if lost {
		return nil, fmt.Errorf("%w: card left the field", pollcheck.ErrTargetNotFound)
	}
	return res, nil
}
