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
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// stepClock advances by step on every call.
type stepClock struct {
	now  time.Time
	step time.Duration
	mu   sync.Mutex
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), step: time.Millisecond}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *stepClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeTag struct {
	err       error
	responses map[string][]byte
	ats       []byte
	sent      [][]byte
	selRes    byte
}

func (t *fakeTag) SelRes() byte { return t.selRes }
func (t *fakeTag) ATS() []byte  { return t.ats }

func (t *fakeTag) Transceive(_ context.Context, apdu []byte) ([]byte, error) {
	t.sent = append(t.sent, apdu)
	if t.err != nil {
		return nil, t.err
	}
	if res, ok := t.responses[hex.EncodeToString(apdu)]; ok {
		return res, nil
	}
	return []byte{0x6F, 0x00}, nil
}

// fakeReader records every call. While an emulator observes it, each
// field transition and broadcast is reported as a frame stamped with the
// current value of clock.
type fakeReader struct {
	pollErr      error
	broadcastErr error
	muteErr      error
	resetErr     error
	sink         chan<- ObservedFrame
	clock        *stepClock
	configs      []TransceiveConfiguration
	calls        []string
	tags         []ReaderTag
	polls        int
	mu           sync.Mutex
	fieldOn      bool
}

var _ Reader = (*fakeReader)(nil)

func (r *fakeReader) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *fakeReader) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeReader) setSink(ch chan<- ObservedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = ch
}

func (r *fakeReader) clearSink(ch chan<- ObservedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink == ch {
		r.sink = nil
	}
}

func (r *fakeReader) emit(f ObservedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink == nil {
		return
	}
	if r.clock != nil {
		f.Timestamp = r.clock.Peek().UnixMicro()
	}
	r.sink <- f
}

func (r *fakeReader) setField(on bool) {
	if r.fieldOn == on {
		return
	}
	r.fieldOn = on
	if on {
		r.emit(ObservedFrame{Type: FrameTypeOn})
	} else {
		r.emit(ObservedFrame{Type: FrameTypeOff})
	}
}

func (r *fakeReader) poll() (ReaderTag, error) {
	r.setField(true)
	if r.pollErr != nil {
		return nil, r.pollErr
	}
	idx := r.polls
	r.polls++
	if idx < len(r.tags) {
		return r.tags[idx], nil
	}
	return nil, nil
}

func (r *fakeReader) PollA(context.Context) (ReaderTag, error) {
	r.record("pollA")
	return r.poll()
}

func (r *fakeReader) PollB(context.Context, byte) (ReaderTag, error) {
	r.record("pollB")
	return r.poll()
}

func (r *fakeReader) SendBroadcast(_ context.Context, data []byte, cfg TransceiveConfiguration) error {
	r.record("broadcast")
	r.configs = append(r.configs, cfg)
	if r.broadcastErr != nil {
		return r.broadcastErr
	}
	r.setField(true)
	frameType := FrameTypeUnknown
	switch cfg.Type {
	case ProtocolA:
		frameType = FrameTypeA
	case ProtocolB:
		frameType = FrameTypeB
	case ProtocolF:
		frameType = FrameTypeF
	}
	r.emit(ObservedFrame{Type: frameType, Data: data, Gain: Gain(cfg.Power)})
	return nil
}

func (r *fakeReader) Mute(context.Context) error {
	r.record("mute")
	if r.muteErr != nil {
		return r.muteErr
	}
	r.setField(false)
	return nil
}

func (r *fakeReader) Unmute(context.Context) error {
	r.record("unmute")
	r.setField(true)
	return nil
}

func (r *fakeReader) Reset(context.Context) error {
	r.record("reset")
	return r.resetErr
}

type fakeWaiter struct {
	err  error
	name string
}

func (w *fakeWaiter) Wait(context.Context, time.Duration) (*Event, error) {
	if w.err != nil {
		return nil, w.err
	}
	return &Event{Name: w.name}, nil
}

// fakeEmulator observes the frames of its reader.
type fakeEmulator struct {
	reader    *fakeReader
	waitErr   error
	stopErr   error
	apdus     map[string][2][][]byte
	caps      map[Capability]bool
	scenarios []string
	mu        sync.Mutex
}

var _ Emulator = (*fakeEmulator)(nil)

func newLoopback() (*fakeReader, *fakeEmulator) {
	reader := &fakeReader{}
	return reader, &fakeEmulator{
		reader: reader,
		caps:   map[Capability]bool{CapabilityObserveMode: true},
		apdus:  map[string][2][][]byte{},
	}
}

func (e *fakeEmulator) StartScenario(_ context.Context, scenario Scenario) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scenarios = append(e.scenarios, scenario.Name)
	return nil
}

func (e *fakeEmulator) StopScenario(context.Context) error {
	return e.stopErr
}

func (e *fakeEmulator) WaitFor(_ context.Context, event string) (EventWaiter, error) {
	return &fakeWaiter{name: event, err: e.waitErr}, nil
}

func (e *fakeEmulator) Supports(_ context.Context, c Capability) (bool, error) {
	return e.caps[c], nil
}

func (e *fakeEmulator) APDUs(_ context.Context, service string) (commands, responses [][]byte, err error) {
	script, ok := e.apdus[service]
	if !ok {
		return nil, nil, errors.New("unknown service")
	}
	return script[0], script[1], nil
}

func (e *fakeEmulator) ObserveFrames(ctx context.Context) (<-chan ObservedFrame, error) {
	if !e.caps[CapabilityObserveMode] {
		return nil, ErrObserveModeUnsupported
	}
	ch := make(chan ObservedFrame, 512)
	e.reader.setSink(ch)
	go func() {
		<-ctx.Done()
		e.reader.clearSink(ch)
		close(ch)
	}()
	return ch, nil
}

func payloadFrames(cases []PollingFrameTestCase) []ObservedFrame {
	frames := make([]ObservedFrame, len(cases))
	for i, tc := range cases {
		frames[i] = ObservedFrame{Type: tc.SuccessTypes[0], Data: tc.Data}
	}
	return frames
}
