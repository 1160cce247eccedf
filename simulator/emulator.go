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
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	pollcheck "github.com/ZaparooProject/go-pollcheck"
)

// Emulator is the simulated device under test. It implements
// pollcheck.Emulator.
type Emulator struct {
	air *air
}

var _ pollcheck.Emulator = (*Emulator)(nil)

// RegisterService installs the APDU script of a service. The card answers
// commands[i] with responses[i] while a scenario using the service runs.
func (e *Emulator) RegisterService(name string, commands, responses [][]byte) error {
	if len(commands) != len(responses) {
		return fmt.Errorf("%w: service %s has %d commands and %d responses",
			pollcheck.ErrAPDUListMismatch, name, len(commands), len(responses))
	}
	e.air.mu.Lock()
	defer e.air.mu.Unlock()
	e.air.services[name] = script{commands: cloneAll(commands), responses: cloneAll(responses)}
	return nil
}

// StartScenario implements pollcheck.Emulator and fires the scenario's
// ready event.
func (e *Emulator) StartScenario(ctx context.Context, scenario pollcheck.Scenario) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("start scenario: %w", err)
	}
	e.air.mu.Lock()
	defer e.air.mu.Unlock()

	for _, name := range scenario.Services {
		if _, ok := e.air.services[name]; !ok {
			return fmt.Errorf("scenario %s: unknown service %s", scenario.Name, name)
		}
	}
	s := scenario
	s.Services = slices.Clone(scenario.Services)
	e.air.scenario = &s
	pollcheck.Debugf("Simulated device started scenario %s", scenario.Name)

	if scenario.ReadyEvent != "" {
		e.fire(pollcheck.Event{Name: scenario.ReadyEvent, Time: e.air.clock()})
	}
	return nil
}

// StopScenario implements pollcheck.Emulator.
func (e *Emulator) StopScenario(_ context.Context) error {
	e.air.mu.Lock()
	defer e.air.mu.Unlock()
	e.air.scenario = nil
	return nil
}

// Scenario returns the running scenario, nil when none runs.
func (e *Emulator) Scenario() *pollcheck.Scenario {
	e.air.mu.Lock()
	defer e.air.mu.Unlock()
	if e.air.scenario == nil {
		return nil
	}
	s := *e.air.scenario
	return &s
}

// Emit fires a named event to the registered waiters.
func (e *Emulator) Emit(name string, data map[string]string) {
	e.air.mu.Lock()
	defer e.air.mu.Unlock()
	e.fire(pollcheck.Event{Name: name, Data: data, Time: e.air.clock()})
}

// fire delivers ev to every waiter of its name. Must hold mu.
func (e *Emulator) fire(ev pollcheck.Event) {
	for _, ch := range e.air.waiters[ev.Name] {
		ch <- ev
	}
	delete(e.air.waiters, ev.Name)
}

// WaitFor implements pollcheck.Emulator.
func (e *Emulator) WaitFor(_ context.Context, event string) (pollcheck.EventWaiter, error) {
	ch := make(chan pollcheck.Event, 1)
	e.air.mu.Lock()
	defer e.air.mu.Unlock()
	e.air.waiters[event] = append(e.air.waiters[event], ch)
	return &waiter{name: event, ch: ch}, nil
}

type waiter struct {
	ch   chan pollcheck.Event
	name string
}

func (w *waiter) Wait(ctx context.Context, timeout time.Duration) (*pollcheck.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-w.ch:
		return &ev, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %v", pollcheck.ErrEventTimeout, w.name, timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s: %w", w.name, ctx.Err())
	}
}

// Supports implements pollcheck.Emulator.
func (e *Emulator) Supports(_ context.Context, capability pollcheck.Capability) (bool, error) {
	return slices.Contains(e.air.cfg.Capabilities, capability), nil
}

// APDUs implements pollcheck.Emulator.
func (e *Emulator) APDUs(_ context.Context, service string) (commands, responses [][]byte, err error) {
	e.air.mu.Lock()
	defer e.air.mu.Unlock()
	s, ok := e.air.services[service]
	if !ok {
		return nil, nil, fmt.Errorf("unknown service %s", service)
	}
	return cloneAll(s.commands), cloneAll(s.responses), nil
}

// ObserveFrames implements pollcheck.Emulator. Frames are stamped with the
// device clock when they reach the air.
func (e *Emulator) ObserveFrames(ctx context.Context) (<-chan pollcheck.ObservedFrame, error) {
	if !slices.Contains(e.air.cfg.Capabilities, pollcheck.CapabilityObserveMode) {
		return nil, pollcheck.ErrObserveModeUnsupported
	}
	ch := make(chan pollcheck.ObservedFrame, observerBuffer)

	e.air.mu.Lock()
	id := e.air.nextID
	e.air.nextID++
	e.air.observers[id] = ch
	e.air.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.air.mu.Lock()
		delete(e.air.observers, id)
		e.air.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Stats returns the number of APDUs the card answered and the number of
// frames dropped because an observer fell behind.
func (e *Emulator) Stats() (transceived, dropped int) {
	e.air.mu.Lock()
	defer e.air.mu.Unlock()
	return e.air.transceived, e.air.dropped
}

// Excerpt returns a one line summary of the device state for teardown logs.
func (e *Emulator) Excerpt() string {
	e.air.mu.Lock()
	defer e.air.mu.Unlock()

	var b strings.Builder
	scenario := "none"
	if e.air.scenario != nil {
		scenario = e.air.scenario.Name
	}
	fmt.Fprintf(&b, "scenario=%s field=%t observers=%d apdus=%d dropped=%d uid=%s",
		scenario, e.air.fieldOn, len(e.air.observers), e.air.transceived, e.air.dropped,
		strings.ToUpper(hex.EncodeToString(e.air.uid)))
	return b.String()
}

func cloneAll(in [][]byte) [][]byte {
	out := make([][]byte, len(in))
	for i, b := range in {
		out[i] = slices.Clone(b)
	}
	return out
}
