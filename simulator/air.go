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
	"encoding/hex"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	pollcheck "github.com/ZaparooProject/go-pollcheck"
	"github.com/ZaparooProject/go-pollcheck/internal/syncutil"
)

// observerBuffer is the per-subscriber frame backlog.
const observerBuffer = 1024

// air is the shared RF medium and device state behind a Reader and an
// Emulator pair.
type air struct {
	epoch       time.Time
	clock       pollcheck.Clock
	rng         *rand.Rand
	scenario    *pollcheck.Scenario
	services    map[string]script
	waiters     map[string][]chan pollcheck.Event
	observers   map[int]chan pollcheck.ObservedFrame
	uid         []byte
	ats         []byte
	cfg         Config
	nextID      int
	mu          syncutil.Mutex
	fieldOn     bool
	dropped     int
	transceived int
}

type script struct {
	commands  [][]byte
	responses [][]byte
}

func newAir(cfg Config, clock pollcheck.Clock) (*air, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid simulator config: %w", err)
	}
	uid, _ := hex.DecodeString(cfg.UID)
	ats, _ := hex.DecodeString(cfg.ATS)
	if clock == nil {
		clock = time.Now
	}
	return &air{
		cfg:       cfg,
		clock:     clock,
		epoch:     clock(),
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9E3779B97F4A7C15)), //nolint:gosec // Simulation noise
		services:  make(map[string]script),
		waiters:   make(map[string][]chan pollcheck.Event),
		observers: make(map[int]chan pollcheck.ObservedFrame),
		uid:       uid,
		ats:       ats,
	}, nil
}

// timestamp returns the device clock in microseconds. Must hold mu.
func (a *air) timestamp() int64 {
	us := a.clock().Sub(a.epoch).Microseconds()
	if j := a.cfg.TimestampJitter.Microseconds(); j > 0 {
		us += a.rng.Int64N(2*j+1) - j
	}
	if us < 0 {
		us = 0
	}
	if wrap := a.cfg.ClockWrap.Microseconds(); wrap > 0 {
		us %= wrap
	}
	return us
}

// emit delivers a frame to every observer. Must hold mu.
func (a *air) emit(f pollcheck.ObservedFrame) {
	f.Timestamp = a.timestamp()
	for _, ch := range a.observers {
		select {
		case ch <- f:
		default:
			a.dropped++
		}
	}
}

// setField switches the field and reports the transition. Must hold mu.
func (a *air) setField(on bool) {
	if a.fieldOn == on {
		return
	}
	a.fieldOn = on
	t := pollcheck.FrameTypeOff
	if on {
		t = pollcheck.FrameTypeOn
	}
	a.emit(pollcheck.ObservedFrame{Type: t})
}

// broadcast puts a payload frame on the air. Must hold mu.
func (a *air) broadcast(data []byte, cfg pollcheck.TransceiveConfiguration) {
	a.setField(true)
	if cfg.Power < a.cfg.MinPower {
		return
	}

	payload := slices.Clone(data)
	if a.cfg.PadShortFrames && cfg.Bits < 8 && len(payload) > 0 {
		payload[len(payload)-1] |= ^byte(0) << cfg.Bits
	}
	a.emit(pollcheck.ObservedFrame{
		Type: frameType(cfg.Type),
		Data: payload,
		Gain: pollcheck.Gain(int(math.Round(a.cfg.GainSlope * float64(cfg.Power)))),
	})
}

// cardPresent reports whether a card emulation scenario is running. Must hold mu.
func (a *air) cardPresent() bool {
	return a.scenario != nil && a.scenario.Name != pollcheck.ScenarioPollingFrames.Name && a.fieldOn
}

// answer returns the card response to apdu. Must hold mu.
func (a *air) answer(apdu []byte) []byte {
	a.transceived++
	names := a.scenario.Services
	if len(names) == 0 {
		for name := range a.services {
			names = append(names, name)
		}
		slices.Sort(names)
	}
	for _, name := range names {
		s := a.services[name]
		for i, cmd := range s.commands {
			if slices.Equal(cmd, apdu) && i < len(s.responses) {
				return slices.Clone(s.responses[i])
			}
		}
	}
	return []byte{0x6F, 0x00}
}

// halfLatency sleeps for half of the configured latency.
func (a *air) halfLatency() {
	if a.cfg.Latency > 0 {
		time.Sleep(a.cfg.Latency / 2)
	}
}

func frameType(p pollcheck.ProtocolType) pollcheck.FrameType {
	switch p {
	case pollcheck.ProtocolA:
		return pollcheck.FrameTypeA
	case pollcheck.ProtocolB:
		return pollcheck.FrameTypeB
	case pollcheck.ProtocolF:
		return pollcheck.FrameTypeF
	default:
		return pollcheck.FrameTypeUnknown
	}
}
