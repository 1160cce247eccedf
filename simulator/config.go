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

// Package simulator provides an in-process reader and card emulator that
// share one simulated RF field. The emulator observes every frame the reader
// puts on the air, stamps it with a device clock and reports it the way an
// observe-mode capable NFC controller does.
package simulator

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	pollcheck "github.com/ZaparooProject/go-pollcheck"
)

// Config describes the simulated device under test.
type Config struct {
	// Capabilities reported by Emulator.Supports.
	Capabilities []pollcheck.Capability `yaml:"capabilities"`
	// UID and ATS of the emulated ISO-DEP card, hex encoded.
	UID string `yaml:"uid"`
	ATS string `yaml:"ats"`
	// Seed drives the timestamp jitter.
	Seed uint64 `yaml:"seed"`
	// Latency is spent inside every RF operation; the frame reaches the air
	// half way through it.
	Latency time.Duration `yaml:"latency"`
	// ClockWrap is the period of the device timestamp counter; zero never wraps.
	ClockWrap time.Duration `yaml:"clock_wrap"`
	// TimestampJitter is the maximum error added to each device timestamp.
	TimestampJitter time.Duration `yaml:"timestamp_jitter"`
	// GainSlope is the reported gain per percent of reader power.
	GainSlope float64 `yaml:"gain_slope"`
	// MinPower is the lowest reader power at which frames are detected.
	MinPower int `yaml:"min_power"`
	// SelRes is the SAK of the emulated card.
	SelRes byte `yaml:"sel_res"`
	// PadShortFrames reports frames with fewer than 8 bits in the last byte
	// with the unused bits set.
	PadShortFrames bool `yaml:"pad_short_frames"`
}

// DefaultConfig returns a well behaved device: all capabilities, an
// ISO-DEP card, a gain that grows with power and an exact clock.
func DefaultConfig() Config {
	return Config{
		Capabilities: []pollcheck.Capability{
			pollcheck.CapabilityObserveMode,
			pollcheck.CapabilityPrefixRegistration,
			pollcheck.CapabilityHCE,
		},
		UID:       "08112233",
		ATS:       "0578807002",
		SelRes:    0x20,
		Seed:      1,
		GainSlope: 0.5,
	}
}

// MarshalYAML writes the durations as strings.
func (c Config) MarshalYAML() (any, error) {
	type plain Config
	return pollcheck.MarshalDurations(plain(c), map[string]time.Duration{
		"latency":          c.Latency,
		"clock_wrap":       c.ClockWrap,
		"timestamp_jitter": c.TimestampJitter,
	})
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := hex.DecodeString(c.UID); err != nil {
		return fmt.Errorf("invalid uid: %w", err)
	}
	if _, err := hex.DecodeString(c.ATS); err != nil {
		return fmt.Errorf("invalid ats: %w", err)
	}
	if c.Latency < 0 || c.ClockWrap < 0 || c.TimestampJitter < 0 {
		return errors.New("latency, clock wrap and jitter must not be negative")
	}
	if c.ClockWrap > 0 && c.ClockWrap < time.Millisecond {
		return fmt.Errorf("clock wrap %v is shorter than 1ms", c.ClockWrap)
	}
	if c.MinPower < 0 || c.MinPower > 100 {
		return fmt.Errorf("min power %d must be within [0,100]", c.MinPower)
	}
	return nil
}
