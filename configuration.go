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

// ProtocolType is the RF framing scheme used for a transceive operation.
type ProtocolType string

const (
	// ProtocolA is ISO14443 Type A framing (Miller/Manchester, 106 kbps base).
	ProtocolA ProtocolType = "A"
	// ProtocolB is ISO14443 Type B framing (NRZ-L/BPSK).
	ProtocolB ProtocolType = "B"
	// ProtocolF is JIS X 6319-4 (FeliCa) framing.
	ProtocolF ProtocolType = "F"
)

// Valid reports whether p is one of the supported protocol types.
func (p ProtocolType) Valid() bool {
	switch p {
	case ProtocolA, ProtocolB, ProtocolF:
		return true
	default:
		return false
	}
}

// Carrier is the 13.56 MHz RF carrier frequency in Hz.
const Carrier = 13.56e6

// ATimeout is the Type A frame delay time used for custom A frames:
// (1236 + 384) carrier periods.
var ATimeout = time.Duration(math.Round(float64(time.Second) * (1236 + 384) / Carrier))

// Supported bit rates in kbps.
const (
	Bitrate106 uint = 106
	Bitrate212 uint = 212
	Bitrate424 uint = 424
	Bitrate848 uint = 848
)

// TransceiveConfiguration describes how a single frame is put on the air.
// It is a value type: copies never share state and Replace returns a new value.
type TransceiveConfiguration struct {
	Type    ProtocolType `yaml:"type"`
	CRC     bool         `yaml:"crc"`
	Bits    uint         `yaml:"bits"`
	Bitrate uint         `yaml:"bitrate"`
	// Timeout of zero means the reader default applies.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// Power is the output power as a percentage of the reader maximum.
	Power int `yaml:"power"`
}

// NewConfiguration returns a configuration for the given protocol type with
// CRC enabled, 8 bits in the last byte, 106 kbps, no timeout and full power.
func NewConfiguration(protocol ProtocolType, opts ...ConfigOption) TransceiveConfiguration {
	cfg := TransceiveConfiguration{
		Type:    protocol,
		CRC:     true,
		Bits:    8,
		Bitrate: Bitrate106,
		Power:   100,
	}
	return cfg.Replace(opts...)
}

// Preset configurations used by the frame catalog.
var (
	ConfigurationAShort = NewConfiguration(ProtocolA, WithCRC(false), WithBits(7), WithTimeout(ATimeout))
	ConfigurationALong  = NewConfiguration(ProtocolA, WithTimeout(ATimeout))
	ConfigurationBLong  = NewConfiguration(ProtocolB, WithTimeout(ATimeout))
	ConfigurationFLong  = NewConfiguration(ProtocolF, WithBitrate(Bitrate212), WithTimeout(ATimeout))
)

// ConfigOption overrides a single field in Replace.
type ConfigOption func(*TransceiveConfiguration)

// WithType overrides the protocol type.
func WithType(p ProtocolType) ConfigOption {
	return func(c *TransceiveConfiguration) { c.Type = p }
}

// WithCRC overrides CRC generation.
func WithCRC(crc bool) ConfigOption {
	return func(c *TransceiveConfiguration) { c.CRC = crc }
}

// WithBits overrides the number of valid bits in the last byte.
func WithBits(bits uint) ConfigOption {
	return func(c *TransceiveConfiguration) { c.Bits = bits }
}

// WithBitrate overrides the bit rate in kbps.
func WithBitrate(bitrate uint) ConfigOption {
	return func(c *TransceiveConfiguration) { c.Bitrate = bitrate }
}

// WithTimeout overrides the response timeout.
func WithTimeout(timeout time.Duration) ConfigOption {
	return func(c *TransceiveConfiguration) { c.Timeout = timeout }
}

// WithoutTimeout clears the response timeout.
func WithoutTimeout() ConfigOption {
	return func(c *TransceiveConfiguration) { c.Timeout = 0 }
}

// WithPower overrides the output power percentage.
func WithPower(power int) ConfigOption {
	return func(c *TransceiveConfiguration) { c.Power = power }
}

// Replace returns a copy of c with the given fields overridden.
// Replace() with no options returns a value equal to c.
func (c TransceiveConfiguration) Replace(opts ...ConfigOption) TransceiveConfiguration {
	out := c
	for _, opt := range opts {
		opt(&out)
	}
	return out
}

// HasTimeout reports whether a timeout was set.
func (c TransceiveConfiguration) HasTimeout() bool {
	return c.Timeout > 0
}

// Validate checks the configuration before any RF activity is attempted.
func (c TransceiveConfiguration) Validate() error {
	if !c.Type.Valid() {
		return &ConfigurationError{Field: "type", Value: string(c.Type), Reason: "unrecognized protocol type"}
	}
	if c.Power < 0 || c.Power > 100 {
		return &ConfigurationError{Field: "power", Value: fmt.Sprint(c.Power), Reason: "must be within [0,100]"}
	}
	if c.Bits < 1 || c.Bits > 8 {
		return &ConfigurationError{Field: "bits", Value: fmt.Sprint(c.Bits), Reason: "must be within [1,8]"}
	}
	switch c.Bitrate {
	case Bitrate106, Bitrate212, Bitrate424, Bitrate848:
	default:
		return &ConfigurationError{Field: "bitrate", Value: fmt.Sprint(c.Bitrate), Reason: "unsupported bit rate"}
	}
	if c.Timeout < 0 {
		return &ConfigurationError{Field: "timeout", Value: c.Timeout.String(), Reason: "must not be negative"}
	}
	return nil
}

// MarshalYAML writes the timeout as a duration string.
func (c TransceiveConfiguration) MarshalYAML() (any, error) {
	type plain TransceiveConfiguration
	return MarshalDurations(plain(c), map[string]time.Duration{"timeout": c.Timeout})
}

// String formats the configuration as "(A, +, 8)" for log lines.
func (c TransceiveConfiguration) String() string {
	crc := "-"
	if c.CRC {
		crc = "+"
	}
	return fmt.Sprintf("(%s, %s, %d)", c.Type, crc, c.Bits)
}
