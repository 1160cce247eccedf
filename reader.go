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
	"fmt"
)

// Reader is the capability set of an RF reader used to drive the device
// under test. Implementations must not be used for concurrent RF operations.
//
// PollA and PollB return (nil, nil) when no target answers: an absent tag is
// an expected outcome, not an error. On failure the field state is left as
// the discovery attempt made it.
type Reader interface {
	// PollA performs one Type A discovery and anticollision attempt.
	PollA(ctx context.Context) (ReaderTag, error)
	// PollB performs one Type B discovery attempt with the given AFI.
	PollB(ctx context.Context, afi byte) (ReaderTag, error)
	// SendBroadcast injects a raw frame without prior discovery.
	SendBroadcast(ctx context.Context, data []byte, cfg TransceiveConfiguration) error
	// Mute disables the RF field. Idempotent.
	Mute(ctx context.Context) error
	// Unmute enables the RF field. Idempotent.
	Unmute(ctx context.Context) error
	// Reset restores the baseline: field disabled, no protocol state.
	Reset(ctx context.Context) error
}

// ReaderTag is a target found by discovery that implements ISO-DEP.
type ReaderTag interface {
	// SelRes returns the SAK byte captured after anticollision.
	SelRes() byte
	// ATS returns the Answer To Select, nil when the target sent none.
	ATS() []byte
	// Transceive sends one command APDU and returns the response APDU.
	Transceive(ctx context.Context, apdu []byte) ([]byte, error)
}

// FrameType is the classification the device assigns to an observed frame.
type FrameType string

// Frame types reported by the device under test.
const (
	FrameTypeOn      FrameType = "ON"
	FrameTypeOff     FrameType = "OFF"
	FrameTypeA       FrameType = "A"
	FrameTypeB       FrameType = "B"
	FrameTypeF       FrameType = "F"
	FrameTypeUnknown FrameType = "UNKNOWN"
)

// ProtocolFrameTypes lists the frame types that carry payloads, in report order.
var ProtocolFrameTypes = []FrameType{FrameTypeA, FrameTypeB, FrameTypeF}

// ObservedFrame is a polling frame as reported by the device under test.
type ObservedFrame struct {
	Type FrameType `yaml:"type"`
	Data []byte    `yaml:"-"`
	// Timestamp is the device clock in microseconds. It is monotonic but may wrap.
	Timestamp int64 `yaml:"timestamp"`
	// Gain is the vendor specific gain, nil when the controller reports none.
	Gain *int `yaml:"vendor_specific_gain,omitempty"`
}

// HexData returns the frame data as lower-case hex.
func (f ObservedFrame) HexData() string {
	return HexData(f.Data)
}

// String formats the frame for log lines.
func (f ObservedFrame) String() string {
	gain := "-"
	if f.Gain != nil {
		gain = fmt.Sprint(*f.Gain)
	}
	return fmt.Sprintf("%s [%s] @%dus gain=%s", f.Type, f.HexData(), f.Timestamp, gain)
}

// HexData encodes data as lower-case hex, the format used by all catalog data sets.
func HexData(data []byte) string {
	return hex.EncodeToString(data)
}

// Gain returns a pointer to g, for building ObservedFrame values.
func Gain(g int) *int {
	return &g
}
