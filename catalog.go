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
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
)

// FieldChange marks the ON/OFF sentinel test cases, which toggle the RF
// field instead of transmitting a payload.
type FieldChange int

const (
	// FieldUnchanged is a payload test case.
	FieldUnchanged FieldChange = iota
	// FieldOn enables the RF field.
	FieldOn
	// FieldOff disables the RF field.
	FieldOff
)

// PollingFrameTestCase is one entry of the polling loop catalog.
//
// SuccessTypes holds every classification the device may legitimately report:
// short bit patterns overlap between framing schemes. ExpectedData holds every
// accepted hex encoding of the payload; WarningData is the subset that is
// accepted but produced by encoders that pad the last byte.
type PollingFrameTestCase struct {
	Name          string                  `yaml:"name"`
	Field         FieldChange             `yaml:"-"`
	Configuration TransceiveConfiguration `yaml:"configuration"`
	Data          []byte                  `yaml:"-"`
	SuccessTypes  []FrameType             `yaml:"success_types"`
	ExpectedData  []string                `yaml:"expected_data"`
	WarningData   []string                `yaml:"warning_data,omitempty"`
}

// HexData returns the payload as lower-case hex.
func (tc PollingFrameTestCase) HexData() string {
	return HexData(tc.Data)
}

// Accepts reports whether t is one of the success types.
func (tc PollingFrameTestCase) Accepts(t FrameType) bool {
	return slices.Contains(tc.SuccessTypes, t)
}

// AcceptsData reports whether the hex-encoded data is expected.
func (tc PollingFrameTestCase) AcceptsData(hexData string) bool {
	return slices.Contains(tc.ExpectedData, hexData)
}

// IsWarningData reports whether the hex-encoded data is an accepted but
// padded variant.
func (tc PollingFrameTestCase) IsWarningData(hexData string) bool {
	return slices.Contains(tc.WarningData, hexData)
}

// String formats the case as "26 (A, -, 7)".
func (tc PollingFrameTestCase) String() string {
	switch tc.Field {
	case FieldOn:
		return "field on"
	case FieldOff:
		return "field off"
	default:
		return fmt.Sprintf("%s %s", strings.ToUpper(tc.HexData()), tc.Configuration)
	}
}

func (tc PollingFrameTestCase) clone() PollingFrameTestCase {
	tc.Data = slices.Clone(tc.Data)
	tc.SuccessTypes = slices.Clone(tc.SuccessTypes)
	tc.ExpectedData = slices.Clone(tc.ExpectedData)
	tc.WarningData = slices.Clone(tc.WarningData)
	return tc
}

// payloadCase builds a catalog entry that expects the payload unchanged.
// Frames shorter than 8 bits in the last byte also accept the variant with
// the unused high bits set, which some controllers report.
func payloadCase(name string, cfg TransceiveConfiguration, data string, types ...FrameType) PollingFrameTestCase {
	raw, err := hex.DecodeString(data)
	if err != nil {
		panic(fmt.Sprintf("catalog entry %s: %v", name, err))
	}
	tc := PollingFrameTestCase{
		Name:          name,
		Configuration: cfg,
		Data:          raw,
		SuccessTypes:  types,
		ExpectedData:  []string{HexData(raw)},
	}
	if cfg.Bits < 8 && len(raw) > 0 {
		padded := slices.Clone(raw)
		padded[len(padded)-1] |= ^byte(0) << cfg.Bits
		if v := HexData(padded); v != tc.ExpectedData[0] {
			tc.ExpectedData = append(tc.ExpectedData, v)
			tc.WarningData = []string{v}
		}
	}
	return tc
}

func fieldCase(name string, field FieldChange, t FrameType) PollingFrameTestCase {
	return PollingFrameTestCase{
		Name:          name,
		Field:         field,
		Configuration: ConfigurationALong,
		SuccessTypes:  []FrameType{t},
		ExpectedData:  []string{""},
	}
}

// The catalog is built once at init and never mutated; accessors hand out copies.
var (
	frameOn  = fieldCase("field_on", FieldOn, FrameTypeOn)
	frameOff = fieldCase("field_off", FieldOff, FrameTypeOff)

	framesASpecial = []PollingFrameTestCase{
		payloadCase("reqa", ConfigurationAShort, "26", FrameTypeA),
		payloadCase("wupa", ConfigurationAShort, "52", FrameTypeA),
		payloadCase("short_custom_a", ConfigurationAShort, "3f", FrameTypeA, FrameTypeUnknown),
		payloadCase("slp_req", ConfigurationALong, "5000", FrameTypeA),
	}

	framesALong = []PollingFrameTestCase{
		payloadCase("rats", ConfigurationALong, "e080", FrameTypeA, FrameTypeUnknown),
		payloadCase("ecp", ConfigurationALong, "6a02c801000300027900000000", FrameTypeA, FrameTypeUnknown),
		payloadCase("long_custom_a", ConfigurationALong,
			"00112233445566778899aabbccddeeff", FrameTypeA, FrameTypeUnknown),
		payloadCase("max_custom_a", ConfigurationALong,
			"000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
			FrameTypeA, FrameTypeUnknown),
	}

	framesBSpecial = []PollingFrameTestCase{
		payloadCase("reqb", ConfigurationBLong, "050000", FrameTypeB),
		payloadCase("wupb", ConfigurationBLong, "050008", FrameTypeB),
		payloadCase("reqb_afi", ConfigurationBLong, "051000", FrameTypeB),
		payloadCase("slot_marker", ConfigurationBLong, "15", FrameTypeB, FrameTypeUnknown),
	}

	framesBLong = []PollingFrameTestCase{
		payloadCase("attrib", ConfigurationBLong, "1d1122334400080100", FrameTypeB, FrameTypeUnknown),
		payloadCase("long_custom_b", ConfigurationBLong,
			"ffeeddccbbaa99887766554433221100", FrameTypeB, FrameTypeUnknown),
	}

	framesFSpecial = []PollingFrameTestCase{
		payloadCase("sensf_req", ConfigurationFLong, "0600ffff0000", FrameTypeF),
		payloadCase("sensf_req_syscode", ConfigurationFLong, "0600ffff0100", FrameTypeF),
		payloadCase("sensf_req_0003", ConfigurationFLong, "060000030100", FrameTypeF),
	}

	framesFLong = []PollingFrameTestCase{
		payloadCase("long_custom_f", ConfigurationFLong,
			"12a000112233445566778899aabbccddeeff", FrameTypeF, FrameTypeUnknown),
	}
)

func cloneCases(cases ...[]PollingFrameTestCase) []PollingFrameTestCase {
	var out []PollingFrameTestCase
	for _, group := range cases {
		for _, tc := range group {
			out = append(out, tc.clone())
		}
	}
	return out
}

// FrameOn returns the field ON sentinel.
func FrameOn() PollingFrameTestCase { return frameOn.clone() }

// FrameOff returns the field OFF sentinel.
func FrameOff() PollingFrameTestCase { return frameOff.clone() }

// FramesASpecial returns the boundary-minimal Type A frames.
func FramesASpecial() []PollingFrameTestCase { return cloneCases(framesASpecial) }

// FramesALong returns the boundary-maximal Type A frames.
func FramesALong() []PollingFrameTestCase { return cloneCases(framesALong) }

// FramesBSpecial returns the boundary-minimal Type B frames.
func FramesBSpecial() []PollingFrameTestCase { return cloneCases(framesBSpecial) }

// FramesBLong returns the boundary-maximal Type B frames.
func FramesBLong() []PollingFrameTestCase { return cloneCases(framesBLong) }

// FramesFSpecial returns the boundary-minimal Type F frames.
func FramesFSpecial() []PollingFrameTestCase { return cloneCases(framesFSpecial) }

// FramesFLong returns the boundary-maximal Type F frames.
func FramesFLong() []PollingFrameTestCase { return cloneCases(framesFLong) }

// SpecialFrames returns the boundary-minimal frames for a protocol frame type.
func SpecialFrames(t FrameType) []PollingFrameTestCase {
	switch t {
	case FrameTypeA:
		return FramesASpecial()
	case FrameTypeB:
		return FramesBSpecial()
	case FrameTypeF:
		return FramesFSpecial()
	default:
		return nil
	}
}

// LongFrames returns the boundary-maximal frames for a protocol frame type.
func LongFrames(t FrameType) []PollingFrameTestCase {
	switch t {
	case FrameTypeA:
		return FramesALong()
	case FrameTypeB:
		return FramesBLong()
	case FrameTypeF:
		return FramesFLong()
	default:
		return nil
	}
}

// AllTestCases returns a full polling loop: field on, every payload frame, field off.
func AllTestCases() []PollingFrameTestCase {
	return cloneCases(
		[]PollingFrameTestCase{frameOn},
		framesASpecial, framesALong,
		framesBSpecial, framesBLong,
		framesFSpecial, framesFLong,
		[]PollingFrameTestCase{frameOff},
	)
}

// TimestampTestCases returns the loop used for timestamp correlation. Each
// group is sent twice so that the device releases every frame.
func TimestampTestCases() []PollingFrameTestCase {
	return cloneCases(
		[]PollingFrameTestCase{frameOn},
		framesASpecial, framesASpecial,
		framesALong, framesALong,
		framesBSpecial, framesBSpecial,
		framesBLong, framesBLong,
		framesFSpecial, framesFSpecial,
		[]PollingFrameTestCase{frameOff},
	)
}

// GainTestCases returns the loop sent at each power level: the special
// frames of every type between field on and off, twice.
func GainTestCases() []PollingFrameTestCase {
	loop := []PollingFrameTestCase{frameOn}
	loop = append(loop, framesASpecial...)
	loop = append(loop, framesBSpecial...)
	loop = append(loop, framesFSpecial...)
	loop = append(loop, frameOff)
	return cloneCases(loop, loop)
}
