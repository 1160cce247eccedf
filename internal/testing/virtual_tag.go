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

package testing

import (
	"bytes"
	"slices"
)

// VirtualTarget is an ISO-DEP card in the simulated field.
type VirtualTarget struct {
	// Respond answers a command APDU; nil means the card stays silent.
	Respond func(apdu []byte) []byte
	UID     []byte
	ATS     []byte
	ATQB    []byte
	SensRes [2]byte
	SelRes  byte
	AFI     byte
}

// NewISODEPTarget returns a Type A card advertising ISO-DEP with the given
// UID and ATS. It answers every APDU with 6A82 (file not found).
func NewISODEPTarget(uid, ats []byte) *VirtualTarget {
	return &VirtualTarget{
		UID:     slices.Clone(uid),
		ATS:     slices.Clone(ats),
		SensRes: [2]byte{0x00, 0x04},
		SelRes:  0x20,
	}
}

// NewTypeBTarget returns a Type B card with a 12 byte ATQB.
func NewTypeBTarget(atqb []byte, afi byte) *VirtualTarget {
	return &VirtualTarget{ATQB: slices.Clone(atqb), AFI: afi}
}

// ScriptedResponder answers commands[i] with responses[i] and anything else
// with 6F00.
func ScriptedResponder(commands, responses [][]byte) func([]byte) []byte {
	return func(apdu []byte) []byte {
		for i, c := range commands {
			if i < len(responses) && bytes.Equal(c, apdu) {
				return slices.Clone(responses[i])
			}
		}
		return []byte{0x6F, 0x00}
	}
}

func (t *VirtualTarget) transceive(apdu []byte) []byte {
	if t.Respond == nil {
		return []byte{0x6A, 0x82}
	}
	return t.Respond(apdu)
}
