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
	"slices"
	"time"
)

// SAK and ATS format bits.
const (
	sakUIDIncomplete = 0x04
	sakISODEP        = 0x20

	t0TAPresent = 0x10
	t0TBPresent = 0x20
	t0TCPresent = 0x40
	t0Reserved  = 0x80

	tcNAD = 0x01
	tcCID = 0x02

	maxFrameIntegerIndex = 14
	defaultFWI           = 4
)

// fscTable maps FSCI to the maximum frame size the card accepts.
var fscTable = []int{16, 24, 32, 40, 48, 64, 96, 128, 256, 512, 1024, 2048, 4096}

// ProtocolParams are the Nfc-A and ISO-DEP parameters announced by a target.
type ProtocolParams struct {
	HistoricalBytes []byte        `yaml:"historical_bytes,omitempty"`
	TA              *byte         `yaml:"ta,omitempty"`
	FSC             int           `yaml:"fsc"`
	FWT             time.Duration `yaml:"fwt"`
	SFGT            time.Duration `yaml:"sfgt"`
	SelRes          byte          `yaml:"sel_res"`
	FSCI            byte          `yaml:"fsci"`
	FWI             byte          `yaml:"fwi"`
	SFGI            byte          `yaml:"sfgi"`
	NADSupported    bool          `yaml:"nad_supported"`
	CIDSupported    bool          `yaml:"cid_supported"`
}

// MarshalYAML writes FWT and SFGT as duration strings.
func (p ProtocolParams) MarshalYAML() (any, error) {
	type plain ProtocolParams
	return MarshalDurations(plain(p), map[string]time.Duration{"fwt": p.FWT, "sfgt": p.SFGT})
}

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidProtocolParams, fmt.Sprintf(format, args...))
}

// frameIntegerTime converts a FWI or SFGI into time: (256*16/fc) * 2^i.
func frameIntegerTime(i byte) time.Duration {
	return time.Duration(float64(256*16) / Carrier * float64(int(1)<<i) * float64(time.Second))
}

// ParseProtocolParams validates the SEL_RES and ATS captured after
// anticollision and decodes the ISO-DEP parameters. Absent TB and TC bytes
// take their ISO/IEC 14443-4 defaults (FWI 4, SFGI 0, CID supported, NAD
// unsupported).
func ParseProtocolParams(selRes byte, ats []byte) (*ProtocolParams, error) {
	if selRes&sakUIDIncomplete != 0 {
		return nil, protocolError("SEL_RES %02X signals an incomplete UID", selRes)
	}
	if selRes&sakISODEP == 0 {
		return nil, protocolError("SEL_RES %02X does not announce ISO-DEP", selRes)
	}
	if len(ats) < 1 {
		return nil, protocolError("ATS missing")
	}
	if int(ats[0]) != len(ats) {
		return nil, protocolError("ATS length byte %d, received %d bytes", ats[0], len(ats))
	}

	params := &ProtocolParams{
		SelRes:       selRes,
		FSCI:         2,
		FWI:          defaultFWI,
		CIDSupported: true,
	}
	if len(ats) == 1 {
		params.FSC = fscTable[params.FSCI]
		params.FWT = frameIntegerTime(params.FWI)
		params.SFGT = frameIntegerTime(params.SFGI)
		return params, nil
	}

	t0 := ats[1]
	if t0&t0Reserved != 0 {
		return nil, protocolError("T0 %02X has the reserved bit set", t0)
	}
	params.FSCI = t0 & 0x0F
	if int(params.FSCI) >= len(fscTable) {
		return nil, protocolError("FSCI %d is reserved", params.FSCI)
	}
	params.FSC = fscTable[params.FSCI]

	rest := ats[2:]
	take := func(name string) (byte, error) {
		if len(rest) == 0 {
			return 0, protocolError("ATS announces %s but ends early", name)
		}
		b := rest[0]
		rest = rest[1:]
		return b, nil
	}

	if t0&t0TAPresent != 0 {
		ta, err := take("TA")
		if err != nil {
			return nil, err
		}
		params.TA = &ta
	}
	if t0&t0TBPresent != 0 {
		tb, err := take("TB")
		if err != nil {
			return nil, err
		}
		params.FWI = tb >> 4
		params.SFGI = tb & 0x0F
		if params.FWI > maxFrameIntegerIndex {
			return nil, protocolError("FWI %d exceeds %d", params.FWI, maxFrameIntegerIndex)
		}
		if params.SFGI > maxFrameIntegerIndex {
			return nil, protocolError("SFGI %d exceeds %d", params.SFGI, maxFrameIntegerIndex)
		}
	}
	if t0&t0TCPresent != 0 {
		tc, err := take("TC")
		if err != nil {
			return nil, err
		}
		params.NADSupported = tc&tcNAD != 0
		params.CIDSupported = tc&tcCID != 0
	}

	params.FWT = frameIntegerTime(params.FWI)
	params.SFGT = frameIntegerTime(params.SFGI)
	params.HistoricalBytes = slices.Clone(rest)
	return params, nil
}
