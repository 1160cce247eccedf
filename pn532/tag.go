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

package pn532

import (
	"context"
	"fmt"
	"slices"

	pollcheck "github.com/ZaparooProject/go-pollcheck"
)

// Tag is an ISO-DEP target activated by Reader.PollA or Reader.PollB.
// Type B targets report a zero SEL_RES and no ATS.
type Tag struct {
	reader  *Reader
	uid     []byte
	ats     []byte
	atqb    []byte
	sensRes [2]byte
	number  byte
	selRes  byte
}

var _ pollcheck.ReaderTag = (*Tag)(nil)

// UID returns the NFCID1 of a Type A target.
func (t *Tag) UID() []byte { return slices.Clone(t.uid) }

// SensRes returns the ATQA of a Type A target.
func (t *Tag) SensRes() [2]byte { return t.sensRes }

// ATQB returns the ATQB of a Type B target.
func (t *Tag) ATQB() []byte { return slices.Clone(t.atqb) }

// SelRes implements pollcheck.ReaderTag.
func (t *Tag) SelRes() byte { return t.selRes }

// ATS implements pollcheck.ReaderTag.
func (t *Tag) ATS() []byte { return slices.Clone(t.ats) }

// Transceive implements pollcheck.ReaderTag using InDataExchange. The
// target must still be the reader's active target.
func (t *Tag) Transceive(ctx context.Context, apdu []byte) ([]byte, error) {
	r := t.reader
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.target != t {
		return nil, fmt.Errorf("%w: target no longer selected", pollcheck.ErrTargetNotFound)
	}
	args := append([]byte{t.number}, apdu...)
	res, err := r.command(ctx, cmdInDataExchange, args)
	if err != nil {
		return nil, fmt.Errorf("InDataExchange failed: %w", err)
	}
	if len(res) < 1 {
		return nil, fmt.Errorf("%w: empty InDataExchange response", ErrInvalidResponse)
	}
	if res[0]&0x40 != 0 {
		return nil, fmt.Errorf("%w: response chaining not supported", ErrDataTooLarge)
	}
	if status := res[0] & 0x3F; status != StatusOK {
		return nil, NewPN532Error(status, "InDataExchange", fmt.Sprintf("APDU %X", apdu))
	}
	return slices.Clone(res[1:]), nil
}

// parseTypeATarget decodes an InListPassiveTarget 106 kbps Type A response:
// NbTg, Tg, SENS_RES(2), SEL_RES, NFCIDLength, NFCID1, then the ATS when the
// target is ISO-DEP. It returns nil when no target answered.
func parseTypeATarget(r *Reader, res []byte) (*Tag, error) {
	if len(res) < 1 || res[0] == 0 {
		return nil, nil
	}
	if len(res) < 6 {
		return nil, fmt.Errorf("%w: type A target response too short (%d bytes)", ErrInvalidResponse, len(res))
	}
	tag := &Tag{
		reader:  r,
		number:  res[1],
		sensRes: [2]byte{res[2], res[3]},
		selRes:  res[4],
	}
	uidLen := int(res[5])
	if len(res) < 6+uidLen {
		return nil, fmt.Errorf("%w: truncated NFCID1", ErrInvalidResponse)
	}
	tag.uid = slices.Clone(res[6 : 6+uidLen])
	if rest := res[6+uidLen:]; len(rest) > 0 {
		tag.ats = slices.Clone(rest)
	}
	return tag, nil
}

// parseTypeBTarget decodes an InListPassiveTarget 106 kbps Type B response:
// NbTg, Tg, ATQB(12), ATTRIB_RES length, ATTRIB_RES.
func parseTypeBTarget(r *Reader, res []byte) (*Tag, error) {
	if len(res) < 1 || res[0] == 0 {
		return nil, nil
	}
	if len(res) < 14 {
		return nil, fmt.Errorf("%w: type B target response too short (%d bytes)", ErrInvalidResponse, len(res))
	}
	return &Tag{
		reader: r,
		number: res[1],
		atqb:   slices.Clone(res[2:14]),
	}, nil
}
