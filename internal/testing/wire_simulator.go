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

// Package testing provides a wire-level PN532 simulator for transport and
// bridge tests.
//
// VirtualPN532 implements io.ReadWriter and answers host controller frames
// (PN532 User Manual section 6.2) with ACK and response frames. It keeps the
// state the polling loop bridge depends on: RF field, CIU framing registers,
// response timeout and the active ISO-DEP target. Raw frames sent with
// InCommunicateThru are recorded together with the register state they were
// sent under.
package testing

import (
	"bytes"
	"errors"
	"slices"

	"github.com/ZaparooProject/go-pollcheck/internal/frame"
	"github.com/ZaparooProject/go-pollcheck/internal/syncutil"
)

// PN532 Command codes handled by the simulator (PN532 User Manual section 7)
const (
	cmdGetFirmwareVersion  = 0x02
	cmdReadRegister        = 0x06
	cmdWriteRegister       = 0x08
	cmdSAMConfiguration    = 0x14
	cmdRFConfiguration     = 0x32
	cmdInDataExchange      = 0x40
	cmdInCommunicateThru   = 0x42
	cmdInListPassiveTarget = 0x4A
	cmdInRelease           = 0x52
)

// PN532 status codes (PN532 User Manual section 7.1)
const (
	statusOK             = 0x00
	statusTimeout        = 0x01
	statusRFFieldTimeout = 0x0A
	statusWrongContext   = 0x27
)

// CIU registers tracked for broadcasts
const (
	RegTxMode     uint16 = 0x6302
	RegRxMode     uint16 = 0x6303
	RegCWGsP      uint16 = 0x6318
	RegBitFraming uint16 = 0x633D
)

// Broadcast is a raw frame received through InCommunicateThru with the CIU
// state it was transmitted under.
type Broadcast struct {
	Data        []byte
	TxMode      byte
	RxMode      byte
	BitFraming  byte
	CWGsP       byte
	TimeoutCode byte
}

// VirtualPN532 simulates a PN532 chip at the wire protocol level.
// It implements io.ReadWriter to plug directly into transport layer tests.
type VirtualPN532 struct {
	registers     map[uint16]byte
	commandErrors map[byte]byte
	onBroadcast   func(Broadcast)
	targetA       *VirtualTarget
	targetB       *VirtualTarget
	active        *VirtualTarget
	lastResponse  []byte
	rx            []byte
	tx            [][]byte
	broadcasts    []Broadcast
	commands      []byte
	firmware      [4]byte
	mu            syncutil.Mutex
	timeoutCode   byte
	fieldOn       bool
	samConfigured bool
	corruptNext   bool
	dropNextACK   bool
}

// NewVirtualPN532 creates a simulator reporting PN532 v1.6 with the field off
// and no targets.
func NewVirtualPN532() *VirtualPN532 {
	return &VirtualPN532{
		registers: map[uint16]byte{
			RegTxMode:     0x80,
			RegRxMode:     0x80,
			RegCWGsP:      0x3F,
			RegBitFraming: 0x00,
		},
		commandErrors: make(map[byte]byte),
		firmware:      [4]byte{0x32, 0x01, 0x06, 0x07},
		timeoutCode:   0x07,
	}
}

// Write implements io.Writer - receives data from the host controller.
func (v *VirtualPN532) Write(data []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.rx = append(v.rx, data...)
	v.process()
	return len(data), nil
}

// Read implements io.Reader as a byte stream of the pending frames. It
// returns 0 bytes when nothing is pending, like a serial read timing out.
func (v *VirtualPN532) Read(buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := 0
	for n < len(buf) && len(v.tx) > 0 {
		c := copy(buf[n:], v.tx[0])
		n += c
		if c == len(v.tx[0]) {
			v.tx = v.tx[1:]
		} else {
			v.tx[0] = v.tx[0][c:]
		}
	}
	return n, nil
}

// ReadI2C serves one I2C read transaction: a ready byte followed by the next
// pending frame. When nothing is pending only the 0x00 status is returned.
// A one byte read polls the status without consuming the frame; bytes of
// the frame that do not fit in a longer buf are lost.
func (v *VirtualPN532) ReadI2C(buf []byte) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(buf) == 0 {
		return 0
	}
	if len(v.tx) == 0 {
		buf[0] = 0x00
		return 1
	}
	buf[0] = 0x01
	if len(buf) == 1 {
		return 1
	}
	n := copy(buf[1:], v.tx[0])
	v.tx = v.tx[1:]
	return n + 1
}

// HasPendingResponse returns true if response data is waiting to be read.
func (v *VirtualPN532) HasPendingResponse() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.tx) > 0
}

// SetFirmwareVersion configures the GetFirmwareVersion answer.
func (v *VirtualPN532) SetFirmwareVersion(ic, ver, rev, support byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.firmware = [4]byte{ic, ver, rev, support}
}

// SetTypeATarget places target in the field for 106 kbps Type A discovery.
// A nil target removes it.
func (v *VirtualPN532) SetTypeATarget(target *VirtualTarget) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.targetA = target
	v.active = nil
}

// SetTypeBTarget places target in the field for Type B discovery.
func (v *VirtualPN532) SetTypeBTarget(target *VirtualTarget) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.targetB = target
	v.active = nil
}

// FailCommand makes every later cmd answer with the given status byte.
func (v *VirtualPN532) FailCommand(cmd, status byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.commandErrors[cmd] = status
}

// CorruptNextResponse flips the data checksum of the next response frame.
// A NACK from the host retransmits the intact frame.
func (v *VirtualPN532) CorruptNextResponse() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.corruptNext = true
}

// DropNextACK loses the next command: neither ACK nor response is sent.
func (v *VirtualPN532) DropNextACK() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dropNextACK = true
}

// OnBroadcast registers fn to be called for every InCommunicateThru frame.
// fn runs with the simulator locked and must not call back into it.
func (v *VirtualPN532) OnBroadcast(fn func(Broadcast)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onBroadcast = fn
}

// Broadcasts returns the frames received through InCommunicateThru.
func (v *VirtualPN532) Broadcasts() []Broadcast {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.broadcasts)
}

// Commands returns the command codes processed so far.
func (v *VirtualPN532) Commands() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.commands)
}

// FieldOn reports the RF field state.
func (v *VirtualPN532) FieldOn() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fieldOn
}

// SAMConfigured reports whether SAMConfiguration was received.
func (v *VirtualPN532) SAMConfigured() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.samConfigured
}

// Register returns the value of a tracked register.
func (v *VirtualPN532) Register(addr uint16) byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.registers[addr]
}

func (v *VirtualPN532) process() {
	for len(v.rx) > 0 {
		f, n, err := frame.Decode(v.rx)
		switch {
		case errors.Is(err, frame.ErrIncomplete):
			return
		case errors.Is(err, frame.ErrNoStartCode):
			// A trailing 0x00 may be the first half of the next start code
			if v.rx[len(v.rx)-1] == frame.StartCode1 {
				v.rx = v.rx[len(v.rx)-1:]
			} else {
				v.rx = v.rx[:0]
			}
			return
		case err != nil:
			v.rx = v.rx[n:]
			v.tx = append(v.tx, slices.Clone(frame.NackFrame))
			continue
		}
		v.rx = v.rx[n:]

		switch f.Kind {
		case frame.KindAck:
			continue
		case frame.KindNack:
			if v.lastResponse != nil {
				v.tx = append(v.tx, slices.Clone(v.lastResponse))
			}
			continue
		}
		if f.TFI != frame.HostToPn532 || len(f.Data) == 0 {
			continue
		}
		if v.dropNextACK {
			v.dropNextACK = false
			continue
		}

		v.tx = append(v.tx, slices.Clone(frame.AckFrame))
		resp := v.handle(f.Data[0], f.Data[1:])
		v.lastResponse = resp
		if v.corruptNext {
			v.corruptNext = false
			resp = slices.Clone(resp)
			resp[len(resp)-2] ^= 0xFF
		}
		v.tx = append(v.tx, resp)
	}
}

func respond(cmd byte, data ...byte) []byte {
	resp, err := frame.EncodeResponse(cmd, data)
	if err != nil {
		return frame.EncodeError()
	}
	return resp
}

//nolint:gocyclo,cyclop,revive // Command dispatch
func (v *VirtualPN532) handle(cmd byte, args []byte) []byte {
	v.commands = append(v.commands, cmd)
	if status, ok := v.commandErrors[cmd]; ok {
		return respond(cmd, status)
	}

	switch cmd {
	case cmdGetFirmwareVersion:
		return respond(cmd, v.firmware[:]...)
	case cmdSAMConfiguration:
		v.samConfigured = true
		return respond(cmd)
	case cmdRFConfiguration:
		return v.rfConfiguration(cmd, args)
	case cmdReadRegister:
		if len(args)%2 != 0 {
			return frame.EncodeError()
		}
		var out []byte
		for i := 0; i < len(args); i += 2 {
			out = append(out, v.registers[uint16(args[i])<<8|uint16(args[i+1])])
		}
		return respond(cmd, out...)
	case cmdWriteRegister:
		if len(args) == 0 || len(args)%3 != 0 {
			return frame.EncodeError()
		}
		for i := 0; i < len(args); i += 3 {
			v.registers[uint16(args[i])<<8|uint16(args[i+1])] = args[i+2]
		}
		return respond(cmd)
	case cmdInListPassiveTarget:
		return v.listPassiveTarget(cmd, args)
	case cmdInDataExchange:
		if len(args) < 1 || v.active == nil || args[0] != 0x01 {
			return respond(cmd, statusWrongContext)
		}
		res := v.active.transceive(args[1:])
		if res == nil {
			return respond(cmd, statusTimeout)
		}
		return respond(cmd, append([]byte{statusOK}, res...)...)
	case cmdInCommunicateThru:
		if !v.fieldOn {
			return respond(cmd, statusRFFieldTimeout)
		}
		b := Broadcast{
			Data:        bytes.Clone(args),
			TxMode:      v.registers[RegTxMode],
			RxMode:      v.registers[RegRxMode],
			BitFraming:  v.registers[RegBitFraming],
			CWGsP:       v.registers[RegCWGsP],
			TimeoutCode: v.timeoutCode,
		}
		v.broadcasts = append(v.broadcasts, b)
		if v.onBroadcast != nil {
			v.onBroadcast(b)
		}
		return respond(cmd, statusTimeout)
	case cmdInRelease:
		v.active = nil
		return respond(cmd, statusOK)
	default:
		return frame.EncodeError()
	}
}

func (v *VirtualPN532) rfConfiguration(cmd byte, args []byte) []byte {
	if len(args) < 2 {
		return frame.EncodeError()
	}
	switch args[0] {
	case 0x01:
		v.fieldOn = args[1]&0x01 != 0
		if !v.fieldOn {
			v.active = nil
		}
	case 0x02:
		if len(args) < 4 {
			return frame.EncodeError()
		}
		v.timeoutCode = args[3]
	}
	return respond(cmd)
}

func (v *VirtualPN532) listPassiveTarget(cmd byte, args []byte) []byte {
	if len(args) < 2 {
		return frame.EncodeError()
	}
	v.fieldOn = true
	v.active = nil

	switch args[1] {
	case 0x00:
		t := v.targetA
		if t == nil {
			return respond(cmd, 0x00)
		}
		v.active = t
		out := []byte{0x01, 0x01, t.SensRes[0], t.SensRes[1], t.SelRes, byte(len(t.UID))}
		out = append(out, t.UID...)
		out = append(out, t.ATS...)
		return respond(cmd, out...)
	case 0x03:
		t := v.targetB
		afi := byte(0)
		if len(args) > 2 {
			afi = args[2]
		}
		if t == nil || (afi != 0 && t.AFI != 0 && afi != t.AFI) {
			return respond(cmd, 0x00)
		}
		v.active = t
		out := []byte{0x01, 0x01}
		out = append(out, t.ATQB...)
		out = append(out, 0x01, 0x00)
		return respond(cmd, out...)
	default:
		return respond(cmd, 0x00)
	}
}
