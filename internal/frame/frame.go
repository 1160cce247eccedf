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

package frame

import (
	"bytes"
	"errors"
)

// Decoding errors
var (
	// ErrIncomplete means more bytes are needed; the caller should read again.
	ErrIncomplete      = errors.New("incomplete frame")
	ErrNoStartCode     = errors.New("no frame start code")
	ErrLengthChecksum  = errors.New("frame length checksum mismatch")
	ErrDataChecksum    = errors.New("frame data checksum mismatch")
	ErrUnexpectedTFI   = errors.New("unexpected frame identifier")
	ErrPayloadTooLarge = errors.New("frame payload too large")
)

// Kind classifies a decoded frame.
type Kind int

// Frame kinds
const (
	KindInformation Kind = iota
	KindAck
	KindNack
	KindError
)

// Frame is a decoded host controller frame. Data holds the bytes after the
// TFI: the command or response code followed by its parameters.
type Frame struct {
	Data []byte
	Kind Kind
	TFI  byte
}

// Encode builds a normal information frame carrying tfi, code and params.
func Encode(tfi, code byte, params []byte) ([]byte, error) {
	dataLen := 2 + len(params)
	if dataLen > MaxFrameDataLength {
		return nil, ErrPayloadTooLarge
	}

	out := make([]byte, 0, dataLen+7)
	out = append(out, Preamble, StartCode1, StartCode2, byte(dataLen), ^byte(dataLen)+1, tfi, code)
	out = append(out, params...)
	out = append(out, Complement(out[5:]), Postamble)
	return out, nil
}

// EncodeCommand builds a host to PN532 command frame.
func EncodeCommand(cmd byte, args []byte) ([]byte, error) {
	return Encode(HostToPn532, cmd, args)
}

// EncodeResponse builds a PN532 to host response frame for cmd.
func EncodeResponse(cmd byte, data []byte) ([]byte, error) {
	return Encode(Pn532ToHost, cmd+1, data)
}

// EncodeError builds the syntax error frame the PN532 sends when it cannot
// understand a command.
func EncodeError() []byte {
	return []byte{0x00, 0x00, 0xFF, 0x01, 0xFF, ErrorTFI, 0x81, 0x00}
}

// Decode parses the first frame in buf. It returns the frame and the number
// of bytes consumed, including any garbage before the start code. When buf
// holds a partial frame, ErrIncomplete is returned and nothing is consumed.
func Decode(buf []byte) (Frame, int, error) {
	start := bytes.Index(buf, []byte{StartCode1, StartCode2})
	if start < 0 {
		return Frame{}, 0, ErrNoStartCode
	}
	off := start + 2
	if len(buf) < off+2 {
		return Frame{}, 0, ErrIncomplete
	}

	length, lcs := buf[off], buf[off+1]
	switch {
	case length == 0x00 && lcs == 0xFF:
		return Frame{Kind: KindAck}, skipPostamble(buf, off+2), nil
	case length == 0xFF && lcs == 0x00:
		return Frame{Kind: KindNack}, skipPostamble(buf, off+2), nil
	case length == 0 || length+lcs != 0:
		return Frame{}, off + 2, ErrLengthChecksum
	}

	end := off + 2 + int(length) + 1
	if len(buf) < end {
		return Frame{}, 0, ErrIncomplete
	}
	body := buf[off+2 : end-1]
	if Complement(body) != buf[end-1] {
		return Frame{}, end, ErrDataChecksum
	}

	f := Frame{TFI: body[0], Data: bytes.Clone(body[1:])}
	switch body[0] {
	case ErrorTFI:
		f.Kind = KindError
	case HostToPn532, Pn532ToHost:
		f.Kind = KindInformation
	default:
		return Frame{}, skipPostamble(buf, end), ErrUnexpectedTFI
	}
	return f, skipPostamble(buf, end), nil
}

func skipPostamble(buf []byte, n int) int {
	if n < len(buf) && buf[n] == Postamble {
		return n + 1
	}
	return n
}
