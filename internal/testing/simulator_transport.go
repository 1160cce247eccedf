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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-pollcheck/internal/frame"
	"github.com/ZaparooProject/go-pollcheck/pn532"
)

// SimulatorTransport wraps VirtualPN532 and implements pn532.Transport, so
// the bridge can be tested end to end without a serial port or bus.
type SimulatorTransport struct {
	sim        *VirtualPN532
	CommandLog []CommandLogEntry
	pending    []byte
	timeout    time.Duration
	connected  bool
}

// CommandLogEntry records a command sent to the transport
type CommandLogEntry struct {
	Timestamp time.Time
	Args      []byte
	Cmd       byte
}

var _ pn532.Transport = (*SimulatorTransport)(nil)

// NewSimulatorTransport creates a new transport backed by VirtualPN532
func NewSimulatorTransport(sim *VirtualPN532) *SimulatorTransport {
	return &SimulatorTransport{
		sim:       sim,
		timeout:   time.Second,
		connected: true,
	}
}

// SendCommand encodes cmd, hands it to the simulator and decodes the ACK and
// response. A response with a bad checksum is NACKed once.
func (t *SimulatorTransport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}
	if !t.connected {
		return nil, pn532.ErrTransportClosed
	}

	t.CommandLog = append(t.CommandLog, CommandLogEntry{
		Cmd:       cmd,
		Args:      append([]byte(nil), args...),
		Timestamp: time.Now(),
	})

	out, err := frame.EncodeCommand(cmd, args)
	if err != nil {
		return nil, pn532.NewTransportError("SendCommand", "simulator", err, pn532.ErrorTypePermanent)
	}
	if _, err := t.sim.Write(out); err != nil {
		return nil, pn532.NewTransportError("SendCommand", "simulator", err, pn532.ErrorTypeTransient)
	}

	ack, err := t.next()
	if err != nil {
		return nil, pn532.NewTransportError("SendCommand", "simulator", pn532.ErrNoACK, pn532.ErrorTypeTransient)
	}
	if ack.Kind != frame.KindAck {
		return nil, pn532.NewTransportError("SendCommand", "simulator", pn532.ErrNoACK, pn532.ErrorTypeTransient)
	}

	res, err := t.next()
	if errors.Is(err, frame.ErrDataChecksum) {
		if _, err := t.sim.Write(frame.NackFrame); err != nil {
			return nil, pn532.NewTransportError("SendCommand", "simulator", err, pn532.ErrorTypeTransient)
		}
		res, err = t.next()
	}
	if err != nil {
		return nil, err
	}
	if _, err := t.sim.Write(frame.AckFrame); err != nil {
		return nil, pn532.NewTransportError("SendCommand", "simulator", err, pn532.ErrorTypeTransient)
	}

	switch res.Kind {
	case frame.KindError:
		return append([]byte{frame.ErrorTFI}, res.Data...), nil
	case frame.KindInformation:
		return res.Data, nil
	default:
		return nil, pn532.NewTransportError("SendCommand", "simulator", pn532.ErrInvalidResponse,
			pn532.ErrorTypeTransient)
	}
}

// next decodes the next frame from the simulator byte stream.
func (t *SimulatorTransport) next() (frame.Frame, error) {
	chunk := make([]byte, 64)
	for {
		if len(t.pending) > 0 {
			f, consumed, err := frame.Decode(t.pending)
			if err == nil || (!errors.Is(err, frame.ErrIncomplete) && !errors.Is(err, frame.ErrNoStartCode)) {
				t.pending = t.pending[consumed:]
				switch {
				case errors.Is(err, frame.ErrDataChecksum):
					return frame.Frame{}, fmt.Errorf("receive: %w", err)
				case err != nil:
					return frame.Frame{}, pn532.NewTransportError("receive", "simulator", pn532.ErrFrameCorrupted,
						pn532.ErrorTypeTransient)
				}
				return f, nil
			}
		}
		n, _ := t.sim.Read(chunk)
		if n == 0 {
			return frame.Frame{}, pn532.NewTransportError("receive", "simulator", pn532.ErrTransportTimeout,
				pn532.ErrorTypeTimeout)
		}
		t.pending = append(t.pending, chunk[:n]...)
	}
}

// SetTimeout records the timeout; the simulator answers synchronously.
func (t *SimulatorTransport) SetTimeout(timeout time.Duration) error {
	t.timeout = timeout
	return nil
}

// Timeout returns the last timeout set.
func (t *SimulatorTransport) Timeout() time.Duration {
	return t.timeout
}

// Close marks the transport closed.
func (t *SimulatorTransport) Close() error {
	t.connected = false
	return nil
}

// IsConnected returns true until Close is called.
func (t *SimulatorTransport) IsConnected() bool {
	return t.connected
}

// Type returns the mock transport type.
func (*SimulatorTransport) Type() pn532.TransportType {
	return pn532.TransportMock
}
