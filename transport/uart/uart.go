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

// Package uart implements the PN532 transport over a serial port (HSU mode,
// PN532 User Manual section 6.2.3).
package uart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ZaparooProject/go-pollcheck/internal/frame"
	"github.com/ZaparooProject/go-pollcheck/internal/syncutil"
	"github.com/ZaparooProject/go-pollcheck/pn532"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the PN532 HSU default.
	DefaultBaudRate = 115200
	// DefaultTimeout bounds the wait for an ACK or a response.
	DefaultTimeout = time.Second
	// readPollInterval is the serial read timeout; reads return early with
	// zero bytes so the transport can check the deadline and context.
	readPollInterval = 50 * time.Millisecond
	// maxNACKRetries is how often a corrupted response is re-requested.
	maxNACKRetries = 2
)

// wakeupSequence brings the PN532 out of power down before a command: a
// 0x55 byte followed by enough zeros to cover the oscillator start time.
var wakeupSequence = []byte{
	0x55, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

// Transport implements the pn532.Transport interface for UART communication.
type Transport struct {
	port     serial.Port
	portName string
	pending  []byte
	timeout  time.Duration
	mu       syncutil.Mutex
	closed   bool
}

var _ pn532.Transport = (*Transport)(nil)

// New opens portName at 115200 8N1.
func New(portName string) (*Transport, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open UART port %s: %w", portName, err)
	}

	t, err := NewWithPort(port, portName)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return t, nil
}

// NewWithPort wraps an already opened port.
func NewWithPort(port serial.Port, portName string) (*Transport, error) {
	if err := port.SetReadTimeout(readPollInterval); err != nil {
		return nil, fmt.Errorf("failed to set UART read timeout: %w", err)
	}
	return &Transport{
		port:     port,
		portName: portName,
		timeout:  DefaultTimeout,
	}, nil
}

// SendCommand sends a command to the PN532 and waits for its ACK and response.
func (t *Transport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, pn532.ErrTransportClosed
	}
	out, err := frame.EncodeCommand(cmd, args)
	if err != nil {
		return nil, pn532.NewTransportError("sendFrame", t.portName, pn532.ErrDataTooLarge, pn532.ErrorTypePermanent)
	}

	deadline := time.Now().Add(t.timeout)
	t.pending = t.pending[:0]
	if err := t.write("wakeUp", wakeupSequence); err != nil {
		return nil, err
	}
	if err := t.write("sendFrame", out); err != nil {
		return nil, err
	}

	ack, err := t.readFrame(ctx, deadline)
	if err != nil {
		if errors.Is(err, pn532.ErrTransportTimeout) {
			return nil, pn532.NewTransportError("waitAck", t.portName, pn532.ErrNoACK, pn532.ErrorTypeTransient)
		}
		return nil, err
	}
	switch ack.Kind {
	case frame.KindAck:
	case frame.KindNack:
		return nil, pn532.NewTransportError("waitAck", t.portName, pn532.ErrNACKReceived, pn532.ErrorTypeTransient)
	default:
		return nil, pn532.NewTransportError("waitAck", t.portName, pn532.ErrNoACK, pn532.ErrorTypeTransient)
	}

	return t.receiveResponse(ctx, deadline)
}

func (t *Transport) receiveResponse(ctx context.Context, deadline time.Time) ([]byte, error) {
	for nacks := 0; ; nacks++ {
		res, err := t.readFrame(ctx, deadline)
		if errors.Is(err, frame.ErrDataChecksum) && nacks < maxNACKRetries {
			if err := t.write("sendNack", frame.NackFrame); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		switch res.Kind {
		case frame.KindError:
			return append([]byte{frame.ErrorTFI}, res.Data...), nil
		case frame.KindInformation:
			if res.TFI != frame.Pn532ToHost || len(res.Data) == 0 {
				return nil, pn532.NewTransportError("receiveFrame", t.portName, pn532.ErrInvalidResponse,
					pn532.ErrorTypeTransient)
			}
			return res.Data, nil
		default:
			// A stray ACK; keep waiting for the response
			nacks--
		}
	}
}

// readFrame returns the next frame from the port, reading until one is
// complete, the deadline passes or ctx is done.
func (t *Transport) readFrame(ctx context.Context, deadline time.Time) (frame.Frame, error) {
	buf := make([]byte, 64)
	for {
		if len(t.pending) > 0 {
			f, n, err := frame.Decode(t.pending)
			switch {
			case err == nil:
				t.pending = t.pending[n:]
				return f, nil
			case errors.Is(err, frame.ErrNoStartCode):
				// A trailing 0x00 may be the first half of the start code
				if t.pending[len(t.pending)-1] == frame.StartCode1 {
					t.pending = t.pending[len(t.pending)-1:]
				} else {
					t.pending = t.pending[:0]
				}
			case errors.Is(err, frame.ErrIncomplete):
			case errors.Is(err, frame.ErrDataChecksum):
				t.pending = t.pending[n:]
				return frame.Frame{}, pn532.NewTransportError("receiveFrame", t.portName, err, pn532.ErrorTypeTransient)
			default:
				t.pending = t.pending[n:]
				continue
			}
		}

		if err := ctx.Err(); err != nil {
			return frame.Frame{}, fmt.Errorf("UART receive cancelled: %w", err)
		}
		if time.Now().After(deadline) {
			return frame.Frame{}, pn532.NewTransportError("receiveFrame", t.portName, pn532.ErrTransportTimeout,
				pn532.ErrorTypeTimeout)
		}

		n, err := t.port.Read(buf)
		if err != nil {
			if isInterruptedSystemCall(err) {
				continue
			}
			return frame.Frame{}, pn532.NewTransportError("receiveFrame", t.portName,
				fmt.Errorf("%w: %w", pn532.ErrTransportRead, err), pn532.ErrorTypePermanent)
		}
		t.pending = append(t.pending, buf[:n]...)
	}
}

func (t *Transport) write(op string, data []byte) error {
	n, err := t.port.Write(data)
	if err != nil {
		return pn532.NewTransportError(op, t.portName, fmt.Errorf("%w: %w", pn532.ErrTransportWrite, err),
			pn532.ErrorTypeTransient)
	}
	if n != len(data) {
		return pn532.NewTransportError(op, t.portName, pn532.ErrTransportWrite, pn532.ErrorTypeTransient)
	}
	return t.drainWithRetry(op)
}

// SetTimeout sets the ACK and response timeout.
func (t *Transport) SetTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("invalid UART timeout %v", timeout)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
	return nil
}

// Close closes the serial port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("failed to close UART port %s: %w", t.portName, err)
	}
	return nil
}

// IsConnected returns true until Close is called.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Type returns the transport type
func (*Transport) Type() pn532.TransportType {
	return pn532.TransportUART
}

// isInterruptedSystemCall checks if an error is caused by an interrupted system call
func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

// drainWithRetry waits for written bytes to leave the port, retrying
// interrupted system calls.
func (t *Transport) drainWithRetry(operation string) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	var err error
	for attempt := range maxRetries {
		err = t.port.Drain()
		if err == nil {
			return nil
		}
		if !isInterruptedSystemCall(err) {
			break
		}
		time.Sleep(baseDelay << attempt)
	}
	return pn532.NewTransportError(operation, t.portName, fmt.Errorf("drain failed: %w", err), pn532.ErrorTypeTransient)
}
