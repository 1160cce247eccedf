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

// Package i2c implements the PN532 transport over an I2C bus
// (PN532 User Manual section 6.2.4) using periph.io.
package i2c

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ZaparooProject/go-pollcheck/internal/frame"
	"github.com/ZaparooProject/go-pollcheck/internal/syncutil"
	"github.com/ZaparooProject/go-pollcheck/pn532"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

const (
	// PN532 7-bit I2C address (datasheet says 0x48, which is the 8-bit write
	// address including the R/W bit; periph.io and the Linux kernel expect the
	// 7-bit form: 0x48 >> 1 = 0x24).
	pn532Addr = 0x24

	// pn532Ready is bit 0 of the status byte leading every read.
	pn532Ready = 0x01

	// Max clock frequency (400 kHz).
	maxClockFreq = 400 * physic.KiloHertz

	// DefaultTimeout bounds the wait for an ACK or a response.
	DefaultTimeout = time.Second

	// readyPollInterval is the delay between status polls.
	readyPollInterval = time.Millisecond

	// readLength covers the status byte and the largest normal frame.
	readLength = 1 + frame.MaxFrameDataLength + 7
)

// Transport implements the pn532.Transport interface for I2C communication
type Transport struct {
	dev     *i2c.Dev
	bus     i2c.BusCloser // Held so Close() can release the OS file descriptor
	busName string
	timeout time.Duration
	mu      syncutil.Mutex
	closed  bool
}

var _ pn532.Transport = (*Transport)(nil)

// parseI2CPath extracts the bus path from a composite path.
// Accepts "/dev/i2c-1:0x24" or "/dev/i2c-1" (bare bus).
func parseI2CPath(path string) string {
	bus, _, _ := strings.Cut(path, ":")
	return bus
}

// New initialises the periph host drivers and opens busName.
func New(busName string) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	bus, err := i2creg.Open(parseI2CPath(busName))
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %s: %w", busName, err)
	}
	_ = bus.SetSpeed(maxClockFreq) // Ignore error, continue with default speed

	return NewWithBus(bus, busName), nil
}

// NewWithBus wraps an already opened bus.
func NewWithBus(bus i2c.BusCloser, busName string) *Transport {
	return &Transport{
		dev:     &i2c.Dev{Addr: pn532Addr, Bus: bus},
		bus:     bus,
		busName: busName,
		timeout: DefaultTimeout,
	}
}

// sleepCtx performs a context-aware sleep. Returns ctx.Err() if context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("I2C wait cancelled: %w", ctx.Err())
	}
}

// SendCommand writes the command frame, then reads the ACK and response
// once the PN532 reports ready.
func (t *Transport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, pn532.ErrTransportClosed
	}
	out, err := frame.EncodeCommand(cmd, args)
	if err != nil {
		return nil, pn532.NewTransportError("sendFrame", t.busName, pn532.ErrDataTooLarge, pn532.ErrorTypePermanent)
	}
	deadline := time.Now().Add(t.timeout)

	if err := t.dev.Tx(out, nil); err != nil {
		return nil, pn532.NewTransportError("sendFrame", t.busName,
			fmt.Errorf("%w: %w", pn532.ErrTransportWrite, err), pn532.ErrorTypeTransient)
	}

	ack, err := t.readFrame(ctx, deadline)
	if err != nil {
		if errors.Is(err, pn532.ErrTransportTimeout) {
			return nil, pn532.NewTransportError("waitAck", t.busName, pn532.ErrNoACK, pn532.ErrorTypeTransient)
		}
		return nil, err
	}
	if ack.Kind != frame.KindAck {
		return nil, pn532.NewTransportError("waitAck", t.busName, pn532.ErrNoACK, pn532.ErrorTypeTransient)
	}

	res, err := t.readFrame(ctx, deadline)
	if errors.Is(err, frame.ErrDataChecksum) {
		if err := t.dev.Tx(frame.NackFrame, nil); err != nil {
			return nil, pn532.NewTransportError("sendNack", t.busName,
				fmt.Errorf("%w: %w", pn532.ErrTransportWrite, err), pn532.ErrorTypeTransient)
		}
		res, err = t.readFrame(ctx, deadline)
	}
	if err != nil {
		return nil, err
	}

	switch res.Kind {
	case frame.KindError:
		return append([]byte{frame.ErrorTFI}, res.Data...), nil
	case frame.KindInformation:
		if res.TFI == frame.Pn532ToHost && len(res.Data) > 0 {
			return res.Data, nil
		}
	}
	return nil, pn532.NewTransportError("receiveFrame", t.busName, pn532.ErrInvalidResponse, pn532.ErrorTypeTransient)
}

// waitReady polls the status byte until the PN532 has a frame to send.
func (t *Transport) waitReady(ctx context.Context, deadline time.Time) error {
	status := make([]byte, 1)
	for {
		if err := t.dev.Tx(nil, status); err != nil {
			return pn532.NewTransportError("waitReady", t.busName,
				fmt.Errorf("%w: %w", pn532.ErrTransportRead, err), pn532.ErrorTypeTransient)
		}
		if status[0]&pn532Ready != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return pn532.NewTransportError("waitReady", t.busName, pn532.ErrTransportTimeout, pn532.ErrorTypeTimeout)
		}
		if err := sleepCtx(ctx, readyPollInterval); err != nil {
			return err
		}
	}
}

// readFrame reads one frame in a single transaction. Every read starts
// with the status byte, so the frame begins at offset 1.
func (t *Transport) readFrame(ctx context.Context, deadline time.Time) (frame.Frame, error) {
	if err := t.waitReady(ctx, deadline); err != nil {
		return frame.Frame{}, err
	}

	buf := make([]byte, readLength)
	if err := t.dev.Tx(nil, buf); err != nil {
		return frame.Frame{}, pn532.NewTransportError("receiveFrame", t.busName,
			fmt.Errorf("%w: %w", pn532.ErrTransportRead, err), pn532.ErrorTypeTransient)
	}
	if buf[0]&pn532Ready == 0 {
		return frame.Frame{}, pn532.NewTransportError("receiveFrame", t.busName, pn532.ErrTransportNotReady,
			pn532.ErrorTypeTransient)
	}

	f, _, err := frame.Decode(buf[1:])
	if err != nil {
		return frame.Frame{}, pn532.NewTransportError("receiveFrame", t.busName, err, pn532.ErrorTypeTransient)
	}
	return f, nil
}

// SetTimeout sets the ACK and response timeout.
func (t *Transport) SetTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("invalid I2C timeout %v", timeout)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
	return nil
}

// Close releases the bus.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.bus == nil {
		return nil
	}
	if err := t.bus.Close(); err != nil {
		return fmt.Errorf("failed to close I2C bus %s: %w", t.busName, err)
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
	return pn532.TransportI2C
}
