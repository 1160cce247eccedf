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

// Package spi implements the PN532 transport over an SPI bus
// (PN532 User Manual section 6.2.5) using periph.io.
//
// The PN532 shifts bits LSB first. Every byte is bit reversed in software
// so that the bus can run in the MSB first mode all drivers support.
package spi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"time"

	"github.com/ZaparooProject/go-pollcheck/internal/frame"
	"github.com/ZaparooProject/go-pollcheck/internal/syncutil"
	"github.com/ZaparooProject/go-pollcheck/pn532"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPI operation bytes that lead every transaction.
const (
	opDataWrite  = 0x01
	opStatusRead = 0x02
	opDataRead   = 0x03
)

const (
	// pn532Ready is bit 0 of the status byte.
	pn532Ready = 0x01

	defaultFreq = physic.MegaHertz
	mode        = spi.Mode0

	// DefaultTimeout bounds the wait for an ACK or a response.
	DefaultTimeout = time.Second

	readyPollInterval = time.Millisecond

	// readLength covers the largest normal frame after the operation byte.
	readLength = frame.MaxFrameDataLength + 7
)

// Transport implements the pn532.Transport interface for SPI communication
type Transport struct {
	conn     spi.Conn
	port     io.Closer
	portName string
	timeout  time.Duration
	mu       syncutil.Mutex
	closed   bool
}

var _ pn532.Transport = (*Transport)(nil)

// New initialises the periph host drivers, opens portName and wakes the chip.
func New(portName string) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	port, err := spireg.Open(portName)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %s: %w", portName, err)
	}
	conn, err := port.Connect(defaultFreq, mode, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to connect SPI port %s: %w", portName, err)
	}

	t := NewWithConn(conn, port, portName)
	// A dummy byte pulls the chip out of power down.
	_ = conn.Tx([]byte{0x00}, nil)
	time.Sleep(2 * time.Millisecond)
	return t, nil
}

// NewWithConn wraps an already connected bus. port is closed by Close and
// may be nil.
func NewWithConn(conn spi.Conn, port io.Closer, portName string) *Transport {
	return &Transport{
		conn:     conn,
		port:     port,
		portName: portName,
		timeout:  DefaultTimeout,
	}
}

func reverse(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = bits.Reverse8(b)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("SPI wait cancelled: %w", ctx.Err())
	}
}

func (t *Transport) writeError(op string, err error) error {
	return pn532.NewTransportError(op, t.portName,
		fmt.Errorf("%w: %w", pn532.ErrTransportWrite, err), pn532.ErrorTypeTransient)
}

func (t *Transport) write(op string, raw []byte) error {
	out := make([]byte, 0, len(raw)+1)
	out = append(out, bits.Reverse8(opDataWrite))
	out = append(out, reverse(raw)...)
	if err := t.conn.Tx(out, nil); err != nil {
		return t.writeError(op, err)
	}
	return nil
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
		return nil, pn532.NewTransportError("sendFrame", t.portName, pn532.ErrDataTooLarge, pn532.ErrorTypePermanent)
	}
	deadline := time.Now().Add(t.timeout)

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
	if ack.Kind != frame.KindAck {
		return nil, pn532.NewTransportError("waitAck", t.portName, pn532.ErrNoACK, pn532.ErrorTypeTransient)
	}

	res, err := t.readFrame(ctx, deadline)
	if errors.Is(err, frame.ErrDataChecksum) {
		if err := t.write("sendNack", frame.NackFrame); err != nil {
			return nil, err
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
	return nil, pn532.NewTransportError("receiveFrame", t.portName, pn532.ErrInvalidResponse, pn532.ErrorTypeTransient)
}

// waitReady polls the status register until the PN532 has a frame to send.
func (t *Transport) waitReady(ctx context.Context, deadline time.Time) error {
	w := []byte{bits.Reverse8(opStatusRead), 0x00}
	r := make([]byte, len(w))
	for {
		if err := t.conn.Tx(w, r); err != nil {
			return pn532.NewTransportError("waitReady", t.portName,
				fmt.Errorf("%w: %w", pn532.ErrTransportRead, err), pn532.ErrorTypeTransient)
		}
		if bits.Reverse8(r[1])&pn532Ready != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return pn532.NewTransportError("waitReady", t.portName, pn532.ErrTransportTimeout, pn532.ErrorTypeTimeout)
		}
		if err := sleepCtx(ctx, readyPollInterval); err != nil {
			return err
		}
	}
}

// readFrame reads one frame in a single full duplex transaction. The byte
// clocked in with the operation byte carries no data.
func (t *Transport) readFrame(ctx context.Context, deadline time.Time) (frame.Frame, error) {
	if err := t.waitReady(ctx, deadline); err != nil {
		return frame.Frame{}, err
	}

	w := make([]byte, 1+readLength)
	w[0] = bits.Reverse8(opDataRead)
	r := make([]byte, len(w))
	if err := t.conn.Tx(w, r); err != nil {
		return frame.Frame{}, pn532.NewTransportError("receiveFrame", t.portName,
			fmt.Errorf("%w: %w", pn532.ErrTransportRead, err), pn532.ErrorTypeTransient)
	}

	f, _, err := frame.Decode(reverse(r[1:]))
	if err != nil {
		return frame.Frame{}, pn532.NewTransportError("receiveFrame", t.portName, err, pn532.ErrorTypeTransient)
	}
	return f, nil
}

// SetTimeout sets the ACK and response timeout.
func (t *Transport) SetTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("invalid SPI timeout %v", timeout)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
	return nil
}

// Close releases the port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.port == nil {
		return nil
	}
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("failed to close SPI port %s: %w", t.portName, err)
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
	return pn532.TransportSPI
}
