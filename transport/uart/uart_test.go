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

package uart

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	virt "github.com/ZaparooProject/go-pollcheck/internal/testing"
	"github.com/ZaparooProject/go-pollcheck/pn532"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// errPortClosed is returned when operations are attempted on a closed port
var errPortClosed = errors.New("port is closed")

// MockSerialPort routes serial.Port reads and writes to a backend,
// normally the wire simulator.
type MockSerialPort struct {
	backend     io.ReadWriter
	drainErr    error
	readTimeout time.Duration
	drains      int
	closed      bool
}

var _ serial.Port = (*MockSerialPort)(nil)

// NewMockSerialPort creates a mock serial port backed by backend.
func NewMockSerialPort(backend io.ReadWriter) *MockSerialPort {
	return &MockSerialPort{backend: backend}
}

func (*MockSerialPort) SetMode(_ *serial.Mode) error { return nil }

func (m *MockSerialPort) Read(p []byte) (int, error) {
	if m.closed {
		return 0, errPortClosed
	}
	n, err := m.backend.Read(p)
	if n == 0 && err == nil {
		// Nothing pending: behave like a read timing out
		time.Sleep(time.Millisecond)
	}
	return n, err //nolint:wrapcheck // Mock pass-through
}

func (m *MockSerialPort) Write(p []byte) (int, error) {
	if m.closed {
		return 0, errPortClosed
	}
	return m.backend.Write(p) //nolint:wrapcheck // Mock pass-through
}

func (m *MockSerialPort) Drain() error {
	m.drains++
	return m.drainErr
}

func (*MockSerialPort) ResetInputBuffer() error  { return nil }
func (*MockSerialPort) ResetOutputBuffer() error { return nil }
func (*MockSerialPort) SetDTR(_ bool) error      { return nil }
func (*MockSerialPort) SetRTS(_ bool) error      { return nil }

func (*MockSerialPort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}

func (m *MockSerialPort) SetReadTimeout(t time.Duration) error {
	m.readTimeout = t
	return nil
}

func (m *MockSerialPort) Close() error {
	m.closed = true
	return nil
}

func (*MockSerialPort) Break(_ time.Duration) error { return nil }

func newSimTransport(t *testing.T, backend io.ReadWriter) (*Transport, *MockSerialPort) {
	t.Helper()
	port := NewMockSerialPort(backend)
	tr, err := NewWithPort(port, "/dev/mock")
	require.NoError(t, err)
	return tr, port
}

func TestTransport_GetFirmwareVersion(t *testing.T) {
	t.Parallel()

	tr, port := newSimTransport(t, virt.NewVirtualPN532())
	assert.Equal(t, readPollInterval, port.readTimeout)

	res, err := tr.SendCommand(context.Background(), 0x02, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x32, 0x01, 0x06, 0x07}, res)
	assert.Positive(t, port.drains)
}

func TestTransport_FragmentedReads(t *testing.T) {
	t.Parallel()

	sim := virt.NewVirtualPN532()
	sim.SetTypeATarget(virt.NewISODEPTarget([]byte{0xDE, 0xAD, 0xBE, 0xEF}, []byte{0x05, 0x78, 0x80, 0x70, 0x02}))
	conn := virt.NewJitteryConnection(sim, virt.JitterConfig{Seed: 7, MaxFragment: 2})
	tr, _ := newSimTransport(t, conn)

	res, err := tr.SendCommand(context.Background(), 0x4A, []byte{0x01, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x4B, 0x01, 0x01, 0x00, 0x04, 0x20, 0x04, 0xDE, 0xAD, 0xBE, 0xEF,
		0x05, 0x78, 0x80, 0x70, 0x02}, res)
}

func TestTransport_CorruptedResponseIsNACKed(t *testing.T) {
	t.Parallel()

	sim := virt.NewVirtualPN532()
	sim.CorruptNextResponse()
	tr, _ := newSimTransport(t, sim)

	res, err := tr.SendCommand(context.Background(), 0x14, []byte{0x01, 0x14, 0x01})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x15}, res)
	assert.True(t, sim.SAMConfigured())
}

func TestTransport_ErrorFrame(t *testing.T) {
	t.Parallel()

	tr, _ := newSimTransport(t, virt.NewVirtualPN532())
	res, err := tr.SendCommand(context.Background(), 0x60, []byte{0xFF})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7F}, res)
}

func TestTransport_NoACKTimesOut(t *testing.T) {
	t.Parallel()

	sim := virt.NewVirtualPN532()
	sim.DropNextACK()
	tr, _ := newSimTransport(t, sim)
	require.NoError(t, tr.SetTimeout(30*time.Millisecond))

	_, err := tr.SendCommand(context.Background(), 0x02, nil)
	require.ErrorIs(t, err, pn532.ErrNoACK)
	assert.True(t, pn532.IsRetryable(err))

	res, err := tr.SendCommand(context.Background(), 0x02, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(0x03), res[0])
}

func TestTransport_ContextCancelled(t *testing.T) {
	t.Parallel()

	sim := virt.NewVirtualPN532()
	sim.DropNextACK()
	tr, _ := newSimTransport(t, sim)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.SendCommand(ctx, 0x02, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTransport_DrainFailure(t *testing.T) {
	t.Parallel()

	tr, port := newSimTransport(t, virt.NewVirtualPN532())
	port.drainErr = errors.New("device unplugged")

	_, err := tr.SendCommand(context.Background(), 0x02, nil)
	require.Error(t, err)
	assert.Equal(t, 1, port.drains, "non-EINTR errors are not retried")
}

func TestTransport_Close(t *testing.T) {
	t.Parallel()

	tr, port := newSimTransport(t, virt.NewVirtualPN532())
	assert.True(t, tr.IsConnected())
	assert.Equal(t, pn532.TransportUART, tr.Type())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.True(t, port.closed)
	assert.False(t, tr.IsConnected())

	_, err := tr.SendCommand(context.Background(), 0x02, nil)
	require.ErrorIs(t, err, pn532.ErrTransportClosed)
}

func TestTransport_SetTimeoutRejectsZero(t *testing.T) {
	t.Parallel()

	tr, _ := newSimTransport(t, virt.NewVirtualPN532())
	require.Error(t, tr.SetTimeout(0))
}

func TestIsInterruptedSystemCall(t *testing.T) {
	t.Parallel()

	assert.False(t, isInterruptedSystemCall(nil))
	assert.True(t, isInterruptedSystemCall(errors.New("read /dev/ttyUSB0: interrupted system call")))
	assert.True(t, isInterruptedSystemCall(errors.New("EINTR")))
	assert.False(t, isInterruptedSystemCall(errors.New("no such device")))
}
