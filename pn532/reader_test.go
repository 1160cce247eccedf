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
	"errors"
	"testing"
	"time"

	pollcheck "github.com/ZaparooProject/go-pollcheck"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentCommand struct {
	args []byte
	cmd  byte
}

// fakeTransport answers every command with handler and records the calls.
type fakeTransport struct {
	handler func(cmd byte, args []byte) ([]byte, error)
	sent    []sentCommand
	timeout time.Duration
	closed  bool
}

func (f *fakeTransport) SendCommand(_ context.Context, cmd byte, args []byte) ([]byte, error) {
	f.sent = append(f.sent, sentCommand{cmd: cmd, args: append([]byte(nil), args...)})
	if f.handler != nil {
		if res, err := f.handler(cmd, args); res != nil || err != nil {
			return res, err
		}
	}
	return defaultResponse(cmd), nil
}

func (f *fakeTransport) SetTimeout(timeout time.Duration) error {
	f.timeout = timeout
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func (f *fakeTransport) IsConnected() bool { return !f.closed }

func (*fakeTransport) Type() TransportType { return TransportMock }

func (f *fakeTransport) commands() []byte {
	out := make([]byte, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.cmd)
	}
	return out
}

func (f *fakeTransport) find(cmd byte) []sentCommand {
	var out []sentCommand
	for _, s := range f.sent {
		if s.cmd == cmd {
			out = append(out, s)
		}
	}
	return out
}

func defaultResponse(cmd byte) []byte {
	switch cmd {
	case cmdGetFirmwareVersion:
		return []byte{cmd + 1, 0x32, 0x01, 0x06, 0x07}
	case cmdInListPassiveTarget:
		return []byte{cmd + 1, 0x00}
	case cmdInCommunicateThru:
		return []byte{cmd + 1, StatusTimeout}
	case cmdInRelease, cmdInDataExchange:
		return []byte{cmd + 1, StatusOK}
	case cmdReadRegister:
		return []byte{cmd + 1, 0x80}
	default:
		return []byte{cmd + 1}
	}
}

func newTestReader(t *testing.T, handler func(cmd byte, args []byte) ([]byte, error)) (*Reader, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{handler: handler}
	r, err := NewReader(ft, WithRetryConfig(&RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 1,
	}))
	require.NoError(t, err)
	return r, ft
}

func TestNewReader_NilTransport(t *testing.T) {
	t.Parallel()

	_, err := NewReader(nil)
	require.Error(t, err)
}

func TestReader_Init(t *testing.T) {
	t.Parallel()

	r, ft := newTestReader(t, nil)
	require.NoError(t, r.Init(context.Background()))

	assert.Equal(t, []byte{cmdGetFirmwareVersion, cmdSamConfiguration, cmdRFConfiguration, cmdRFConfiguration},
		ft.commands())
	assert.Equal(t, []byte{rfItemMaxRetries, 0xFF, 0x01, 0x00}, ft.sent[2].args)
	assert.Equal(t, []byte{rfItemField, rfFieldOff}, ft.sent[3].args)
	require.NotNil(t, r.Firmware())
	assert.Equal(t, byte(0x01), r.Firmware().Version)
	assert.Equal(t, time.Second, ft.timeout)
}

func TestReader_GetFirmwareVersion(t *testing.T) {
	t.Parallel()

	r, ft := newTestReader(t, nil)
	fw, err := r.GetFirmwareVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(0x32), fw.IC)
	assert.Equal(t, []byte{cmdGetFirmwareVersion}, ft.commands())
	assert.Nil(t, r.Firmware())
}

func TestReader_InitUnsupportedChip(t *testing.T) {
	t.Parallel()

	r, _ := newTestReader(t, func(cmd byte, _ []byte) ([]byte, error) {
		if cmd == cmdGetFirmwareVersion {
			return []byte{cmd + 1, 0x31, 0x01, 0x00, 0x00}, nil
		}
		return nil, nil
	})
	err := r.Init(context.Background())
	require.ErrorIs(t, err, ErrDeviceNotSupported)
}

func TestReader_ErrorFrame(t *testing.T) {
	t.Parallel()

	r, _ := newTestReader(t, func(byte, []byte) ([]byte, error) {
		return []byte{tfiError, 0x27}, nil
	})
	err := r.Unmute(context.Background())
	var pnErr *PN532Error
	require.ErrorAs(t, err, &pnErr)
	assert.Equal(t, byte(0x27), pnErr.ErrorCode)
}

func TestReader_PollANoTarget(t *testing.T) {
	t.Parallel()

	r, ft := newTestReader(t, nil)
	tag, err := r.PollA(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tag)

	calls := ft.find(cmdInListPassiveTarget)
	require.Len(t, calls, 1)
	assert.Equal(t, []byte{0x01, targetTypeA}, calls[0].args)
}

func TestReader_PollAWithATS(t *testing.T) {
	t.Parallel()

	ats := []byte{0x05, 0x78, 0x80, 0x70, 0x02}
	r, _ := newTestReader(t, func(cmd byte, _ []byte) ([]byte, error) {
		if cmd == cmdInListPassiveTarget {
			res := []byte{cmd + 1, 0x01, 0x01, 0x00, 0x04, 0x20, 0x04, 0x08, 0x11, 0x22, 0x33}
			return append(res, ats...), nil
		}
		return nil, nil
	})

	found, err := r.PollA(context.Background())
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, byte(0x20), found.SelRes())
	assert.Equal(t, ats, found.ATS())

	tag, ok := found.(*Tag)
	require.True(t, ok)
	assert.Equal(t, []byte{0x08, 0x11, 0x22, 0x33}, tag.UID())
	assert.Equal(t, [2]byte{0x00, 0x04}, tag.SensRes())
}

func TestReader_PollBTarget(t *testing.T) {
	t.Parallel()

	atqb := []byte{0x50, 1, 2, 3, 4, 0, 0, 0, 0, 0x00, 0x81, 0x71}
	r, ft := newTestReader(t, func(cmd byte, _ []byte) ([]byte, error) {
		if cmd == cmdInListPassiveTarget {
			res := append([]byte{cmd + 1, 0x01, 0x01}, atqb...)
			return append(res, 0x01, 0x00), nil
		}
		return nil, nil
	})

	found, err := r.PollB(context.Background(), 0x10)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, byte(0), found.SelRes())
	assert.Nil(t, found.ATS())
	assert.Equal(t, atqb, found.(*Tag).ATQB())
	assert.Equal(t, []byte{0x01, targetTypeB, 0x10}, ft.find(cmdInListPassiveTarget)[0].args)
}

func TestReader_SendBroadcastShortFrame(t *testing.T) {
	t.Parallel()

	r, ft := newTestReader(t, nil)
	err := r.SendBroadcast(context.Background(), []byte{0x26}, pollcheck.ConfigurationAShort)
	require.NoError(t, err)

	assert.Equal(t, []byte{rfItemField, rfFieldOn}, ft.find(cmdRFConfiguration)[0].args)

	writes := ft.find(cmdWriteRegister)
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{
		0x63, 0x02, 0x00, // TxMode: type A, 106 kbps, no CRC
		0x63, 0x03, 0x00, // RxMode
		0x63, 0x3D, 0x07, // BitFraming: 7 bits
		0x63, 0x18, 0x3F, // CWGsP: full power
	}, writes[0].args)

	timings := ft.find(cmdRFConfiguration)[1]
	assert.Equal(t, []byte{rfItemTimings, 0x00, 0x0B, 0x02}, timings.args)

	thru := ft.find(cmdInCommunicateThru)
	require.Len(t, thru, 1)
	assert.Equal(t, []byte{0x26}, thru[0].args)
}

func TestReader_SendBroadcastTypeF(t *testing.T) {
	t.Parallel()

	r, ft := newTestReader(t, nil)
	require.NoError(t, r.Unmute(context.Background()))

	cfg := pollcheck.ConfigurationFLong.Replace(pollcheck.WithPower(40), pollcheck.WithoutTimeout())
	require.NoError(t, r.SendBroadcast(context.Background(), []byte{0x06, 0x00, 0xFF, 0xFF, 0x00, 0x00}, cfg))

	writes := ft.find(cmdWriteRegister)
	require.Len(t, writes, 1)
	assert.Equal(t, byte(0x92), writes[0].args[2], "TxMode: CRC, 212 kbps, FeliCa")
	assert.Equal(t, byte(0x00), writes[0].args[8], "8 bits in last byte")
	assert.Equal(t, byte(25), writes[0].args[11])
	assert.Equal(t, timeoutCodeDefault, ft.find(cmdRFConfiguration)[1].args[3])
	// Field was already on
	assert.Len(t, ft.find(cmdRFConfiguration), 2)
}

func TestReader_SendBroadcastRFError(t *testing.T) {
	t.Parallel()

	r, _ := newTestReader(t, func(cmd byte, _ []byte) ([]byte, error) {
		if cmd == cmdInCommunicateThru {
			return []byte{cmd + 1, 0x02}, nil
		}
		return nil, nil
	})
	err := r.SendBroadcast(context.Background(), []byte{0x52}, pollcheck.ConfigurationAShort)
	var pnErr *PN532Error
	require.ErrorAs(t, err, &pnErr)
	assert.Equal(t, byte(0x02), pnErr.ErrorCode)
}

func TestReader_SendBroadcastInvalidConfiguration(t *testing.T) {
	t.Parallel()

	r, ft := newTestReader(t, nil)
	cfg := pollcheck.ConfigurationALong.Replace(pollcheck.WithPower(120))
	err := r.SendBroadcast(context.Background(), []byte{0x50, 0x00}, cfg)
	require.ErrorIs(t, err, pollcheck.ErrInvalidConfiguration)
	assert.Empty(t, ft.sent)
}

func TestReader_DiscoveryRestoresFraming(t *testing.T) {
	t.Parallel()

	r, ft := newTestReader(t, nil)
	ctx := context.Background()
	require.NoError(t, r.SendBroadcast(ctx, []byte{0x26}, pollcheck.ConfigurationAShort))
	_, err := r.PollA(ctx)
	require.NoError(t, err)

	writes := ft.find(cmdWriteRegister)
	require.Len(t, writes, 2)
	assert.Equal(t, []byte{0x63, 0x02, 0x80, 0x63, 0x03, 0x80, 0x63, 0x3D, 0x00}, writes[1].args)

	// A second discovery does not rewrite clean registers
	_, err = r.PollA(ctx)
	require.NoError(t, err)
	assert.Len(t, ft.find(cmdWriteRegister), 2)
}

func TestReader_MuteReleasesTarget(t *testing.T) {
	t.Parallel()

	r, ft := newTestReader(t, func(cmd byte, _ []byte) ([]byte, error) {
		if cmd == cmdInListPassiveTarget {
			return []byte{cmd + 1, 0x01, 0x01, 0x00, 0x04, 0x20, 0x04, 1, 2, 3, 4, 0x01}, nil
		}
		return nil, nil
	})
	ctx := context.Background()
	tag, err := r.PollA(ctx)
	require.NoError(t, err)
	require.NotNil(t, tag)

	require.NoError(t, r.Mute(ctx))
	assert.Len(t, ft.find(cmdInRelease), 1)
	assert.Equal(t, []byte{rfItemField, rfFieldOff}, ft.sent[len(ft.sent)-1].args)

	_, err = tag.Transceive(ctx, []byte{0x00, 0xA4, 0x04, 0x00})
	require.ErrorIs(t, err, pollcheck.ErrTargetNotFound)
}

func TestTag_Transceive(t *testing.T) {
	t.Parallel()

	r, ft := newTestReader(t, func(cmd byte, _ []byte) ([]byte, error) {
		switch cmd {
		case cmdInListPassiveTarget:
			return []byte{cmd + 1, 0x01, 0x01, 0x00, 0x04, 0x20, 0x04, 1, 2, 3, 4, 0x01}, nil
		case cmdInDataExchange:
			return []byte{cmd + 1, StatusOK, 0x90, 0x00}, nil
		}
		return nil, nil
	})
	ctx := context.Background()
	tag, err := r.PollA(ctx)
	require.NoError(t, err)

	res, err := tag.Transceive(ctx, []byte{0x00, 0xA4, 0x04, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, res)
	assert.Equal(t, []byte{0x01, 0x00, 0xA4, 0x04, 0x00, 0x00}, ft.find(cmdInDataExchange)[0].args)
}

func TestTag_TransceiveStatusError(t *testing.T) {
	t.Parallel()

	r, _ := newTestReader(t, func(cmd byte, _ []byte) ([]byte, error) {
		switch cmd {
		case cmdInListPassiveTarget:
			return []byte{cmd + 1, 0x01, 0x01, 0x00, 0x04, 0x20, 0x04, 1, 2, 3, 4, 0x01}, nil
		case cmdInDataExchange:
			return []byte{cmd + 1, 0x2B}, nil
		}
		return nil, nil
	})
	ctx := context.Background()
	tag, err := r.PollA(ctx)
	require.NoError(t, err)

	_, err = tag.Transceive(ctx, []byte{0x00})
	var pnErr *PN532Error
	require.ErrorAs(t, err, &pnErr)
	assert.Equal(t, byte(0x2B), pnErr.ErrorCode)
}

func TestReader_RetriesTransportErrors(t *testing.T) {
	t.Parallel()

	failures := 2
	r, ft := newTestReader(t, func(cmd byte, _ []byte) ([]byte, error) {
		if cmd == cmdRFConfiguration && failures > 0 {
			failures--
			return nil, NewTransportError("SendCommand", "mock", ErrNoACK, ErrorTypeTransient)
		}
		return nil, nil
	})
	require.NoError(t, r.Unmute(context.Background()))
	assert.Len(t, ft.sent, 3)
}

func TestReader_DoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	r, ft := newTestReader(t, func(byte, []byte) ([]byte, error) {
		return nil, NewTransportError("SendCommand", "mock", errors.New("unplugged"), ErrorTypePermanent)
	})
	err := r.Mute(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Len(t, ft.sent, 1)
}

func TestReader_Close(t *testing.T) {
	t.Parallel()

	r, ft := newTestReader(t, nil)
	require.NoError(t, r.Close(context.Background()))
	assert.True(t, ft.closed)
}

func TestTimeoutCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		timeout time.Duration
		want    byte
	}{
		{name: "no timeout", timeout: 0, want: timeoutCodeDefault},
		{name: "100us", timeout: 100 * time.Microsecond, want: 0x01},
		{name: "A frame delay", timeout: pollcheck.ATimeout, want: 0x02},
		{name: "1ms", timeout: time.Millisecond, want: 0x05},
		{name: "capped", timeout: time.Minute, want: timeoutCodeMax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, timeoutCode(tt.timeout))
		})
	}
}

func TestConductance(t *testing.T) {
	t.Parallel()

	assert.Equal(t, byte(0x00), conductance(0))
	assert.Equal(t, byte(0x20), conductance(50))
	assert.Equal(t, byte(0x3F), conductance(100))
}
