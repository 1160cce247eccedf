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
	"fmt"
	"math"
	"time"

	pollcheck "github.com/ZaparooProject/go-pollcheck"
	"github.com/ZaparooProject/go-pollcheck/internal/syncutil"
)

// PN532 IC identifier reported by GetFirmwareVersion.
const chipPN532 = 0x32

// FirmwareVersion is the GetFirmwareVersion response.
type FirmwareVersion struct {
	IC      byte
	Version byte
	Rev     byte
	Support byte
}

func (f FirmwareVersion) String() string {
	return fmt.Sprintf("PN5%02X v%d.%d (support 0x%02X)", f.IC, f.Version, f.Rev, f.Support)
}

// ReaderConfig tunes the PN532 bridge.
type ReaderConfig struct {
	// Retry applies to transport-level failures of every command.
	Retry *RetryConfig
	// Timeout is the transport response timeout.
	Timeout time.Duration
}

// DefaultReaderConfig returns the default bridge configuration.
func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		Retry:   DefaultRetryConfig(),
		Timeout: time.Second,
	}
}

// ReaderOption configures a Reader.
type ReaderOption func(*ReaderConfig)

// WithRetryConfig replaces the command retry configuration.
func WithRetryConfig(cfg *RetryConfig) ReaderOption {
	return func(c *ReaderConfig) { c.Retry = cfg }
}

// WithTimeout replaces the transport response timeout.
func WithTimeout(timeout time.Duration) ReaderOption {
	return func(c *ReaderConfig) { c.Timeout = timeout }
}

// Reader drives a PN532 as the polling loop reader. It implements
// pollcheck.Reader; all RF operations are serialised by an internal mutex.
type Reader struct {
	transport Transport
	target    *Tag
	firmware  *FirmwareVersion
	cfg       ReaderConfig
	mu        syncutil.Mutex
	fieldOn   bool
	dirtyCIU  bool
}

var _ pollcheck.Reader = (*Reader)(nil)

// NewReader wraps transport. Call Init before any RF operation.
func NewReader(transport Transport, opts ...ReaderOption) (*Reader, error) {
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	cfg := DefaultReaderConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout > 0 {
		if err := transport.SetTimeout(cfg.Timeout); err != nil {
			return nil, fmt.Errorf("failed to set transport timeout: %w", err)
		}
	}
	return &Reader{transport: transport, cfg: cfg}, nil
}

// Transport returns the underlying transport.
func (r *Reader) Transport() Transport {
	return r.transport
}

// Firmware returns the version read by Init, nil before Init.
func (r *Reader) Firmware() *FirmwareVersion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firmware
}

// Init checks the firmware, puts the SAM in normal mode, limits passive
// activation to a single attempt and switches the field off.
func (r *Reader) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fw, err := r.firmwareVersion(ctx)
	if err != nil {
		return err
	}
	r.firmware = fw
	pollcheck.Debugf("PN532 firmware: %s", fw)

	// Normal mode, 1 second virtual card timeout, IRQ enabled
	if _, err := r.command(ctx, cmdSamConfiguration, []byte{0x01, 0x14, 0x01}); err != nil {
		return fmt.Errorf("failed to configure SAM: %w", err)
	}
	// MxRtyATR, MxRtyPSL, MxRtyPassiveActivation: one discovery try per poll
	if _, err := r.command(ctx, cmdRFConfiguration, []byte{rfItemMaxRetries, 0xFF, 0x01, 0x00}); err != nil {
		return fmt.Errorf("failed to set max retries: %w", err)
	}
	return r.setField(ctx, false)
}

// GetFirmwareVersion asks the chip for its version without changing any
// RF state. It fails with ErrDeviceNotSupported for chips other than a PN532.
func (r *Reader) GetFirmwareVersion(ctx context.Context) (*FirmwareVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firmwareVersion(ctx)
}

func (r *Reader) firmwareVersion(ctx context.Context) (*FirmwareVersion, error) {
	res, err := r.command(ctx, cmdGetFirmwareVersion, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get firmware version: %w", err)
	}
	if len(res) < 4 {
		return nil, fmt.Errorf("%w: firmware version response too short (%d bytes)", ErrInvalidResponse, len(res))
	}
	fw := &FirmwareVersion{IC: res[0], Version: res[1], Rev: res[2], Support: res[3]}
	if fw.IC != chipPN532 {
		return nil, fmt.Errorf("%w: IC 0x%02X", ErrDeviceNotSupported, fw.IC)
	}
	return fw, nil
}

// command sends one command with retries and returns the response data
// after the response code.
func (r *Reader) command(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	var res []byte
	err := RetryWithConfig(ctx, r.cfg.Retry, func() error {
		var err error
		res, err = r.transport.SendCommand(ctx, cmd, args)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("%w: empty response to command 0x%02X", ErrInvalidResponse, cmd)
	}
	if res[0] == tfiError {
		// A bare error frame is the PN532 syntax error answer.
		code := StatusCommandUnsupported
		if len(res) > 1 {
			code = res[1]
		}
		return nil, NewPN532Error(code, fmt.Sprintf("command 0x%02X", cmd), "error frame")
	}
	if res[0] != cmd+1 {
		return nil, fmt.Errorf("%w: response code 0x%02X for command 0x%02X", ErrInvalidResponse, res[0], cmd)
	}
	return res[1:], nil
}

type register struct {
	addr  uint16
	value byte
}

func (r *Reader) writeRegisters(ctx context.Context, regs ...register) error {
	args := make([]byte, 0, 3*len(regs))
	for _, reg := range regs {
		args = append(args, byte(reg.addr>>8), byte(reg.addr), reg.value)
	}
	if _, err := r.command(ctx, cmdWriteRegister, args); err != nil {
		return fmt.Errorf("failed to write registers: %w", err)
	}
	return nil
}

// ReadRegister reads one CIU or SFR register.
func (r *Reader) ReadRegister(ctx context.Context, addr uint16) (byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.command(ctx, cmdReadRegister, []byte{byte(addr >> 8), byte(addr)})
	if err != nil {
		return 0, fmt.Errorf("failed to read register 0x%04X: %w", addr, err)
	}
	if len(res) < 1 {
		return 0, fmt.Errorf("%w: empty register read", ErrInvalidResponse)
	}
	return res[0], nil
}

func (r *Reader) setField(ctx context.Context, on bool) error {
	value := byte(rfFieldOff)
	if on {
		value = rfFieldOn
	}
	if _, err := r.command(ctx, cmdRFConfiguration, []byte{rfItemField, value}); err != nil {
		return fmt.Errorf("failed to switch RF field: %w", err)
	}
	r.fieldOn = on
	return nil
}

// restoreCIU puts the framing registers back to the Type A 106 kbps
// defaults that InListPassiveTarget and InDataExchange rely on.
func (r *Reader) restoreCIU(ctx context.Context) error {
	if !r.dirtyCIU {
		return nil
	}
	err := r.writeRegisters(ctx,
		register{regCIUTxMode, ciuDefaultMode},
		register{regCIURxMode, ciuDefaultMode},
		register{regCIUBitFraming, ciuDefaultFrames},
	)
	if err != nil {
		return err
	}
	r.dirtyCIU = false
	return nil
}

func (r *Reader) release(ctx context.Context) error {
	if r.target == nil {
		return nil
	}
	r.target = nil
	if _, err := r.command(ctx, cmdInRelease, []byte{0x00}); err != nil {
		return fmt.Errorf("failed to release target: %w", err)
	}
	return nil
}

func (r *Reader) prepareDiscovery(ctx context.Context) error {
	if err := r.release(ctx); err != nil {
		return err
	}
	return r.restoreCIU(ctx)
}

// PollA implements pollcheck.Reader.
func (r *Reader) PollA(ctx context.Context) (pollcheck.ReaderTag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.prepareDiscovery(ctx); err != nil {
		return nil, err
	}
	res, err := r.command(ctx, cmdInListPassiveTarget, []byte{0x01, targetTypeA})
	r.fieldOn = true
	if err != nil {
		return nil, fmt.Errorf("type A discovery failed: %w", err)
	}
	tag, err := parseTypeATarget(r, res)
	if err != nil || tag == nil {
		return nil, err
	}
	r.target = tag
	pollcheck.Debugf("Type A target: UID=%X SEL_RES=%02X ATS=%X", tag.uid, tag.selRes, tag.ats)
	return tag, nil
}

// PollB implements pollcheck.Reader.
func (r *Reader) PollB(ctx context.Context, afi byte) (pollcheck.ReaderTag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.prepareDiscovery(ctx); err != nil {
		return nil, err
	}
	res, err := r.command(ctx, cmdInListPassiveTarget, []byte{0x01, targetTypeB, afi})
	r.fieldOn = true
	if err != nil {
		return nil, fmt.Errorf("type B discovery failed: %w", err)
	}
	tag, err := parseTypeBTarget(r, res)
	if err != nil || tag == nil {
		return nil, err
	}
	r.target = tag
	pollcheck.Debugf("Type B target: ATQB=%X", tag.atqb)
	return tag, nil
}

// SendBroadcast implements pollcheck.Reader. The frame is sent with
// InCommunicateThru after programming the CIU framing, last-byte bit count
// and output conductance; a missing answer is the normal outcome.
func (r *Reader) SendBroadcast(ctx context.Context, data []byte, cfg pollcheck.TransceiveConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err //nolint:wrapcheck // ConfigurationError carries its own context
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.release(ctx); err != nil {
		return err
	}
	if !r.fieldOn {
		if err := r.setField(ctx, true); err != nil {
			return err
		}
	}

	mode, err := ciuMode(cfg)
	if err != nil {
		return err
	}
	r.dirtyCIU = true
	err = r.writeRegisters(ctx,
		register{regCIUTxMode, mode},
		register{regCIURxMode, mode},
		register{regCIUBitFraming, byte(cfg.Bits % 8)},
		register{regCIUCWGsP, conductance(cfg.Power)},
	)
	if err != nil {
		return err
	}

	timing := []byte{rfItemTimings, 0x00, 0x0B, timeoutCode(cfg.Timeout)}
	if _, err := r.command(ctx, cmdRFConfiguration, timing); err != nil {
		return fmt.Errorf("failed to set response timeout: %w", err)
	}

	res, err := r.command(ctx, cmdInCommunicateThru, data)
	if err != nil {
		return fmt.Errorf("broadcast %X %s failed: %w", data, cfg, err)
	}
	if len(res) < 1 {
		return fmt.Errorf("%w: empty InCommunicateThru response", ErrInvalidResponse)
	}
	switch status := res[0] & 0x3F; status {
	case StatusOK, statusRFTimeout:
		return nil
	default:
		return NewPN532Error(status, "InCommunicateThru", fmt.Sprintf("broadcast %X %s", data, cfg))
	}
}

// Mute implements pollcheck.Reader.
func (r *Reader) Mute(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.release(ctx); err != nil {
		return err
	}
	return r.setField(ctx, false)
}

// Unmute implements pollcheck.Reader.
func (r *Reader) Unmute(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.setField(ctx, true)
}

// Reset implements pollcheck.Reader.
func (r *Reader) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.release(ctx); err != nil {
		return err
	}
	if err := r.restoreCIU(ctx); err != nil {
		return err
	}
	return r.setField(ctx, false)
}

// Close resets the reader and closes the transport.
func (r *Reader) Close(ctx context.Context) error {
	resetErr := r.Reset(ctx)
	return errors.Join(resetErr, r.transport.Close())
}

func ciuMode(cfg pollcheck.TransceiveConfiguration) (byte, error) {
	var mode byte
	switch cfg.Type {
	case pollcheck.ProtocolA:
		mode = ciuFramingA
	case pollcheck.ProtocolB:
		mode = ciuFramingB
	case pollcheck.ProtocolF:
		mode = ciuFramingF
	default:
		return 0, &pollcheck.ConfigurationError{Field: "type", Value: string(cfg.Type), Reason: "unsupported by PN532"}
	}
	switch cfg.Bitrate {
	case pollcheck.Bitrate106:
	case pollcheck.Bitrate212:
		mode |= 0x01 << ciuSpeedShift
	case pollcheck.Bitrate424:
		mode |= 0x02 << ciuSpeedShift
	case pollcheck.Bitrate848:
		mode |= 0x03 << ciuSpeedShift
	}
	if cfg.CRC {
		mode |= ciuModeCRC
	}
	return mode, nil
}

// conductance maps a power percentage onto the 6-bit CWGsP range.
func conductance(power int) byte {
	return byte(math.Round(float64(power) * float64(ciuCWGsPMask) / 100))
}

// timeoutCode returns the smallest RFConfiguration timeout code covering d.
func timeoutCode(d time.Duration) byte {
	if d <= 0 {
		return timeoutCodeDefault
	}
	step := 100 * time.Microsecond
	for code := byte(1); code < timeoutCodeMax; code++ {
		if step<<(code-1) >= d {
			return code
		}
	}
	return timeoutCodeMax
}
