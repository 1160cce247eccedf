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

// Package detection locates PN532 readers attached over UART or I2C so the
// command line can run without an explicit device path.
package detection

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"

	pollcheck "github.com/ZaparooProject/go-pollcheck"
	"github.com/ZaparooProject/go-pollcheck/pn532"
	"github.com/ZaparooProject/go-pollcheck/transport/uart"
)

// Confidence is how sure detection is that a path hosts a PN532.
type Confidence int

const (
	// Low means the path merely exists, for example an I2C bus.
	Low Confidence = iota
	// Medium means the USB bridge is one commonly found on PN532 boards.
	Medium
	// High means the chip answered GetFirmwareVersion.
	High
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// DeviceInfo is a candidate reader.
type DeviceInfo struct {
	Metadata   map[string]string
	Transport  pn532.TransportType
	Path       string
	Name       string
	Confidence Confidence
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s device at %s (confidence: %s)", d.Transport, d.Path, d.Confidence)
}

// ErrNoDevicesFound is returned when no candidate survived filtering.
var ErrNoDevicesFound = errors.New("no PN532 devices found")

// Prober verifies that a candidate is a PN532.
type Prober func(ctx context.Context, device DeviceInfo) error

// Options configures Detect.
type Options struct {
	// Ports lists the serial ports; nil uses the system enumerator.
	Ports func() ([]*enumerator.PortDetails, error) `yaml:"-"`
	// Probe verifies serial candidates; nil uses ProbeUART.
	Probe Prober `yaml:"-"`
	// Blocklist holds USB VID:PID pairs that are never probed.
	Blocklist []string `yaml:"blocklist"`
	// IgnorePaths are device paths that are skipped.
	IgnorePaths []string `yaml:"ignore_paths"`
	// Transports restricts detection; empty means uart and i2c.
	Transports []pn532.TransportType `yaml:"transports"`
	// I2CGlob matches the I2C bus device nodes.
	I2CGlob string `yaml:"i2c_glob"`
	// Timeout bounds each probe.
	Timeout time.Duration `yaml:"timeout"`
	// Probe serial candidates; unprobed candidates keep their guessed confidence.
	Verify bool `yaml:"verify"`
}

// MarshalYAML writes the probe timeout as a duration string.
func (o Options) MarshalYAML() (any, error) {
	type plain Options
	return pollcheck.MarshalDurations(plain(o), map[string]time.Duration{"timeout": o.Timeout})
}

// DefaultOptions probes serial ports with a 2 s budget each.
func DefaultOptions() Options {
	return Options{
		I2CGlob: "/dev/i2c-*",
		Timeout: 2 * time.Second,
		Verify:  true,
	}
}

// knownBridges are USB serial bridges commonly soldered to PN532 boards.
var knownBridges = []string{
	"067B:2303", // Prolific PL2303
	"0403:6001", // FTDI FT232
	"10C4:EA60", // Silicon Labs CP210x
	"1A86:7523", // QinHeng CH340
}

func (o *Options) wants(t pn532.TransportType) bool {
	return len(o.Transports) == 0 || slices.Contains(o.Transports, t)
}

// Detect lists candidate readers, most confident first within each
// transport. Serial candidates that fail verification are dropped.
func Detect(ctx context.Context, opts Options) ([]DeviceInfo, error) {
	var devices []DeviceInfo
	var errs []error

	if opts.wants(pn532.TransportUART) {
		found, err := detectUART(ctx, &opts)
		if err != nil {
			errs = append(errs, err)
		}
		devices = append(devices, found...)
	}
	if opts.wants(pn532.TransportI2C) {
		found, err := detectI2C(&opts)
		if err != nil {
			errs = append(errs, err)
		}
		devices = append(devices, found...)
	}

	if len(devices) > 0 {
		return devices, nil
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, ErrNoDevicesFound
}

func detectUART(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	list := opts.Ports
	if list == nil {
		list = enumerator.GetDetailedPortsList
	}
	ports, err := list()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	probe := opts.Probe
	if probe == nil {
		probe = ProbeUART
	}

	var devices []DeviceInfo
	for _, port := range ports {
		if IsPathIgnored(port.Name, opts.IgnorePaths) {
			continue
		}
		device := DeviceInfo{
			Transport:  pn532.TransportUART,
			Path:       port.Name,
			Name:       port.Product,
			Confidence: Low,
			Metadata:   map[string]string{},
		}
		if port.IsUSB {
			vidpid := strings.ToUpper(port.VID + ":" + port.PID)
			if IsBlocked(vidpid, opts.Blocklist) {
				pollcheck.Debugf("Skipping blocked serial port %s (%s)", port.Name, vidpid)
				continue
			}
			device.Metadata["vidpid"] = vidpid
			device.Metadata["serial"] = port.SerialNumber
			if slices.Contains(knownBridges, vidpid) {
				device.Confidence = Medium
			}
		}

		if opts.Verify {
			probeCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
			err := probe(probeCtx, device)
			cancel()
			if err != nil {
				pollcheck.Debugf("Probe of %s failed: %v", port.Name, err)
				continue
			}
			device.Confidence = High
		}
		devices = append(devices, device)
	}

	slices.SortStableFunc(devices, func(a, b DeviceInfo) int { return int(b.Confidence - a.Confidence) })
	return devices, nil
}

func detectI2C(opts *Options) ([]DeviceInfo, error) {
	if opts.I2CGlob == "" {
		return nil, nil
	}
	paths, err := filepath.Glob(opts.I2CGlob)
	if err != nil {
		return nil, fmt.Errorf("invalid i2c glob %q: %w", opts.I2CGlob, err)
	}
	devices := make([]DeviceInfo, 0, len(paths))
	for _, path := range paths {
		if IsPathIgnored(path, opts.IgnorePaths) {
			continue
		}
		devices = append(devices, DeviceInfo{
			Transport:  pn532.TransportI2C,
			Path:       path,
			Name:       filepath.Base(path),
			Confidence: Low,
		})
	}
	return devices, nil
}

// ProbeUART opens the port once and asks the chip for its firmware version.
// Probing is never retried so that unrelated serial devices are disturbed
// as little as possible.
func ProbeUART(ctx context.Context, device DeviceInfo) error {
	transport, err := uart.New(device.Path)
	if err != nil {
		return err //nolint:wrapcheck // uart.New names the port
	}
	reader, err := pn532.NewReader(transport, pn532.WithRetryConfig(&pn532.RetryConfig{}))
	if err != nil {
		_ = transport.Close()
		return fmt.Errorf("failed to create reader: %w", err)
	}
	defer func() { _ = transport.Close() }()

	_, err = reader.GetFirmwareVersion(ctx)
	return err
}

// IsBlocked reports whether vidpid is in blocklist, ignoring case.
func IsBlocked(vidpid string, blocklist []string) bool {
	vidpid = strings.ToUpper(strings.TrimSpace(vidpid))
	for _, blocked := range blocklist {
		if vidpid == strings.ToUpper(strings.TrimSpace(blocked)) {
			return true
		}
	}
	return false
}

// IsPathIgnored reports whether path is in ignore after cleaning both and
// ignoring case.
func IsPathIgnored(path string, ignore []string) bool {
	if path == "" {
		return false
	}
	normalized := strings.ToLower(filepath.Clean(path))
	for _, p := range ignore {
		if p != "" && strings.ToLower(filepath.Clean(p)) == normalized {
			return true
		}
	}
	return false
}
