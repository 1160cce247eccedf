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

// Package config loads the YAML run file of the pollcheck command.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	pollcheck "github.com/ZaparooProject/go-pollcheck"
	"github.com/ZaparooProject/go-pollcheck/detection"
	"github.com/ZaparooProject/go-pollcheck/simulator"
)

// ReaderType selects the polling loop reader.
type ReaderType string

// Supported readers.
const (
	ReaderSimulator ReaderType = "simulator"
	ReaderUART      ReaderType = "uart"
	ReaderI2C       ReaderType = "i2c"
	ReaderSPI       ReaderType = "spi"
)

// Check names a validation run by the command.
type Check string

// Session checks need a device under test and therefore the simulator.
const (
	CheckProtocolParams Check = "protocol_params"
	CheckTimestamps     Check = "timestamps"
	CheckGain           Check = "gain"
	CheckFrameTypes     Check = "frame_types"
	CheckFrameData      Check = "frame_data"
	CheckTransact       Check = "transact"
)

// Reader-only checks work with any reader.
const (
	// CheckLoop broadcasts the full catalog and records the host timings.
	CheckLoop Check = "loop"
	// CheckDiscover polls for a target and decodes its protocol parameters.
	CheckDiscover Check = "discover"
)

// SessionChecks lists the session checks in run order.
var SessionChecks = []Check{
	CheckProtocolParams, CheckTimestamps, CheckGain, CheckFrameTypes, CheckFrameData, CheckTransact,
}

// ReaderChecks lists the reader-only checks in run order.
var ReaderChecks = []Check{CheckLoop, CheckDiscover}

// Config is the run file.
type Config struct {
	Reader    ReaderConfig            `yaml:"reader"`
	Detection detection.Options       `yaml:"detection"`
	Report    string                  `yaml:"report"`
	LogDir    string                  `yaml:"log_dir"`
	Transact  string                  `yaml:"transact_service"`
	Checks    []Check                 `yaml:"checks"`
	Services  []ServiceConfig         `yaml:"services"`
	Simulator simulator.Config        `yaml:"simulator"`
	Session   pollcheck.SessionConfig `yaml:"session"`
}

// ReaderConfig selects and addresses the reader.
type ReaderConfig struct {
	Type ReaderType `yaml:"type"`
	// Path is the serial port or I2C bus; empty runs detection.
	Path string `yaml:"path"`
	// Timeout is the PN532 response timeout.
	Timeout time.Duration `yaml:"timeout"`
	// Attempts is the PN532 command retry budget.
	Attempts int `yaml:"attempts"`
}

// MarshalYAML writes the timeout as a duration string.
func (c ReaderConfig) MarshalYAML() (any, error) {
	type plain ReaderConfig
	return pollcheck.MarshalDurations(plain(c), map[string]time.Duration{"timeout": c.Timeout})
}

// ServiceConfig is an emulated service and its APDU script, hex encoded.
type ServiceConfig struct {
	Name      string   `yaml:"name"`
	Commands  []string `yaml:"commands"`
	Responses []string `yaml:"responses"`
}

// APDUs decodes the script.
func (s ServiceConfig) APDUs() (commands, responses [][]byte, err error) {
	if commands, err = decodeAll(s.Commands); err != nil {
		return nil, nil, fmt.Errorf("service %s commands: %w", s.Name, err)
	}
	if responses, err = decodeAll(s.Responses); err != nil {
		return nil, nil, fmt.Errorf("service %s responses: %w", s.Name, err)
	}
	return commands, responses, nil
}

func decodeAll(in []string) ([][]byte, error) {
	out := make([][]byte, len(in))
	for i, s := range in {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("apdu %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// DefaultPaymentService is a five step payment selection script.
func DefaultPaymentService() ServiceConfig {
	return ServiceConfig{
		Name: "payment",
		Commands: []string{
			"00a404000e325041592e5359532e444446303100",
			"00a4040007a000000004101000",
			"80a8000002830000",
			"00b2010c00",
			"80ca9f1700",
		},
		Responses: []string{
			"6f10840e325041592e5359532e44444630319000",
			"6f0a8407a00000000410109000",
			"7706820219809000",
			"70035a01119000",
			"9f1701039000",
		},
	}
}

// Default returns a simulator run of every session check.
func Default() Config {
	return Config{
		Reader: ReaderConfig{
			Type:     ReaderSimulator,
			Timeout:  time.Second,
			Attempts: 3,
		},
		Detection: detection.DefaultOptions(),
		Session:   pollcheck.DefaultSessionConfig(),
		Simulator: simulator.DefaultConfig(),
		Services:  []ServiceConfig{DefaultPaymentService()},
		Transact:  "payment",
		Report:    "pollcheck-report.yaml",
	}
}

// DefaultChecks returns the checks run when the file names none.
func DefaultChecks(t ReaderType) []Check {
	if t == ReaderSimulator {
		return append([]Check(nil), SessionChecks...)
	}
	return append([]Check(nil), ReaderChecks...)
}

// Load reads and validates the run file at path. An empty path returns the
// validated defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		cfg.Checks = DefaultChecks(cfg.Reader.Type)
		return &cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path) //nolint:gosec // Path comes from the command line
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a run file over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Checks) == 0 {
		cfg.Checks = DefaultChecks(cfg.Reader.Type)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
