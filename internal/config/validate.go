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

package config

import (
	"errors"
	"fmt"
	"slices"
)

// Validate rejects run files that cannot be executed.
func (c *Config) Validate() error {
	var errs []error

	switch c.Reader.Type {
	case ReaderSimulator:
		if err := c.Simulator.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("simulator: %w", err))
		}
	case ReaderUART, ReaderI2C, ReaderSPI:
		if c.Reader.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("reader timeout must be positive: %v", c.Reader.Timeout))
		}
		if c.Reader.Attempts < 0 {
			errs = append(errs, fmt.Errorf("reader attempts must not be negative: %d", c.Reader.Attempts))
		}
		if c.Reader.Path == "" && c.Reader.Type == ReaderSPI {
			errs = append(errs, errors.New("spi readers are not detected and need a path"))
		}
		if c.Reader.Path == "" && c.Detection.Timeout <= 0 {
			errs = append(errs, errors.New("detection timeout must be positive when no reader path is set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown reader type %q", c.Reader.Type))
	}

	if err := c.Session.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}

	if len(c.Checks) == 0 {
		errs = append(errs, errors.New("no checks selected"))
	}
	seen := make(map[Check]bool, len(c.Checks))
	for _, check := range c.Checks {
		if seen[check] {
			errs = append(errs, fmt.Errorf("check %s selected twice", check))
		}
		seen[check] = true

		switch {
		case slices.Contains(ReaderChecks, check):
		case slices.Contains(SessionChecks, check):
			if c.Reader.Type != ReaderSimulator {
				errs = append(errs, fmt.Errorf("check %s needs a device under test and only runs with the %s reader",
					check, ReaderSimulator))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown check %q", check))
		}
	}

	names := make(map[string]bool, len(c.Services))
	for _, s := range c.Services {
		if s.Name == "" {
			errs = append(errs, errors.New("service without a name"))
			continue
		}
		if names[s.Name] {
			errs = append(errs, fmt.Errorf("service %s defined twice", s.Name))
		}
		names[s.Name] = true
		if len(s.Commands) != len(s.Responses) {
			errs = append(errs, fmt.Errorf("service %s has %d commands and %d responses",
				s.Name, len(s.Commands), len(s.Responses)))
		}
		if _, _, err := s.APDUs(); err != nil {
			errs = append(errs, err)
		}
	}
	if seen[CheckTransact] && !names[c.Transact] {
		errs = append(errs, fmt.Errorf("transact service %q is not defined", c.Transact))
	}

	return errors.Join(errs...)
}
