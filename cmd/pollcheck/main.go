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

// Command pollcheck validates how a card emulation device observes the
// polling loop of an NFC reader.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	pollcheck "github.com/ZaparooProject/go-pollcheck"
	"github.com/ZaparooProject/go-pollcheck/internal/config"
)

// options are the command line overrides of the run file.
type options struct {
	configPath string
	checks     string
	readerType string
	device     string
	report     string
	logDir     string
	list       bool
	debug      bool
}

var flagOpts options

func init() {
	flag.StringVar(&flagOpts.configPath, "config", "", "YAML run file (defaults apply when empty)")
	flag.StringVar(&flagOpts.checks, "checks", "", "Comma separated checks to run, overriding the run file")
	flag.StringVar(&flagOpts.readerType, "reader", "", "Reader type: simulator, uart, i2c or spi")
	flag.StringVar(&flagOpts.device, "device", "", "Reader device path (auto-detect if empty)")
	flag.StringVar(&flagOpts.report, "report", "", "Report file, - for stdout")
	flag.StringVar(&flagOpts.logDir, "logdir", "", "Directory for the session log (no log if empty)")
	flag.BoolVar(&flagOpts.list, "list", false, "Print the polling frame catalog and exit")
	flag.BoolVar(&flagOpts.debug, "debug", false, "Enable debug output")
}

// loadConfig reads the run file and applies the command line overrides.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	changed := false
	if opts.readerType != "" {
		cfg.Reader.Type = config.ReaderType(opts.readerType)
		if opts.checks == "" {
			cfg.Checks = config.DefaultChecks(cfg.Reader.Type)
		}
		changed = true
	}
	if opts.device != "" {
		cfg.Reader.Path = opts.device
	}
	if opts.checks != "" {
		cfg.Checks = nil
		for _, c := range strings.Split(opts.checks, ",") {
			cfg.Checks = append(cfg.Checks, config.Check(strings.TrimSpace(c)))
		}
		changed = true
	}
	if opts.report != "" {
		cfg.Report = opts.report
	}
	if opts.logDir != "" {
		cfg.LogDir = opts.logDir
	}
	if changed {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func printCatalog(w io.Writer) {
	for idx, tc := range pollcheck.AllTestCases() {
		_, _ = fmt.Fprintf(w, "%2d  %-18s %-40s %v\n", idx, tc.Name, tc, tc.SuccessTypes)
	}
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode(flagOpts))
}

func mainWithExitCode(opts options) int {
	if opts.debug {
		pollcheck.SetDebugEnabled(true)
	}
	if opts.list {
		printCatalog(os.Stdout)
		return 0
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			_, _ = fmt.Fprint(os.Stderr, "\nShutting down gracefully...\n")
			cancel()
		case <-ctx.Done():
		}
	}()

	report, err := run(ctx, cfg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	for _, r := range report.Results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}
		_, _ = fmt.Printf("%-4s %-16s %v\n", status, r.Check, r.Duration)
	}
	if !report.Passed {
		return 1
	}
	return 0
}
