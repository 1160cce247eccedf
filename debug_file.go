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

package pollcheck

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/tabwriter"
	"time"
)

// Session log state, guarded by logMu.
var (
	sessionLogFile   *os.File
	sessionLogPath   string
	sessionLogWriter io.Writer
)

// LogField is one key/value line of the session log header.
type LogField struct {
	Key   string
	Value string
}

// InitSessionLog creates pollcheck_<timestamp>.log in dir ("" means the
// current directory) and mirrors every log line there until
// CloseSessionLog. fields follow the host details in the header. An already
// open log is closed first. Returns the log file path.
func InitSessionLog(dir string, fields ...LogField) (string, error) {
	now := time.Now()
	path := filepath.Join(dir, "pollcheck_"+now.Format("20060102_150405")+".log")

	f, err := os.Create(path) //nolint:gosec // File name is built here
	if err != nil {
		return "", fmt.Errorf("failed to create session log: %w", err)
	}

	logMu.Lock()
	defer logMu.Unlock()
	if sessionLogFile != nil {
		_ = sessionLogFile.Close()
	}
	sessionLogFile = f
	sessionLogPath = path
	sessionLogWriter = f
	writeSessionHeader(f, now, fields)
	return path, nil
}

// LogSection writes a separator naming the next part of the run, usually a
// check. It goes to the session log only.
func LogSection(title string) {
	logMu.Lock()
	defer logMu.Unlock()
	if sessionLogWriter != nil {
		_, _ = fmt.Fprintf(sessionLogWriter, "\n--- %s ---\n", title)
	}
}

// CloseSessionLog writes the footer and closes the session log.
func CloseSessionLog() error {
	logMu.Lock()
	defer logMu.Unlock()
	if sessionLogFile == nil {
		return nil
	}

	_, _ = fmt.Fprintf(sessionLogWriter, "\n%s === session ended ===\n", time.Now().Format("15:04:05.000"))
	err := sessionLogFile.Close()
	sessionLogFile = nil
	sessionLogPath = ""
	sessionLogWriter = nil
	if err != nil {
		return fmt.Errorf("failed to close session log: %w", err)
	}
	return nil
}

// GetSessionLogPath returns the open session log path, "" when none is open.
func GetSessionLogPath() string {
	logMu.Lock()
	defer logMu.Unlock()
	return sessionLogPath
}

func writeSessionHeader(w io.Writer, started time.Time, fields []LogField) {
	_, _ = fmt.Fprint(w, "=== pollcheck session log ===\n")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "started\t%s\n", started.Format(time.RFC3339))
	_, _ = fmt.Fprintf(tw, "host\t%s/%s %s pid %d\n", runtime.GOOS, runtime.GOARCH, runtime.Version(), os.Getpid())
	_, _ = fmt.Fprintf(tw, "command\t%s\n", strings.Join(os.Args, " "))
	for _, f := range fields {
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", f.Key, f.Value)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprint(w, "=============================\n\n")
}
