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
	"time"

	"github.com/ZaparooProject/go-pollcheck/internal/syncutil"
)

// debugEnabled controls whether debug lines reach stdout.
var debugEnabled = false

// logMu serialises writes to the session log; teardown collectors log from
// their own goroutines.
var logMu syncutil.Mutex

// warnWriter receives WARN lines. Tests replace it.
var warnWriter io.Writer = os.Stderr

func init() {
	if os.Getenv("POLLCHECK_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		debugEnabled = true
	}
}

func writeSessionLine(level, message string) {
	logMu.Lock()
	defer logMu.Unlock()
	if sessionLogWriter != nil {
		timestamp := time.Now().Format("15:04:05.000")
		_, _ = fmt.Fprintf(sessionLogWriter, "%s %s: %s\n", timestamp, level, message)
	}
}

// Debugf prints debug information.
// Always writes to the session log (if open); prints to stdout only when
// debug mode is enabled.
func Debugf(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	writeSessionLine("DEBUG", message)
	if debugEnabled {
		_, _ = fmt.Printf("DEBUG: %s\n", message)
	}
}

// Debugln is the Println form of Debugf.
func Debugln(args ...any) {
	message := fmt.Sprint(args...)
	writeSessionLine("DEBUG", message)
	if debugEnabled {
		_, _ = fmt.Print("DEBUG: ")
		_, _ = fmt.Println(args...)
	}
}

// Warnf reports a tolerated anomaly such as a clock wrap. It is printed
// whether or not debug mode is enabled.
func Warnf(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	writeSessionLine("WARN", message)
	_, _ = fmt.Fprintf(warnWriter, "WARN: %s\n", message)
}

// SetDebugEnabled allows programmatic control of debug logging.
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}
