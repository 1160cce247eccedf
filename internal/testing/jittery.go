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

package testing

import (
	"io"
	"math/rand/v2"
)

// JitterConfig configures JitteryConnection.
type JitterConfig struct {
	// Seed makes the fragment sizes reproducible; zero picks a random seed.
	Seed uint64
	// MaxFragment caps the bytes returned per Read; zero means no cap.
	MaxFragment int
	// USBBoundary splits reads at 64 byte boundaries like full speed USB
	// serial bridges do.
	USBBoundary bool
}

// JitteryConnection wraps an io.ReadWriter and hands reads back in random
// fragments, the way USB-UART bridges deliver a frame in pieces. No data is
// lost: bytes read from the backend beyond the fragment are buffered.
type JitteryConnection struct {
	backend io.ReadWriter
	rng     *rand.Rand
	pending []byte
	config  JitterConfig
	offset  int
}

// NewJitteryConnection wraps backend.
func NewJitteryConnection(backend io.ReadWriter, config JitterConfig) *JitteryConnection {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64() //nolint:gosec // Test code, not crypto
	}
	return &JitteryConnection{
		backend: backend,
		config:  config,
		rng:     rand.New(rand.NewPCG(seed, seed^0xDEADBEEF)), //nolint:gosec // Test code, not crypto
	}
}

// Write passes writes through unchanged.
func (j *JitteryConnection) Write(data []byte) (int, error) {
	return j.backend.Write(data) //nolint:wrapcheck // Pass-through wrapper
}

// Read returns between one byte and the buffered amount.
func (j *JitteryConnection) Read(buf []byte) (int, error) {
	if len(j.pending) == 0 {
		tmp := make([]byte, 512)
		n, err := j.backend.Read(tmp)
		if err != nil || n == 0 {
			return 0, err //nolint:wrapcheck // Pass-through wrapper
		}
		j.pending = append(j.pending, tmp[:n]...)
	}

	n := min(len(buf), len(j.pending))
	if j.config.MaxFragment > 0 {
		n = min(n, j.config.MaxFragment)
	}
	if j.config.USBBoundary {
		n = min(n, 64-j.offset%64)
	}
	if n > 1 {
		n = 1 + j.rng.IntN(n)
	}

	copy(buf, j.pending[:n])
	j.pending = j.pending[n:]
	j.offset += n
	return n, nil
}
