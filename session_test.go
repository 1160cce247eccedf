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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, reader *fakeReader, emulator *fakeEmulator) *Session {
	t.Helper()
	clock := newStepClock()
	reader.clock = clock
	cfg := DefaultSessionConfig()
	cfg.Clock = clock.Now
	cfg.FrameTimeout = 100 * time.Millisecond
	s, err := NewSession(reader, emulator, cfg)
	require.NoError(t, err)
	return s
}

func TestNewSession_Rejects(t *testing.T) {
	t.Parallel()
	reader, emulator := newLoopback()

	_, err := NewSession(nil, emulator, DefaultSessionConfig())
	require.Error(t, err)
	_, err = NewSession(reader, nil, DefaultSessionConfig())
	require.Error(t, err)

	cfg := DefaultSessionConfig()
	cfg.PowerLevels = []int{0, 50, 50}
	_, err = NewSession(reader, emulator, cfg)
	require.ErrorContains(t, err, "ascending")
}

func TestSessionConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultSessionConfig().Validate())

	tests := []struct {
		mutate func(*SessionConfig)
		name   string
	}{
		{name: "tolerance", mutate: func(c *SessionConfig) { c.Correlation.ToleranceMs = -1 }},
		{name: "violations", mutate: func(c *SessionConfig) { c.Correlation.MaxViolations = 0 }},
		{name: "frame timeout", mutate: func(c *SessionConfig) { c.FrameTimeout = 0 }},
		{name: "attempts", mutate: func(c *SessionConfig) { c.TransactAttempts = 0 }},
		{name: "power", mutate: func(c *SessionConfig) { c.PowerLevels = []int{0, 120} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultSessionConfig()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestSession_CheckTimestamps(t *testing.T) {
	t.Parallel()
	reader, emulator := newLoopback()
	s := newTestSession(t, reader, emulator)

	report, err := s.CheckTimestamps(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, len(TimestampTestCases())-1, report.Compared)
	assert.Empty(t, report.Violations)
	assert.Equal(t, []string{ScenarioPollingFrames.Name}, emulator.scenarios)
	assert.Equal(t, "mute", reader.Calls()[0])
}

func TestSession_CheckGain(t *testing.T) {
	t.Parallel()
	reader, emulator := newLoopback()
	s := newTestSession(t, reader, emulator)

	report, err := s.CheckGain(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Passed)
	require.Len(t, report.Levels, len(DefaultPowerLevels()))
	assert.InDelta(t, 60, report.Levels[3].Mean(FrameTypeB), 1e-9)
}

func TestSession_CheckClassification(t *testing.T) {
	t.Parallel()
	reader, emulator := newLoopback()
	s := newTestSession(t, reader, emulator)

	types, err := s.CheckFrameTypes(context.Background())
	require.NoError(t, err)
	assert.True(t, types.Passed)

	data, err := s.CheckFrameData(context.Background())
	require.NoError(t, err)
	assert.True(t, data.Passed)
	assert.Empty(t, data.Warnings)
}

func TestSession_ObserveModeUnsupported(t *testing.T) {
	t.Parallel()
	reader, emulator := newLoopback()
	emulator.caps = map[Capability]bool{}
	s := newTestSession(t, reader, emulator)

	_, err := s.CheckTimestamps(context.Background())
	require.ErrorIs(t, err, ErrObserveModeUnsupported)
	_, err = s.CheckGain(context.Background())
	require.ErrorIs(t, err, ErrObserveModeUnsupported)
	assert.Empty(t, reader.Calls())
}

func TestSession_Busy(t *testing.T) {
	t.Parallel()
	reader, emulator := newLoopback()
	s := newTestSession(t, reader, emulator)

	release, err := s.acquire()
	require.NoError(t, err)

	_, err = s.CheckFrameTypes(context.Background())
	require.ErrorIs(t, err, ErrSessionBusy)
	_, _, err = s.Transact(context.Background(), "svc")
	require.ErrorIs(t, err, ErrSessionBusy)
	require.ErrorIs(t, s.Teardown(context.Background()), ErrSessionBusy)

	release()
	_, err = s.CheckFrameTypes(context.Background())
	require.NoError(t, err)
}

func TestSession_CheckProtocolParams(t *testing.T) {
	t.Parallel()
	reader, emulator := newLoopback()
	reader.tags = []ReaderTag{nil, &fakeTag{selRes: 0x20, ats: []byte{0x05, 0x78, 0x80, 0x70, 0x02}}}
	s := newTestSession(t, reader, emulator)

	params, err := s.CheckProtocolParams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 256, params.FSC)
	assert.Equal(t, []string{ScenarioSimple.Name}, emulator.scenarios)
	assert.Equal(t, []string{"pollA", "mute", "pollA", "mute"}, reader.Calls())
}

func TestSession_CheckProtocolParams_NoTarget(t *testing.T) {
	t.Parallel()
	reader, emulator := newLoopback()
	s := newTestSession(t, reader, emulator)

	_, err := s.CheckProtocolParams(context.Background())
	require.ErrorIs(t, err, ErrTargetNotFound)
	assert.Equal(t, DefaultProtocolParamAttempts, reader.polls)
}

func TestSession_CheckProtocolParams_Invalid(t *testing.T) {
	t.Parallel()
	reader, emulator := newLoopback()
	reader.tags = []ReaderTag{&fakeTag{selRes: 0x00}}
	s := newTestSession(t, reader, emulator)

	_, err := s.CheckProtocolParams(context.Background())
	require.ErrorIs(t, err, ErrInvalidProtocolParams)
}

func TestSession_StartScenario_ReadyTimeout(t *testing.T) {
	t.Parallel()
	reader, emulator := newLoopback()
	emulator.waitErr = ErrEventTimeout
	s := newTestSession(t, reader, emulator)

	err := s.StartScenario(context.Background(), Scenario{Name: "simple", ReadyEvent: "ready"})
	require.ErrorIs(t, err, ErrEventTimeout)
	require.NoError(t, s.StartScenario(context.Background(), ScenarioSimple))
}

func TestSession_Transact(t *testing.T) {
	t.Parallel()
	commands, responses, tag := script(5)
	reader, emulator := newLoopback()
	reader.tags = []ReaderTag{tag}
	emulator.apdus["svc"] = [2][][]byte{commands, responses}
	s := newTestSession(t, reader, emulator)

	found, matched, err := s.Transact(context.Background(), "svc")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, matched)

	_, _, err = s.Transact(context.Background(), "missing")
	require.ErrorContains(t, err, "failed to get APDUs for missing")
}

func TestSession_Teardown_JoinsErrors(t *testing.T) {
	t.Parallel()
	reader, emulator := newLoopback()
	reader.resetErr = errors.New("reset failed")
	emulator.stopErr = errors.New("stop failed")
	s := newTestSession(t, reader, emulator)

	// Both collectors must run at the same time to pass the barrier.
	var barrier sync.WaitGroup
	barrier.Add(2)
	collector := func(name string, fail bool) ExcerptCollector {
		return ExcerptCollector{Name: name, Collect: func(ctx context.Context) error {
			barrier.Done()
			done := make(chan struct{})
			go func() { barrier.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(time.Second):
				return errors.New("collectors did not run concurrently")
			}
			if fail {
				return errors.New("adb unreachable")
			}
			return nil
		}}
	}

	err := s.Teardown(context.Background(), collector("device", true), collector("reader", false))
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to reset reader: reset failed")
	assert.ErrorContains(t, err, "failed to stop scenario: stop failed")
	assert.ErrorContains(t, err, "excerpt device: adb unreachable")
	assert.NotContains(t, err.Error(), "concurrently")
	assert.Equal(t, []string{"reset", "mute"}, reader.Calls())
}

func TestSession_Teardown_Clean(t *testing.T) {
	t.Parallel()
	reader, emulator := newLoopback()
	s := newTestSession(t, reader, emulator)

	require.NoError(t, s.Teardown(context.Background()))
}
