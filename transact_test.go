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
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func script(n int) (commands, responses [][]byte, tag *fakeTag) {
	tag = &fakeTag{selRes: 0x20, responses: map[string][]byte{}}
	for i := range n {
		cmd := []byte{0x80, 0xCA, 0x00, byte(i)}
		res := []byte{byte(i), 0x90, 0x00}
		commands = append(commands, cmd)
		responses = append(responses, res)
		tag.responses[hex.EncodeToString(cmd)] = res
	}
	return commands, responses, tag
}

func TestPollAndTransact_AllMatch(t *testing.T) {
	t.Parallel()

	commands, responses, tag := script(5)
	reader := &fakeReader{tags: []ReaderTag{tag}}

	found, matched, err := PollAndTransact(context.Background(), reader, commands, responses)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, matched)
	assert.Len(t, tag.sent, 5)
	assert.Equal(t, []string{"pollA", "mute"}, reader.Calls())
}

func TestPollAndTransact_TargetAbsent(t *testing.T) {
	t.Parallel()

	commands, responses, _ := script(2)
	reader := &fakeReader{}

	found, matched, err := PollAndTransact(context.Background(), reader, commands, responses, WithAttempts(3))
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, matched)
	assert.Equal(t, []string{"pollA", "mute", "pollA", "mute", "pollA", "mute"}, reader.Calls())
}

func TestPollAndTransact_FoundOnLaterAttempt(t *testing.T) {
	t.Parallel()

	commands, responses, tag := script(1)
	reader := &fakeReader{tags: []ReaderTag{nil, nil, tag}}

	found, matched, err := PollAndTransact(context.Background(), reader, commands, responses)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, matched)
	assert.Equal(t, 3, reader.polls)
}

func TestPollAndTransact_StopsAtFirstMismatch(t *testing.T) {
	t.Parallel()

	commands, responses, tag := script(5)
	responses[3] = []byte{0x6A, 0x82}
	reader := &fakeReader{tags: []ReaderTag{tag}}

	found, matched, err := PollAndTransact(context.Background(), reader, commands, responses)
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, matched)
	assert.Len(t, tag.sent, 4)
}

func TestPollAndTransact_LengthMismatch(t *testing.T) {
	t.Parallel()

	commands, responses, tag := script(3)
	reader := &fakeReader{tags: []ReaderTag{tag}}

	_, _, err := PollAndTransact(context.Background(), reader, commands, responses[:2])
	require.ErrorIs(t, err, ErrAPDUListMismatch)
	assert.Empty(t, reader.Calls())
}

func TestPollAndTransact_TransceiveError(t *testing.T) {
	t.Parallel()

	commands, responses, tag := script(2)
	tag.err = errors.New("card removed")
	reader := &fakeReader{tags: []ReaderTag{tag}}

	found, matched, err := PollAndTransact(context.Background(), reader, commands, responses)
	require.ErrorIs(t, err, ErrTransactionFailed)
	assert.ErrorContains(t, err, "card removed")
	assert.True(t, found)
	assert.False(t, matched)
	assert.Contains(t, reader.Calls(), "mute")
}

func TestPollAndTransact_PollError(t *testing.T) {
	t.Parallel()

	commands, responses, _ := script(1)
	reader := &fakeReader{pollErr: errors.New("rf failure")}

	found, _, err := PollAndTransact(context.Background(), reader, commands, responses)
	require.ErrorContains(t, err, "discovery attempt 1 failed: rf failure")
	assert.False(t, found)
}

func TestPollAndTransact_TypeB(t *testing.T) {
	t.Parallel()

	commands, responses, tag := script(1)
	reader := &fakeReader{tags: []ReaderTag{tag}}

	found, matched, err := PollAndTransact(context.Background(), reader, commands, responses, WithTypeB(0x00))
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, matched)
	assert.Equal(t, "pollB", reader.Calls()[0])
}

func TestDiscover_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Discover(ctx, &fakeReader{}, DefaultTransactOptions())
	require.ErrorIs(t, err, context.Canceled)
}

func TestCreateSelectAPDU(t *testing.T) {
	t.Parallel()

	apdu := CreateSelectAPDU([]byte{0xA0, 0x00, 0x00, 0x00, 0x03})
	assert.Equal(t, []byte{0x00, 0xA4, 0x04, 0x00, 0x05, 0xA0, 0x00, 0x00, 0x00, 0x03, 0x00}, apdu)
}
