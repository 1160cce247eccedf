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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProtocolParams_FullATS(t *testing.T) {
	t.Parallel()

	params, err := ParseProtocolParams(0x20, []byte{0x07, 0x78, 0x80, 0x71, 0x03, 0xC1, 0x05})
	require.NoError(t, err)
	assert.Equal(t, byte(8), params.FSCI)
	assert.Equal(t, 256, params.FSC)
	require.NotNil(t, params.TA)
	assert.Equal(t, byte(0x80), *params.TA)
	assert.Equal(t, byte(7), params.FWI)
	assert.Equal(t, byte(1), params.SFGI)
	assert.True(t, params.NADSupported)
	assert.True(t, params.CIDSupported)
	assert.Equal(t, []byte{0xC1, 0x05}, params.HistoricalBytes)
	assert.InDelta(t, float64(38666*time.Microsecond), float64(params.FWT), float64(10*time.Microsecond))
	assert.InDelta(t, float64(604*time.Microsecond), float64(params.SFGT), float64(time.Microsecond))
}

func TestParseProtocolParams_Defaults(t *testing.T) {
	t.Parallel()

	params, err := ParseProtocolParams(0x20, []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, 32, params.FSC)
	assert.Equal(t, byte(4), params.FWI)
	assert.Zero(t, params.SFGI)
	assert.True(t, params.CIDSupported)
	assert.False(t, params.NADSupported)
	assert.Nil(t, params.TA)
	assert.InDelta(t, float64(4833*time.Microsecond), float64(params.FWT), float64(10*time.Microsecond))
}

func TestParseProtocolParams_OnlyT0(t *testing.T) {
	t.Parallel()

	params, err := ParseProtocolParams(0x28, []byte{0x02, 0x05})
	require.NoError(t, err)
	assert.Equal(t, 64, params.FSC)
	assert.Equal(t, byte(4), params.FWI)
	assert.Empty(t, params.HistoricalBytes)
}

func TestParseProtocolParams_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		want   string
		ats    []byte
		selRes byte
	}{
		{name: "uid incomplete", selRes: 0x24, ats: []byte{0x01}, want: "incomplete UID"},
		{name: "no iso-dep", selRes: 0x08, ats: []byte{0x01}, want: "does not announce ISO-DEP"},
		{name: "missing ats", selRes: 0x20, want: "ATS missing"},
		{name: "length", selRes: 0x20, ats: []byte{0x05, 0x78}, want: "ATS length byte 5, received 2 bytes"},
		{name: "reserved bit", selRes: 0x20, ats: []byte{0x02, 0x80}, want: "reserved bit"},
		{name: "fsci", selRes: 0x20, ats: []byte{0x02, 0x0D}, want: "FSCI 13 is reserved"},
		{name: "truncated", selRes: 0x20, ats: []byte{0x03, 0x70, 0x80}, want: "announces TB but ends early"},
		{name: "fwi", selRes: 0x20, ats: []byte{0x03, 0x20, 0xF0}, want: "FWI 15 exceeds 14"},
		{name: "sfgi", selRes: 0x20, ats: []byte{0x03, 0x20, 0x0F}, want: "SFGI 15 exceeds 14"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseProtocolParams(tt.selRes, tt.ats)
			require.ErrorIs(t, err, ErrInvalidProtocolParams)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
