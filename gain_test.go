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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeanGains(t *testing.T) {
	t.Parallel()

	level := MeanGains(40, []ObservedFrame{
		{Type: FrameTypeOn},
		{Type: FrameTypeA, Gain: Gain(10)},
		{Type: FrameTypeA, Gain: Gain(13)},
		{Type: FrameTypeA},
		{Type: FrameTypeB, Gain: Gain(-2)},
		{Type: FrameTypeUnknown, Gain: Gain(99)},
	})
	assert.Equal(t, 40, level.Power)
	assert.InDelta(t, 11.5, level.Mean(FrameTypeA), 1e-9)
	assert.InDelta(t, -2, level.Mean(FrameTypeB), 1e-9)
	assert.Equal(t, MissingGain, level.Mean(FrameTypeF))
	assert.Equal(t, MissingGain, level.Mean(FrameTypeUnknown))
}

func levelOf(power int, a, b, f float64) GainLevel {
	return GainLevel{Power: power, Means: map[FrameType]float64{FrameTypeA: a, FrameTypeB: b, FrameTypeF: f}}
}

func TestCheckGainMonotonic_Pass(t *testing.T) {
	t.Parallel()

	report, err := CheckGainMonotonic([]GainLevel{
		levelOf(0, MissingGain, MissingGain, MissingGain),
		levelOf(20, 1, MissingGain, 0),
		levelOf(40, 1, 2, 0),
		levelOf(60, 3, 2, 5),
	})
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Len(t, report.Levels, 4)
	assert.Nil(t, report.Regression)
}

func TestCheckGainMonotonic_FirstRegression(t *testing.T) {
	t.Parallel()

	report, err := CheckGainMonotonic([]GainLevel{
		levelOf(0, 1, 1, 1),
		levelOf(20, 2, 2, 0.5),
		levelOf(40, 1, 0, 0),
	})
	require.ErrorIs(t, err, ErrGainRegression)
	assert.False(t, report.Passed)

	var regression *GainRegressionError
	require.ErrorAs(t, err, &regression)
	assert.Equal(t, FrameTypeF, regression.Type)
	assert.Equal(t, 0, regression.PreviousLevel)
	assert.Equal(t, 1, regression.Level)
	assert.Equal(t, 20, regression.Power)
	assert.Same(t, report.Regression, regression)
	assert.Contains(t, err.Error(), "type F level 0 (power 0%, mean 1.00) -> level 1 (power 20%, mean 0.50)")
}

func TestCheckGainMonotonic_Table(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		levels        []GainLevel
		wantType      FrameType
		wantPrevLevel int
		wantLevel     int
		wantErr       bool
	}{
		{
			name: "empty first level then flat",
			levels: []GainLevel{
				levelOf(0, -1, -1, -1),
				levelOf(50, 5, 5, 5),
				levelOf(100, 5, 5, 5),
			},
		},
		{
			name: "type A drops at the last level",
			levels: []GainLevel{
				levelOf(0, -1, -1, -1),
				levelOf(50, 5, 5, 5),
				levelOf(100, 3, 5, 5),
			},
			wantErr:       true,
			wantType:      FrameTypeA,
			wantPrevLevel: 1,
			wantLevel:     2,
		},
		{
			name: "missing gain below any value",
			levels: []GainLevel{
				levelOf(0, MissingGain, MissingGain, MissingGain),
				levelOf(50, -1, 0, 5),
				levelOf(100, -1, 0, 5),
			},
		},
		{
			name: "both levels empty",
			levels: []GainLevel{
				levelOf(0, MissingGain, MissingGain, MissingGain),
				levelOf(50, MissingGain, MissingGain, MissingGain),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			report, err := CheckGainMonotonic(tt.levels)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.True(t, report.Passed)
				return
			}
			var regression *GainRegressionError
			require.ErrorAs(t, err, &regression)
			assert.Equal(t, tt.wantType, regression.Type)
			assert.Equal(t, tt.wantPrevLevel, regression.PreviousLevel)
			assert.Equal(t, tt.wantLevel, regression.Level)
			assert.False(t, report.Passed)
		})
	}
}

func TestCheckGainMonotonic_VanishedType(t *testing.T) {
	t.Parallel()

	_, err := CheckGainMonotonic([]GainLevel{
		levelOf(0, 1, 1, 1),
		levelOf(20, MissingGain, 1, 1),
	})
	require.ErrorIs(t, err, ErrGainRegression)
	assert.Contains(t, err.Error(), "mean none")
}

func TestCheckGainMonotonic_Empty(t *testing.T) {
	t.Parallel()

	report, err := CheckGainMonotonic(nil)
	require.NoError(t, err)
	assert.True(t, report.Passed)
}
