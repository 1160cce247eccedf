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
	"math"
)

// MissingGain is the mean recorded for a frame type with no gain samples at
// a power level. It compares below every real gain, and equal to itself.
var MissingGain = math.Inf(-1)

// DefaultPowerLevels is the output power sweep, in percent.
func DefaultPowerLevels() []int {
	return []int{0, 20, 40, 60, 80, 100}
}

// GainLevel is the per-type mean vendor specific gain at one power level.
type GainLevel struct {
	Means map[FrameType]float64 `yaml:"means"`
	Power int                   `yaml:"power"`
}

// Mean returns the mean for t, MissingGain when t has no entry.
func (l GainLevel) Mean(t FrameType) float64 {
	if m, ok := l.Means[t]; ok {
		return m
	}
	return MissingGain
}

// MeanGains averages the gain of the frames of every protocol type. Frames
// without a gain value do not contribute.
func MeanGains(power int, frames []ObservedFrame) GainLevel {
	level := GainLevel{Power: power, Means: make(map[FrameType]float64, len(ProtocolFrameTypes))}
	for _, t := range ProtocolFrameTypes {
		var sum, n int
		for _, f := range frames {
			if f.Type != t || f.Gain == nil {
				continue
			}
			sum += *f.Gain
			n++
		}
		if n == 0 {
			level.Means[t] = MissingGain
			continue
		}
		level.Means[t] = float64(sum) / float64(n)
	}
	return level
}

// GainReport is the per-type per-level mean table of a sweep.
type GainReport struct {
	Regression *GainRegressionError `yaml:"-"`
	Levels     []GainLevel          `yaml:"levels"`
	Passed     bool                 `yaml:"passed"`
}

// CheckGainMonotonic verifies that, for every protocol type, the mean gain
// never decreases from one level to the next. levels must be in ascending
// power order. Levels are scanned in order, types in A, B, F order within
// a level; the first decreasing pair fails the check.
func CheckGainMonotonic(levels []GainLevel) (*GainReport, error) {
	report := &GainReport{Levels: levels, Passed: true}
	for idx := 1; idx < len(levels); idx++ {
		for _, t := range ProtocolFrameTypes {
			prev, cur := levels[idx-1].Mean(t), levels[idx].Mean(t)
			if cur >= prev {
				continue
			}
			report.Passed = false
			report.Regression = &GainRegressionError{
				Type:          t,
				PreviousLevel: idx - 1,
				Level:         idx,
				PreviousPower: levels[idx-1].Power,
				Power:         levels[idx].Power,
				PreviousMean:  prev,
				Mean:          cur,
			}
			return report, report.Regression
		}
	}
	Debugf("Polling frame gain results %v", levels)
	return report, nil
}

func formatGain(mean float64) string {
	if math.IsInf(mean, -1) {
		return "none"
	}
	return fmt.Sprintf("%.2f", mean)
}
