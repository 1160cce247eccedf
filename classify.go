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

import "fmt"

// ClassificationIssue is one sent/received pair whose type or data is not
// in the accepted set of its test case.
type ClassificationIssue struct {
	Expected []string `yaml:"expected"`
	Received string   `yaml:"received"`
	Data     string   `yaml:"data,omitempty"`
	Index    int      `yaml:"index"`
}

// DataWarning is an accepted data variant that a correct encoder would not
// produce.
type DataWarning struct {
	Received string `yaml:"received"`
	Correct  string `yaml:"correct"`
	Index    int    `yaml:"index"`
}

// ClassificationReport collects every classification finding of one run.
type ClassificationReport struct {
	Issues   []ClassificationIssue `yaml:"issues,omitempty"`
	Warnings []DataWarning         `yaml:"warnings,omitempty"`
	Checked  int                   `yaml:"checked"`
	Passed   bool                  `yaml:"passed"`
}

func (r *ClassificationReport) verdict() error {
	r.Passed = len(r.Issues) == 0
	if r.Passed {
		return nil
	}
	return fmt.Errorf("%w: %d of %d frames", ErrClassificationMismatch, len(r.Issues), r.Checked)
}

// ValidateFrameTypes checks every observed frame type against the success
// types of its test case. All mismatches are collected before failing.
func ValidateFrameTypes(cases []PollingFrameTestCase, frames []ObservedFrame) (*ClassificationReport, error) {
	if err := checkCounts(cases, frames, nil); err != nil {
		return nil, err
	}

	report := &ClassificationReport{Checked: len(frames)}
	for idx, tc := range cases {
		frame := frames[idx]
		if tc.Accepts(frame.Type) {
			continue
		}
		expected := make([]string, 0, len(tc.SuccessTypes))
		for _, t := range tc.SuccessTypes {
			expected = append(expected, string(t))
		}
		report.Issues = append(report.Issues, ClassificationIssue{
			Index:    idx,
			Expected: expected,
			Received: string(frame.Type),
			Data:     frame.HexData(),
		})
	}
	return report, report.verdict()
}

// ValidateFrameData checks every observed payload against the expected data
// of its test case. Accepted padded variants are recorded as warnings and
// logged; they never fail the check.
func ValidateFrameData(cases []PollingFrameTestCase, frames []ObservedFrame) (*ClassificationReport, error) {
	if err := checkCounts(cases, frames, nil); err != nil {
		return nil, err
	}

	report := &ClassificationReport{Checked: len(frames)}
	for idx, tc := range cases {
		data := frames[idx].HexData()
		if !tc.AcceptsData(data) {
			report.Issues = append(report.Issues, ClassificationIssue{
				Index:    idx,
				Expected: tc.ExpectedData,
				Received: data,
			})
			continue
		}
		if tc.IsWarningData(data) {
			Warnf("Polling frame data variation '%s' is accepted but not correct %s", data, tc.HexData())
			report.Warnings = append(report.Warnings, DataWarning{
				Index:    idx,
				Received: data,
				Correct:  tc.HexData(),
			})
		}
	}
	return report, report.verdict()
}
