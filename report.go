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
	"time"

	"gopkg.in/yaml.v3"
)

// SentFrame is one test case as recorded in a FrameStats dump.
type SentFrame struct {
	Name          string      `yaml:"name"`
	Data          string      `yaml:"data"`
	Configuration string      `yaml:"configuration"`
	SuccessTypes  []FrameType `yaml:"success_types"`
	// HostTimestamp is the bracket midpoint in microseconds since the first
	// bracket started, nil when no bracket was recorded for the case.
	HostTimestamp *int64 `yaml:"host_timestamp,omitempty"`
	Index         int    `yaml:"index"`
}

// ReceivedFrame is one observed frame as recorded in a FrameStats dump.
type ReceivedFrame struct {
	Type      FrameType `yaml:"type"`
	Data      string    `yaml:"data"`
	Timestamp int64     `yaml:"timestamp"`
	Gain      *int      `yaml:"vendor_specific_gain,omitempty"`
	Index     int       `yaml:"index"`
}

// FrameStats is the full sent versus received dump attached to a frame
// count mismatch.
type FrameStats struct {
	Sent          []SentFrame     `yaml:"sent"`
	Received      []ReceivedFrame `yaml:"received"`
	SentCount     int             `yaml:"sent_count"`
	ReceivedCount int             `yaml:"received_count"`
}

// NewFrameStats builds the dump. timings may be nil or shorter than cases.
func NewFrameStats(cases []PollingFrameTestCase, frames []ObservedFrame, timings []TimingSample) *FrameStats {
	stats := &FrameStats{
		Sent:          make([]SentFrame, 0, len(cases)),
		Received:      make([]ReceivedFrame, 0, len(frames)),
		SentCount:     len(cases),
		ReceivedCount: len(frames),
	}

	for idx, tc := range cases {
		sent := SentFrame{
			Index:         idx,
			Name:          tc.Name,
			Data:          tc.HexData(),
			Configuration: tc.Configuration.String(),
			SuccessTypes:  tc.SuccessTypes,
		}
		if idx < len(timings) {
			us := timings[idx].Midpoint().Sub(timings[0].Start).Microseconds()
			sent.HostTimestamp = &us
		}
		stats.Sent = append(stats.Sent, sent)
	}

	for idx, f := range frames {
		stats.Received = append(stats.Received, ReceivedFrame{
			Index:     idx,
			Type:      f.Type,
			Data:      f.HexData(),
			Timestamp: f.Timestamp,
			Gain:      f.Gain,
		})
	}
	return stats
}

// WriteReport encodes a report (or any yaml-tagged diagnostic value) to w.
func WriteReport(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to flush report: %w", err)
	}
	return nil
}

// MarshalDurations encodes v and rewrites the named top level duration fields
// in time.Duration string form ("1.5s"), which decoding reads back. yaml.v3
// writes a bare time.Duration as integer nanoseconds. v must not implement
// yaml.Marshaler itself; callers pass a conversion to a plain type.
func MarshalDurations(v any, durations map[string]time.Duration) (*yaml.Node, error) {
	var node yaml.Node
	if err := node.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode durations: %w", err)
	}
	if node.Kind != yaml.MappingNode {
		return &node, nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		d, ok := durations[node.Content[i].Value]
		if !ok {
			continue
		}
		node.Content[i+1] = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: d.String()}
	}
	return &node, nil
}
