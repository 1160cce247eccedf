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
	"bytes"
	"context"
	"fmt"
)

// DefaultTransactAttempts is the discovery attempt budget of PollAndTransact.
const DefaultTransactAttempts = 5

// TransactOptions tunes PollAndTransact.
type TransactOptions struct {
	// Attempts is the number of PollA calls made before giving up.
	Attempts int `yaml:"attempts"`
	// AFI selects Type B discovery with this AFI when UseTypeB is set.
	AFI      byte `yaml:"afi"`
	UseTypeB bool `yaml:"use_type_b"`
}

// DefaultTransactOptions returns Type A discovery with DefaultTransactAttempts.
func DefaultTransactOptions() TransactOptions {
	return TransactOptions{Attempts: DefaultTransactAttempts}
}

// TransactOption modifies TransactOptions.
type TransactOption func(*TransactOptions)

// WithAttempts sets the discovery attempt budget.
func WithAttempts(n int) TransactOption {
	return func(o *TransactOptions) { o.Attempts = n }
}

// WithTypeB discovers the target with PollB and the given AFI.
func WithTypeB(afi byte) TransactOption {
	return func(o *TransactOptions) {
		o.UseTypeB = true
		o.AFI = afi
	}
}

// Discover polls until a target answers or the attempt budget runs out,
// muting the field after every unsuccessful attempt. It returns (nil, nil)
// when no target answered.
func Discover(ctx context.Context, reader Reader, opts TransactOptions) (ReaderTag, error) {
	attempts := max(opts.Attempts, 1)
	for attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("discovery cancelled: %w", err)
		}

		var tag ReaderTag
		var err error
		if opts.UseTypeB {
			tag, err = reader.PollB(ctx, opts.AFI)
		} else {
			tag, err = reader.PollA(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("discovery attempt %d failed: %w", attempt+1, err)
		}
		if tag != nil {
			Debugf("Target found on attempt %d/%d (SAK=%02X)", attempt+1, attempts, tag.SelRes())
			return tag, nil
		}

		if err := reader.Mute(ctx); err != nil {
			return nil, fmt.Errorf("failed to mute between attempts: %w", err)
		}
	}
	Debugf("No target after %d attempts", attempts)
	return nil, nil
}

// PollAndTransact discovers a target and sends commands in order, comparing
// every response to its counterpart by exact byte equality. The exchange
// stops at the first mismatch; the remaining commands are not sent.
//
// An absent target is (false, false, nil). A failure while exchanging APDUs
// with a found target is returned as err with found set. commands and
// responses of different lengths fail before any RF activity.
func PollAndTransact(
	ctx context.Context, reader Reader, commands, responses [][]byte, opts ...TransactOption,
) (found, matched bool, err error) {
	if len(commands) != len(responses) {
		return false, false, fmt.Errorf("%w: %d commands, %d responses",
			ErrAPDUListMismatch, len(commands), len(responses))
	}

	o := DefaultTransactOptions()
	for _, opt := range opts {
		opt(&o)
	}

	tag, err := Discover(ctx, reader, o)
	if err != nil {
		return false, false, err
	}
	if tag == nil {
		return false, false, nil
	}

	matched, err = exchange(ctx, tag, commands, responses)
	if muteErr := reader.Mute(ctx); muteErr != nil && err == nil {
		err = fmt.Errorf("failed to mute after transaction: %w", muteErr)
	}
	return true, matched, err
}

func exchange(ctx context.Context, tag ReaderTag, commands, responses [][]byte) (bool, error) {
	for idx, cmd := range commands {
		resp, err := tag.Transceive(ctx, cmd)
		if err != nil {
			return false, fmt.Errorf("%w: command %d: %w", ErrTransactionFailed, idx, err)
		}
		if !bytes.Equal(resp, responses[idx]) {
			Debugf("APDU %d mismatch: sent %X, expected %X, received %X", idx, cmd, responses[idx], resp)
			return false, nil
		}
	}
	return true, nil
}

// CreateSelectAPDU builds a SELECT by name command: 00 A4 04 00 Lc AID 00.
func CreateSelectAPDU(aid []byte) []byte {
	apdu := make([]byte, 0, len(aid)+6)
	apdu = append(apdu, 0x00, 0xA4, 0x04, 0x00, byte(len(aid)))
	apdu = append(apdu, aid...)
	return append(apdu, 0x00)
}
