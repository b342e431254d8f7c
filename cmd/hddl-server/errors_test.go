// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hddl-foundation/hddl/lib/schema"
	"github.com/hddl-foundation/hddl/lib/transfer"
	"github.com/hddl-foundation/hddl/lib/uploadlock"
)

func TestReplyCode(t *testing.T) {
	for _, test := range []struct {
		name string
		err  error
		kind error
		code int
	}{
		{"schema malformed", fmt.Errorf("decoding: %w", schema.ErrMalformed), ErrMalformedPayload, 400},
		{"transfer header", transfer.ErrMalformedHeader, ErrMalformedPayload, 400},
		{"transfer truncated", fmt.Errorf("%w: no trailer", transfer.ErrTruncated), ErrMalformedPayload, 400},
		{"too large", transfer.ErrTooLarge, ErrMalformedPayload, 400},
		{"not found", fmt.Errorf("%w: pipe 3 not exists", ErrNotFound), ErrNotFound, 400},
		{"lock conflict", uploadlock.ErrConflict, ErrConflict, 409},
		{"conflict", fmt.Errorf("%w models/a/b.bin", ErrConflict), ErrConflict, 409},
		{"digest mismatch", fmt.Errorf("%w: trailer 00", transfer.ErrDigestMismatch), ErrDigestMismatch, 422},
		{"spawn", fmt.Errorf("%w: exec: not found", ErrSpawnFailure), ErrSpawnFailure, 500},
		{"persistence", ErrPersistenceFailure, ErrPersistenceFailure, 500},
		{"peer unavailable", ErrPeerUnavailable, ErrPeerUnavailable, 0},
		{"unclassified", errors.New("disk on fire"), nil, 500},
	} {
		t.Run(test.name, func(t *testing.T) {
			if test.kind != nil {
				if got := classify(test.err); got != test.kind {
					t.Errorf("classify = %v, want %v", got, test.kind)
				}
			}
			if got := replyCode(test.err); got != test.code {
				t.Errorf("replyCode = %d, want %d", got, test.code)
			}
		})
	}
	if classify(nil) != nil {
		t.Error("classify(nil) != nil")
	}
}
