// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"fmt"
)

// BufferSink collects a body in memory up to Limit bytes. The server
// uses it for control requests sent over the transfer wire, whose
// payloads are small JSON documents.
type BufferSink struct {
	Limit int

	buffer    bytes.Buffer
	committed bool
	digest    string
	aborted   error
}

// NewBufferSink returns a sink that rejects bodies larger than limit.
func NewBufferSink(limit int) *BufferSink {
	return &BufferSink{Limit: limit}
}

func (s *BufferSink) Write(p []byte) (int, error) {
	if s.Limit > 0 && s.buffer.Len()+len(p) > s.Limit {
		return 0, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, s.Limit)
	}
	return s.buffer.Write(p)
}

func (s *BufferSink) Commit(digest string) error {
	s.committed = true
	s.digest = digest
	return nil
}

func (s *BufferSink) Abort(reason error) {
	s.aborted = reason
	s.buffer.Reset()
}

// Bytes returns the committed body.
func (s *BufferSink) Bytes() []byte { return s.buffer.Bytes() }

// Committed reports whether the body was verified.
func (s *BufferSink) Committed() bool { return s.committed }

// Aborted returns the abort reason, or nil.
func (s *BufferSink) Aborted() error { return s.aborted }
