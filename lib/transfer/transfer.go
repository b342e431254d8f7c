// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"errors"

	"github.com/hddl-foundation/hddl/lib/schema"
)

// Sentinel separates the header from the body and introduces the
// trailer digest.
const Sentinel byte = 0x01

// DefaultChunkSize is the body frame size used by Send.
const DefaultChunkSize = 64 * 1024

// DefaultMaxHeader bounds the header JSON accepted by a Decoder.
const DefaultMaxHeader = 64 * 1024

// Header describes a transfer. It carries the control envelope headers
// (method, pipe_id, path) plus the digest algorithm name.
type Header struct {
	schema.Headers
	Digest string `json:"digest,omitempty"`
}

// FrameWriter writes one frame of a message. The last frame of a
// message is written with final set.
type FrameWriter interface {
	WriteFrame(data []byte, final bool) error
}

// Sink receives the body of one transfer.
type Sink interface {
	// Write receives body bytes in order.
	Write(p []byte) (int, error)

	// Commit is called once, after the trailer digest matched the
	// digest computed over every byte passed to Write.
	Commit(digest string) error

	// Abort is called once when the transfer fails after the sink was
	// opened. The sink must discard anything it staged.
	Abort(reason error)
}

// SinkFunc opens the sink for a transfer once its header is parsed.
// Returning an error rejects the transfer; the sink is not aborted
// because it was never opened.
type SinkFunc func(header Header) (Sink, error)

// Result summarizes a committed transfer.
type Result struct {
	Header Header
	Digest string
	Size   int64
}

var (
	// ErrMalformedHeader is returned when the header is not a JSON
	// object or names an unknown digest algorithm.
	ErrMalformedHeader = errors.New("malformed transfer header")

	// ErrHeaderTooLarge is returned when no Sentinel appears within
	// the header limit.
	ErrHeaderTooLarge = errors.New("transfer header too large")

	// ErrTruncated is returned when the message ends before a complete
	// header or trailer.
	ErrTruncated = errors.New("transfer truncated")

	// ErrDigestMismatch is returned when the trailer digest differs
	// from the digest of the received body.
	ErrDigestMismatch = errors.New("transfer digest mismatch")

	// ErrTooLarge is returned by size-limited sinks.
	ErrTooLarge = errors.New("transfer body too large")

	// ErrFinished is returned by Feed after the transfer ended.
	ErrFinished = errors.New("transfer already finished")
)
