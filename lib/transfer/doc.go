// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer implements the checksum transfer protocol used to
// stream files over the control channel.
//
// One transfer is one binary message made of three parts:
//
//	header  := JSON object, then the Sentinel byte (0x01)
//	body    := file content, any number of frames
//	trailer := the Sentinel byte, then the lowercase hex digest of body
//
// The header and body frames are non-final; the trailer ends the
// message. The sender hashes exactly the body bytes as it reads them,
// so the digest does not depend on how the transport splits frames.
//
// The [Decoder] is frame-boundary independent. The header ends at the
// first Sentinel (JSON text never contains a raw 0x01), and the last
// 1+HexLen bytes of the message are the trailer, so the decoder holds
// that many bytes back from the body until the message ends. It can be
// fed explicit frames with [Decoder.Feed] or a whole message reader
// with [Receive].
//
// The body goes to a [Sink] chosen by the caller once the header is
// known. Every transfer ends with exactly one of Sink.Commit (digest
// verified) or Sink.Abort (truncated stream, digest mismatch, write
// failure, or cancellation).
package transfer
