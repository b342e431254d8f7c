// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used on the local IPC socket
// between the control server and its pipeline worker processes.
//
// Two serialization formats are in use:
//
//   - JSON for the remote control channel: envelopes exchanged with
//     admin and data connections, the model ledger on disk, and the
//     creation payload echoed back to clients.
//   - CBOR for the worker IPC socket: every frame a worker reads or
//     writes is one self-delimiting CBOR value, so no length prefix or
//     separator is needed on the stream.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2). The
// same frame always produces the same bytes, which keeps test fixtures
// stable.
//
// For stream-oriented use (the IPC socket):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Types that only ever travel over IPC carry `cbor` struct tags. Types
// that also appear in JSON carry `json` tags only; fxamacker/cbor falls
// back to them when no `cbor` tag is present.
package codec
