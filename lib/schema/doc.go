// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the JSON envelope exchanged with control
// clients over the admin and data connections.
//
// Every message has the shape
//
//	{"headers": {"method": "...", "pipe_id": 3, "code": 200}, "payload": ..., "code": 200}
//
// Requests carry one of the request methods ([MethodText],
// [MethodCreate], [MethodDestroy], [MethodProperty], [MethodModel]).
// The server answers with text replies (code inside headers) and
// protocol notifications ([MethodPipeID], [MethodPipeDelete],
// [MethodPipeInfo], [MethodCheckSum], [MethodError]) whose code sits at
// the top level. Relayed worker output has no method; its headers carry
// the IPC frame type and the originating pipe id instead.
//
// Request payloads are JSON documents authored by operators. They are
// parsed as JSONC, so comments and trailing commas are accepted.
package schema
