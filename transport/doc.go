// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries the control channel between remote clients
// and hddl-server: WebSocket connections over mutually authenticated
// TLS.
//
// Every client presents a certificate signed by the configured CA
// ([ServerTLSConfig] sets RequireAndVerifyClientCert). The URL path
// chooses the connection role: /admin connections create and manage
// pipelines and upload models, /data connections receive relayed
// worker output. Text messages carry JSON control envelopes
// ([Conn.Send]); binary messages carry checksum transfers, written
// frame by frame through a [MessageWriter] and read as a stream with
// [Conn.Read].
//
// [TLSListener] implements [Listener] for the server, [Handler] turns
// upgraded requests into [Conn] values, and [Dial] is the client side
// used by the hddl CLI and the tests. Each connection gets a UUID
// identity; the client certificate subject is kept for logs.
package transport
