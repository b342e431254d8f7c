// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the control channel client used by the hddl CLI.
//
// A [Client] owns one WebSocket connection. A background goroutine
// reads every server message, records the model ledgers (checkSum) and
// the client's pipe ids (pipe_id, pipe_delete), and delivers the
// message on [Client.Messages]. [Client.Await] consumes messages until
// a caller-supplied condition holds.
//
// Requests go out the way the server's request files are sent: create,
// destroy, and property documents as checksum transfers, and model
// files as model transfers planned by [PlanUploads], which skips every
// file whose digest the server ledger already records.
package client
