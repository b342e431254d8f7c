// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for HDDL packages.
//
// [SocketDir] creates a short directory under /tmp for Unix domain
// sockets, whose paths are limited to 108 bytes. [RequireReceive] and
// [RequireClosed] wrap the select-with-timeout pattern so tests do not
// hang when an expected event never arrives. [WriteScript] writes an
// executable shell script, used to stand in for a pipeline worker.
//
// All helpers call t.Fatalf on failure.
package testutil
