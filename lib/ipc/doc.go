// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the frame protocol between the control server and
// pipeline worker processes, and a connection type used by both sides.
//
// Workers are spawned with the server's IPC socket path and their
// pipeline id. The exchange is:
//
//  1. The worker dials the socket and sends a [TypePipeID] frame
//     carrying its pipeline id (the announcement).
//  2. The server replies with a [TypeConfig] frame and then a
//     [TypeLaunch] frame built from the pipeline's creation payload.
//  3. The server forwards [TypeProperty] and [TypeDestroy] frames as
//     clients request them; the worker sends output frames
//     ([TypeMetaImage], [TypeMetaText], [TypeError]) at any time.
//
// Frames are CBOR values encoded with lib/codec. CBOR is self-delimiting,
// so the stream needs no additional framing.
package ipc
