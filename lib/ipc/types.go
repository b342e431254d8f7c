// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import "fmt"

// Type discriminates IPC frames. The numeric values are part of the
// worker protocol and must not change.
type Type int

const (
	TypeNone       Type = -1
	TypePipeCreate Type = 0
	// TypePipeID is the announcement a worker sends right after it
	// connects, naming the pipeline it was spawned for.
	TypePipeID   Type = 1
	TypeConfig   Type = 2
	TypeLaunch   Type = 3
	TypeProperty Type = 4
	TypeDestroy  Type = 5
	// TypeMetaImage and TypeMetaText carry worker output (encoded
	// frames and inference results) relayed to control clients.
	TypeMetaImage Type = 6
	TypeMetaText  Type = 7
	TypeError     Type = 8
)

var typeNames = map[Type]string{
	TypeNone:       "none",
	TypePipeCreate: "pipe_create",
	TypePipeID:     "pipe_id",
	TypeConfig:     "config",
	TypeLaunch:     "launch",
	TypeProperty:   "property",
	TypeDestroy:    "destroy",
	TypeMetaImage:  "meta_image",
	TypeMetaText:   "meta_text",
	TypeError:      "error",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Frame is one message on the IPC socket. Every frame carries the
// pipeline it belongs to; the server dispatches by PipeID alone and
// never infers the pipeline from the connection.
type Frame struct {
	Type    Type   `cbor:"type"`
	PipeID  int    `cbor:"pipe_id"`
	Payload []byte `cbor:"payload,omitempty"`
}

// Start is the configuration a worker receives after announcing.
type Start struct {
	Config []byte
	Launch []byte
}
