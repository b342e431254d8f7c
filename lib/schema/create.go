// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"
)

// Document normalizes a request payload into plain JSON. The payload
// may be a JSON(C) document, or a JSON string whose contents are one
// (text envelopes from older clients quote the file they read).
func Document(payload []byte) (json.RawMessage, error) {
	stripped := bytes.TrimSpace(jsonc.ToJSON(payload))
	if len(stripped) > 0 && stripped[0] == '"' {
		var inner string
		if err := json.Unmarshal(stripped, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		stripped = bytes.TrimSpace(jsonc.ToJSON([]byte(inner)))
	}
	if len(stripped) == 0 || !json.Valid(stripped) {
		return nil, fmt.Errorf("%w: not a JSON document", ErrMalformed)
	}

	var compacted bytes.Buffer
	if err := json.Compact(&compacted, stripped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return compacted.Bytes(), nil
}

// Creation is a parsed create request. Only the fields the control
// plane inspects are decoded; Raw keeps the whole document for the
// pipe_info echo.
type Creation struct {
	// PipeNum is the number of pipelines to start.
	PipeNum int

	// Config and Launch are handed to each worker after it announces.
	Config json.RawMessage
	Launch json.RawMessage

	Raw json.RawMessage
}

// ParseCreate parses a create payload. command_create.pipe_num must be
// an integer of at least 1.
func ParseCreate(payload []byte) (Creation, error) {
	document, err := Document(payload)
	if err != nil {
		return Creation{}, err
	}

	var fields struct {
		CommandCreate *struct {
			PipeNum *int `json:"pipe_num"`
		} `json:"command_create"`
		Config json.RawMessage `json:"Config"`
		Launch json.RawMessage `json:"Launch"`
	}
	if err := json.Unmarshal(document, &fields); err != nil {
		return Creation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields.CommandCreate == nil || fields.CommandCreate.PipeNum == nil {
		return Creation{}, fmt.Errorf("%w: command_create.pipe_num missing", ErrMalformed)
	}
	if *fields.CommandCreate.PipeNum < 1 {
		return Creation{}, fmt.Errorf("%w: command_create.pipe_num is %d", ErrMalformed, *fields.CommandCreate.PipeNum)
	}

	return Creation{
		PipeNum: *fields.CommandCreate.PipeNum,
		Config:  fields.Config,
		Launch:  fields.Launch,
		Raw:     document,
	}, nil
}

// ConfigFrame returns the worker Config frame payload: the JSON
// encoding of the Config member, or nil when it is absent.
func (c Creation) ConfigFrame() []byte {
	if len(c.Config) == 0 {
		return nil
	}
	return []byte(c.Config)
}

// LaunchFrame returns the worker Launch frame payload. A string Launch
// member (a pipeline description) is sent as its text; any other JSON
// value is sent as JSON.
func (c Creation) LaunchFrame() []byte {
	if len(c.Launch) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(c.Launch, &text); err == nil {
		return []byte(text)
	}
	return []byte(c.Launch)
}
