// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Method is the closed set of envelope methods.
type Method string

const (
	MethodText     Method = "text"
	MethodCreate   Method = "create"
	MethodDestroy  Method = "destroy"
	MethodProperty Method = "property"
	MethodModel    Method = "model"

	MethodPipeID     Method = "pipe_id"
	MethodPipeDelete Method = "pipe_delete"
	MethodCheckSum   Method = "checkSum"
	MethodPipeInfo   Method = "pipe_info"
	MethodError      Method = "error"
)

// IsRequest reports whether m is a method clients may send.
func (m Method) IsRequest() bool {
	switch m {
	case MethodText, MethodCreate, MethodDestroy, MethodProperty, MethodModel:
		return true
	}
	return false
}

// ErrMalformed is returned for envelopes and payloads that do not parse.
var ErrMalformed = errors.New("malformed payload")

// PipeID is a pipe id in message headers. Clients send it either as a
// JSON number or as a numeric string.
type PipeID int

// UnmarshalJSON accepts 7 and "7".
func (id *PipeID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		data = []byte(text)
	}
	value, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("pipe_id %q is not an integer", data)
	}
	*id = PipeID(value)
	return nil
}

// Pipe returns a header pointer for id.
func Pipe(id int) *PipeID {
	value := PipeID(id)
	return &value
}

// Headers is the routing part of an envelope.
type Headers struct {
	Method Method  `json:"method,omitempty"`
	PipeID *PipeID `json:"pipe_id,omitempty"`
	Code   int     `json:"code,omitempty"`
	Path   string  `json:"path,omitempty"`
	// Type is the IPC frame type on relayed worker output.
	Type *int `json:"type,omitempty"`
}

// Pipe returns the header pipe id and whether one was present.
func (h Headers) Pipe() (int, bool) {
	if h.PipeID == nil {
		return 0, false
	}
	return int(*h.PipeID), true
}

// Message is one control envelope.
type Message struct {
	Headers Headers         `json:"headers"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Code    int             `json:"code,omitempty"`
}

// Decode parses a control envelope. Messages without a headers object
// are malformed.
func Decode(data []byte) (Message, error) {
	var shape struct {
		Headers json.RawMessage `json:"headers"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(shape.Headers) == 0 || bytes.Equal(shape.Headers, []byte("null")) {
		return Message{}, fmt.Errorf("%w: missing headers", ErrMalformed)
	}

	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return message, nil
}

// Encode returns the JSON form of m.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// PayloadText returns the payload as text: the value of a JSON string
// payload, or the raw JSON otherwise.
func (m Message) PayloadText() string {
	var text string
	if err := json.Unmarshal(m.Payload, &text); err == nil {
		return text
	}
	return string(m.Payload)
}
