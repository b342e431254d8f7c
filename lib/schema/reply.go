// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"fmt"
)

// CodeOK is the code on every successful reply.
const CodeOK = 200

// Text returns a text reply. The code travels inside headers.
func Text(code int, text string) Message {
	return Message{
		Headers: Headers{Method: MethodText, Code: code},
		Payload: quote(text),
	}
}

// Protocol returns a notification whose code sits at the top level.
func Protocol(headers Headers, payload json.RawMessage, code int) Message {
	return Message{Headers: headers, Payload: payload, Code: code}
}

// PipeCreated is the human-readable confirmation sent for each new
// pipeline.
func PipeCreated(pipeID int) Message {
	return Text(CodeOK, fmt.Sprintf("pipe_create %d", pipeID))
}

// PipeIDs notifies a connection of the full set of pipelines it owns.
func PipeIDs(pipeIDs []int) Message {
	return Protocol(Headers{Method: MethodPipeID}, intList(pipeIDs), CodeOK)
}

// PipeDelete notifies a connection that pipelines were removed.
func PipeDelete(pipeIDs ...int) Message {
	return Protocol(Headers{Method: MethodPipeDelete}, intList(pipeIDs), CodeOK)
}

// PipeInfo echoes the creation payload for a new pipeline.
func PipeInfo(pipeID int, creation json.RawMessage) Message {
	return Protocol(Headers{Method: MethodPipeInfo, PipeID: Pipe(pipeID)}, creation, CodeOK)
}

// CheckSum broadcasts a model ledger snapshot.
func CheckSum(path string, ledger json.RawMessage) Message {
	return Protocol(Headers{Method: MethodCheckSum, Path: path}, ledger, CodeOK)
}

// Error reports a failure that has no text reply in the request's own
// flow, such as a worker that could not be started.
func Error(code int, pipeID *int, text string) Message {
	headers := Headers{Method: MethodError}
	if pipeID != nil {
		headers.PipeID = Pipe(*pipeID)
	}
	return Protocol(headers, quote(text), code)
}

// Relay wraps a worker output frame for delivery to control clients.
// The payload bytes are carried as a base64 JSON string.
func Relay(frameType int, pipeID int, payload []byte) Message {
	encoded, _ := json.Marshal(payload)
	return Message{
		Headers: Headers{Type: &frameType, PipeID: Pipe(pipeID)},
		Payload: encoded,
	}
}

func quote(text string) json.RawMessage {
	encoded, _ := json.Marshal(text)
	return encoded
}

func intList(values []int) json.RawMessage {
	if values == nil {
		values = []int{}
	}
	encoded, _ := json.Marshal(values)
	return encoded
}
