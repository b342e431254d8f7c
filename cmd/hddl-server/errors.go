// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"net/http"

	"github.com/hddl-foundation/hddl/lib/schema"
	"github.com/hddl-foundation/hddl/lib/transfer"
	"github.com/hddl-foundation/hddl/lib/uploadlock"
)

// Error kinds surfaced to control clients. Handlers wrap one of these
// with context and replyCode maps it to the reply code.
var (
	ErrMalformedPayload   = errors.New("json format error")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("upload in progress")
	ErrSpawnFailure       = errors.New("worker failed to start")
	ErrPeerUnavailable    = errors.New("pipeline has no ipc peer")
	ErrPersistenceFailure = errors.New("ledger not persisted")
	ErrDigestMismatch     = errors.New("digest mismatch")
)

// classify maps library errors onto the kinds above.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, schema.ErrMalformed),
		errors.Is(err, transfer.ErrMalformedHeader),
		errors.Is(err, transfer.ErrHeaderTooLarge),
		errors.Is(err, transfer.ErrTruncated),
		errors.Is(err, transfer.ErrTooLarge):
		return ErrMalformedPayload
	case errors.Is(err, uploadlock.ErrConflict):
		return ErrConflict
	case errors.Is(err, transfer.ErrDigestMismatch):
		return ErrDigestMismatch
	}
	for _, kind := range []error{
		ErrMalformedPayload, ErrNotFound, ErrConflict, ErrSpawnFailure,
		ErrPeerUnavailable, ErrPersistenceFailure, ErrDigestMismatch,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return err
}

// replyCode returns the reply code for err. ErrPeerUnavailable has no
// reply and maps to 0.
func replyCode(err error) int {
	switch classify(err) {
	case ErrMalformedPayload, ErrNotFound:
		return http.StatusBadRequest
	case ErrConflict:
		return http.StatusConflict
	case ErrDigestMismatch:
		return http.StatusUnprocessableEntity
	case ErrPeerUnavailable:
		return 0
	default:
		return http.StatusInternalServerError
	}
}
