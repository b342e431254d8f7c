// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/hddl-foundation/hddl/lib/ledger"
	"github.com/hddl-foundation/hddl/lib/registry"
	"github.com/hddl-foundation/hddl/lib/schema"
	"github.com/hddl-foundation/hddl/lib/transfer"
)

// receiveTransfer decodes one binary transfer message. Model transfers
// are written under the storage root and recorded in the model ledger;
// any other method is buffered and handled as an ordinary message with
// the transfer body as its payload.
func (s *Server) receiveTransfer(ctx context.Context, conn registry.Connection, reader io.Reader) {
	var (
		method schema.Method
		path   string
		upload *modelUpload
		buffer *transfer.BufferSink
	)
	open := func(header transfer.Header) (transfer.Sink, error) {
		method, path = header.Method, header.Path
		if method != schema.MethodModel {
			buffer = transfer.NewBufferSink(int(s.options.MaxPayloadBytes))
			return buffer, nil
		}
		opened, err := s.openUpload(header.Path)
		if err != nil {
			return nil, err
		}
		upload = opened
		return upload, nil
	}

	result, err := transfer.Receive(reader, open, 0)
	if upload != nil {
		defer upload.release()
	}
	if err != nil {
		logger := s.logger.With("connection_id", conn.ID())
		if method == schema.MethodModel {
			s.metrics.uploads.WithLabelValues(uploadResult(err)).Inc()
			logger = logger.With("path", path)
		}
		logger.Warn("transfer failed", "method", method, "error", err)
		s.replyError(ctx, conn, err)
		return
	}

	if method != schema.MethodModel {
		s.handleMessage(ctx, conn, schema.Message{
			Headers: result.Header.Headers,
			Payload: transferPayload(buffer.Bytes()),
		})
		return
	}
	s.recordUpload(ctx, conn, upload, result)
}

// recordUpload updates and broadcasts the ledger after a model file
// was committed to disk. The upload lock is held until the ledger is
// persisted and released before any reply is sent.
func (s *Server) recordUpload(ctx context.Context, conn registry.Connection, upload *modelUpload, result transfer.Result) {
	location := upload.location
	logger := s.logger.With("path", location.path(), "connection_id", conn.ID())

	previous, snapshot, err := upload.store.Update(location.Model, location.File, result.Digest)
	upload.release()
	if err != nil {
		s.metrics.ledgerPersistFails.Inc()
		s.metrics.uploads.WithLabelValues(uploadPersistFailure).Inc()
		logger.Error("persisting model ledger", "ledger", upload.store.Path(), "error", err)
		s.send(ctx, conn, schema.Error(http.StatusInternalServerError, nil,
			fmt.Sprintf("%v: %s: %v", ErrPersistenceFailure, location.path(), err)))
		return
	}
	s.metrics.uploads.WithLabelValues(uploadOK).Inc()
	if previous == result.Digest {
		logger.Info("model file unchanged", "digest", result.Digest, "size", result.Size)
	} else {
		logger.Info("model file updated", "digest", result.Digest, "previous", previous, "size", result.Size)
	}

	encoded, err := json.Marshal(snapshot)
	if err != nil {
		logger.Error("encoding model ledger", "error", err)
		return
	}
	s.broadcast(registry.RoleAdmin, schema.CheckSum(location.Root, encoded))
}

// uploadLocation is a sanitized upload destination.
type uploadLocation struct {
	ledger.Location
	// destination is the absolute path the file is written to.
	destination string
}

func (l uploadLocation) path() string {
	return filepath.Join(l.Root, l.Model, l.File)
}

// modelUpload stages one model file as <destination>.part and renames
// it into place on commit. It holds the upload lock on the destination
// until the first call to release.
type modelUpload struct {
	location uploadLocation
	store    *ledger.Store
	release  func()
	file     *os.File
}

var _ transfer.Sink = (*modelUpload)(nil)

// openUpload validates path, takes the upload lock on its destination
// and creates the part file.
func (s *Server) openUpload(path string) (*modelUpload, error) {
	location, err := s.resolveUpload(path)
	if err != nil {
		return nil, err
	}
	release, err := s.uploads.TryAcquire(location.destination)
	if err != nil {
		return nil, fmt.Errorf("%w %s", ErrConflict, location.path())
	}

	store, err := s.ledgers.For(filepath.Join(s.options.StorageRoot, location.Root))
	if err != nil {
		release()
		return nil, fmt.Errorf("loading ledger for %s: %w", location.Root, err)
	}
	if err := os.MkdirAll(filepath.Dir(location.destination), 0755); err != nil {
		release()
		return nil, fmt.Errorf("creating model directory: %w", err)
	}
	file, err := os.OpenFile(location.destination+".part", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		release()
		return nil, fmt.Errorf("creating part file: %w", err)
	}
	return &modelUpload{location: location, store: store, release: sync.OnceFunc(release), file: file}, nil
}

// resolveUpload interprets a client path as <root>/<model>/<file>
// relative to the storage root.
func (s *Server) resolveUpload(path string) (uploadLocation, error) {
	if path == "" {
		return uploadLocation{}, fmt.Errorf("%w: model transfer without path", ErrMalformedPayload)
	}
	if filepath.IsAbs(path) {
		return uploadLocation{}, fmt.Errorf("%w: path %q is absolute", ErrMalformedPayload, path)
	}
	location, err := ledger.Locate(path)
	if err != nil {
		return uploadLocation{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return uploadLocation{
		Location:    location,
		destination: filepath.Join(s.options.StorageRoot, location.Root, location.Model, location.File),
	}, nil
}

func (u *modelUpload) Write(p []byte) (int, error) {
	return u.file.Write(p)
}

func (u *modelUpload) Commit(string) error {
	if err := u.file.Sync(); err != nil {
		return fmt.Errorf("syncing part file: %w", err)
	}
	if err := u.file.Close(); err != nil {
		return fmt.Errorf("closing part file: %w", err)
	}
	if err := os.Rename(u.file.Name(), u.location.destination); err != nil {
		return fmt.Errorf("moving part file into place: %w", err)
	}
	return nil
}

// Abort discards the part file. The destination is never touched.
func (u *modelUpload) Abort(error) {
	u.file.Close()
	os.Remove(u.file.Name())
}

// transferPayload turns a transfer body into an envelope payload: a
// JSON body is used as is, anything else becomes a JSON string.
func transferPayload(body []byte) json.RawMessage {
	if json.Valid(body) {
		return append(json.RawMessage(nil), body...)
	}
	encoded, _ := json.Marshal(string(body))
	return encoded
}

func uploadResult(err error) string {
	switch classify(err) {
	case ErrConflict:
		return uploadConflict
	case ErrDigestMismatch:
		return uploadDigestMismatch
	default:
		return uploadRejected
	}
}
