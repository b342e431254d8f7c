// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hddl-foundation/hddl/lib/ipc"
	"github.com/hddl-foundation/hddl/lib/netutil"
	"github.com/hddl-foundation/hddl/lib/registry"
	"github.com/hddl-foundation/hddl/lib/schema"
	"github.com/hddl-foundation/hddl/transport"
)

// serveConnection runs one control connection: messages are handled
// strictly in arrival order. When it returns the coordinator releases
// the connection's pipelines.
func (s *Server) serveConnection(ctx context.Context, conn *transport.Conn) {
	logger := s.logger.With("connection_id", conn.ID(), "role", conn.Role())
	logger.Info("control connection opened", "remote", conn.RemoteAddr(), "subject", conn.Subject())

	s.registry.AttachConnection(conn)
	defer s.post(connectionClosed{connection: conn})

	if conn.Role() == registry.RoleAdmin {
		s.sendLedgers(ctx, conn)
	}

	for {
		binary, reader, err := conn.Read(ctx)
		if err != nil {
			if netutil.IsExpectedCloseError(err) {
				logger.Info("control connection closed")
			} else {
				logger.Warn("control connection failed", "error", err)
			}
			return
		}

		switch {
		case conn.Role() == registry.RoleData:
			// Data connections only receive.
		case binary:
			s.receiveTransfer(ctx, conn, reader)
		default:
			s.receiveText(ctx, conn, reader)
		}
		if _, err := io.Copy(io.Discard, reader); err != nil {
			logger.Warn("discarding message remainder", "error", err)
			return
		}
	}
}

// receiveText reads and dispatches one text envelope.
func (s *Server) receiveText(ctx context.Context, conn registry.Connection, reader io.Reader) {
	data, err := io.ReadAll(io.LimitReader(reader, s.options.MaxPayloadBytes+1))
	if err != nil {
		return
	}
	if int64(len(data)) > s.options.MaxPayloadBytes {
		s.logger.Warn("control message too large", "connection_id", conn.ID(), "limit", s.options.MaxPayloadBytes)
		s.replyError(ctx, conn, fmt.Errorf("%w: message exceeds %d bytes", ErrMalformedPayload, s.options.MaxPayloadBytes))
		return
	}
	message, err := schema.Decode(data)
	if err != nil {
		s.logger.Warn("malformed control message", "connection_id", conn.ID(), "error", err)
		s.replyError(ctx, conn, err)
		return
	}
	s.handleMessage(ctx, conn, message)
}

// handleMessage dispatches one envelope by method.
func (s *Server) handleMessage(ctx context.Context, conn registry.Connection, message schema.Message) {
	switch message.Headers.Method {
	case schema.MethodText:
		s.logger.Info("text from client", "connection_id", conn.ID(), "text", message.PayloadText())
		s.send(ctx, conn, message)
	case schema.MethodCreate:
		s.handleCreate(ctx, conn, message)
	case schema.MethodDestroy:
		s.handleDestroy(ctx, conn, message)
	case schema.MethodProperty:
		s.handleProperty(ctx, conn, message)
	case schema.MethodModel:
		s.replyError(ctx, conn, fmt.Errorf("%w: model uploads must be sent as transfer messages", ErrMalformedPayload))
	default:
		s.metrics.unknownMethods.Inc()
		s.logger.Warn("unknown method dropped", "connection_id", conn.ID(), "method", message.Headers.Method)
	}
}

func (s *Server) handleCreate(ctx context.Context, conn registry.Connection, message schema.Message) {
	creation, err := schema.ParseCreate(message.Payload)
	if err != nil {
		s.logger.Warn("rejecting create request", "connection_id", conn.ID(), "error", err)
		s.replyError(ctx, conn, err)
		return
	}
	if creation.PipeNum > s.options.MaxPipesPerRequest {
		s.logger.Warn("rejecting create request", "connection_id", conn.ID(),
			"pipe_num", creation.PipeNum, "limit", s.options.MaxPipesPerRequest)
		s.replyError(ctx, conn, fmt.Errorf("%w: command_create.pipe_num %d exceeds %d",
			ErrMalformedPayload, creation.PipeNum, s.options.MaxPipesPerRequest))
		return
	}

	for range creation.PipeNum {
		pipeID := s.registry.AllocatePipeID()
		if err := s.startPipeline(conn.ID(), pipeID, creation); err != nil {
			s.metrics.spawnFailures.Inc()
			s.logger.Error("starting worker failed", "pipe_id", pipeID, "connection_id", conn.ID(), "error", err)
			s.send(ctx, conn, schema.Error(http.StatusInternalServerError, &pipeID, fmt.Sprintf("pipe %d: %v", pipeID, err)))
			continue
		}
		s.send(ctx, conn, schema.PipeCreated(pipeID))
		s.send(ctx, conn, schema.PipeIDs(s.registry.OwnedPipes(conn.ID())))
		s.send(ctx, conn, schema.PipeInfo(pipeID, creation.Raw))
	}
}

func (s *Server) handleDestroy(ctx context.Context, conn registry.Connection, message schema.Message) {
	if _, err := schema.Document(message.Payload); err != nil {
		s.replyError(ctx, conn, err)
		return
	}
	if !s.registry.HasPipes(conn.ID()) {
		s.replyError(ctx, conn, fmt.Errorf("%w: client %s has no pipes yet", ErrNotFound, conn.ID()))
		return
	}
	pipeID, ok := message.Headers.Pipe()
	if !ok {
		s.replyError(ctx, conn, fmt.Errorf("%w: pipe_id missing", ErrNotFound))
		return
	}
	if !s.registry.Owns(conn.ID(), pipeID) {
		s.replyError(ctx, conn, fmt.Errorf("%w: pipe %d not exists", ErrNotFound, pipeID))
		return
	}

	pipeline, released := s.release(pipeID)
	if !released {
		// The worker exited between the ownership check and here; the
		// exit already notified the client.
		return
	}
	s.logger.Info("destroying pipeline", "pipe_id", pipeID, "connection_id", conn.ID())
	s.destroyWorker(pipeline, "destroy")
	s.send(ctx, conn, schema.PipeDelete(pipeID))
}

func (s *Server) handleProperty(ctx context.Context, conn registry.Connection, message schema.Message) {
	document, err := schema.Document(message.Payload)
	if err != nil {
		s.replyError(ctx, conn, err)
		return
	}
	pipeID, ok := message.Headers.Pipe()
	if !ok {
		s.replyError(ctx, conn, fmt.Errorf("%w: pipe_id missing", ErrNotFound))
		return
	}

	peer, ok := s.registry.Peer(pipeID)
	if !ok {
		s.metrics.peerUnavailable.WithLabelValues("property").Inc()
		s.logger.Warn("property for pipeline without ipc peer dropped",
			"pipe_id", pipeID,
			"connection_id", conn.ID(),
			"error", ErrPeerUnavailable,
		)
		return
	}
	if err := peer.Send(ipc.Frame{Type: ipc.TypeProperty, PipeID: pipeID, Payload: document}); err != nil {
		s.logger.Warn("forwarding property failed", "pipe_id", pipeID, "error", err)
	}
}

// replyError sends the reply err maps to. Request errors get a text
// reply; server failures get an error message.
func (s *Server) replyError(ctx context.Context, conn registry.Connection, err error) {
	code := replyCode(err)
	switch classify(err) {
	case ErrPeerUnavailable:
		return
	case ErrMalformedPayload:
		s.send(ctx, conn, schema.Text(code, ErrMalformedPayload.Error()))
	case ErrNotFound:
		s.send(ctx, conn, schema.Text(code, strings.TrimPrefix(err.Error(), ErrNotFound.Error()+": ")))
	case ErrConflict:
		s.send(ctx, conn, schema.Text(code, err.Error()))
	default:
		s.send(ctx, conn, schema.Error(code, nil, err.Error()))
	}
}
