// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/hddl-foundation/hddl/lib/registry"
	"github.com/hddl-foundation/hddl/lib/schema"
)

// outboxSize is how many messages may wait for one slow connection
// before further messages to it are dropped.
const outboxSize = 256

// outbox serializes asynchronous sends to one connection. Its goroutine
// is not tracked by Server.wait: it exits once the queue is closed and
// its in-flight send returns, and every send is bounded by the send
// timeout.
type outbox struct {
	connection registry.Connection
	messages   chan schema.Message
}

// deliver queues message for connection without blocking. A full
// queue drops the message.
func (s *Server) deliver(connection registry.Connection, message schema.Message) {
	s.outboxesMu.Lock()
	defer s.outboxesMu.Unlock()
	if s.outboxesClosed {
		s.dropMessage(connection, message, dropShutdown)
		return
	}
	box, ok := s.outboxes[connection.ID()]
	if !ok {
		box = &outbox{connection: connection, messages: make(chan schema.Message, outboxSize)}
		s.outboxes[connection.ID()] = box
		go s.drain(box)
	}
	select {
	case box.messages <- message:
	default:
		s.dropMessage(connection, message, dropQueueFull)
	}
}

func (s *Server) drain(box *outbox) {
	for message := range box.messages {
		if !box.connection.Open() {
			s.dropMessage(box.connection, message, dropConnectionClosed)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.options.SendTimeout)
		s.send(ctx, box.connection, message)
		cancel()
	}
}

func (s *Server) dropMessage(connection registry.Connection, message schema.Message, reason string) {
	s.metrics.droppedMessages.WithLabelValues(reason).Inc()
	s.logger.Warn("outbound message dropped",
		"connection_id", connection.ID(),
		"method", message.Headers.Method,
		"reason", reason,
	)
}

// closeOutbox stops delivery to connectionID once its queue drains.
func (s *Server) closeOutbox(connectionID string) {
	s.outboxesMu.Lock()
	defer s.outboxesMu.Unlock()
	if box, ok := s.outboxes[connectionID]; ok {
		delete(s.outboxes, connectionID)
		close(box.messages)
	}
}

// closeOutboxes closes every queue. Later deliveries are dropped.
func (s *Server) closeOutboxes() {
	s.outboxesMu.Lock()
	defer s.outboxesMu.Unlock()
	s.outboxesClosed = true
	for id, box := range s.outboxes {
		delete(s.outboxes, id)
		close(box.messages)
	}
}
