// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds small helpers shared by the socket and
// websocket layers.
package netutil

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"nhooyr.io/websocket"
)

// IsExpectedCloseError reports whether err is a normal termination of a
// connection: EOF, a closed connection, a broken pipe, a reset, a
// cancelled context, or a websocket normal/going-away close. Read loops
// use it to decide between a debug log and an error log.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
