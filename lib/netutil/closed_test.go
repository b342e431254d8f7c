// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"nhooyr.io/websocket"
)

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("reading frame: %w", io.EOF), true},
		{"closed", net.ErrClosed, true},
		{"cancelled", context.Canceled, true},
		{"broken pipe", syscall.EPIPE, true},
		{"reset", fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{"websocket normal", websocket.CloseError{Code: websocket.StatusNormalClosure}, true},
		{"websocket going away", websocket.CloseError{Code: websocket.StatusGoingAway}, true},
		{"websocket policy", websocket.CloseError{Code: websocket.StatusPolicyViolation}, false},
		{"other errno", syscall.EACCES, false},
		{"other", errors.New("boom"), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsExpectedCloseError(test.err); got != test.want {
				t.Errorf("IsExpectedCloseError(%v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}
