// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"
)

var _ Listener = (*TLSListener)(nil)

// TLSListener accepts TLS connections and serves HTTP on them.
type TLSListener struct {
	listener net.Listener
	server   *http.Server
}

// NewTLSListener binds address (e.g. ":8445", "127.0.0.1:0").
func NewTLSListener(address string, config *tls.Config) (*TLSListener, error) {
	listener, err := tls.Listen("tcp", address, config)
	if err != nil {
		return nil, err
	}
	return &TLSListener{listener: listener}, nil
}

// Serve dispatches connections to handler until ctx is cancelled or
// Close is called.
func (l *TLSListener) Serve(ctx context.Context, handler http.Handler) error {
	l.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		l.server.Close()
	}()

	err := l.server.Serve(l.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Address returns the bound address in host:port form.
func (l *TLSListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the listener.
func (l *TLSListener) Close() error {
	if l.server != nil {
		return l.server.Close()
	}
	return l.listener.Close()
}
