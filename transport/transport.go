// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net/http"

	"github.com/hddl-foundation/hddl/lib/registry"
)

// Listener accepts inbound control connections. The server creates a
// Listener and calls Serve with the handler returned by [Handler].
type Listener interface {
	// Serve starts accepting connections and dispatches to handler.
	// Blocks until ctx is cancelled or Close is called. Returns nil
	// on clean shutdown.
	Serve(ctx context.Context, handler http.Handler) error

	// Address returns the bound address in host:port form.
	Address() string

	// Close shuts down the listener. Subsequent calls to Serve return
	// immediately.
	Close() error
}

// Path returns the URL path clients dial for role.
func Path(role registry.Role) string {
	return "/" + string(role)
}
