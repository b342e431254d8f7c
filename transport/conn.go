// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/hddl-foundation/hddl/lib/registry"
	"github.com/hddl-foundation/hddl/lib/schema"
)

// ClientReadLimit bounds messages a dialed connection accepts. Ledger
// broadcasts for large model roots exceed the library default.
const ClientReadLimit = 16 << 20

var _ registry.Connection = (*Conn)(nil)

// Conn is one control channel connection. Send and NewMessage are safe
// for concurrent use; Read must be called from a single goroutine.
type Conn struct {
	id      string
	role    registry.Role
	subject string
	remote  string
	ws      *websocket.Conn
	open    atomic.Bool
}

func newConn(ws *websocket.Conn, role registry.Role, subject, remote string) *Conn {
	conn := &Conn{
		id:      uuid.NewString(),
		role:    role,
		subject: subject,
		remote:  remote,
		ws:      ws,
	}
	conn.open.Store(true)
	return conn
}

// ID returns the connection's UUID.
func (c *Conn) ID() string { return c.id }

// Role returns the role chosen by the dialed path.
func (c *Conn) Role() registry.Role { return c.role }

// Subject returns the peer certificate subject, if any.
func (c *Conn) Subject() string { return c.subject }

// RemoteAddr returns the peer address (server side) or the dialed URL
// (client side).
func (c *Conn) RemoteAddr() string { return c.remote }

// Open reports whether the connection has not been closed or failed.
func (c *Conn) Open() bool { return c.open.Load() }

// Send writes message as one text message.
func (c *Conn) Send(ctx context.Context, message schema.Message) error {
	if !c.open.Load() {
		return net.ErrClosed
	}
	data, err := schema.Encode(message)
	if err != nil {
		return fmt.Errorf("encoding %s reply: %w", message.Headers.Method, err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.open.Store(false)
		return err
	}
	return nil
}

// Read returns the next message. binary is true for transfer messages.
// The reader must be consumed to EOF before Read is called again.
func (c *Conn) Read(ctx context.Context) (binary bool, reader io.Reader, err error) {
	messageType, reader, err := c.ws.Reader(ctx)
	if err != nil {
		c.open.Store(false)
		return false, nil, err
	}
	return messageType == websocket.MessageBinary, reader, nil
}

// ReadMessage returns the next text envelope, discarding binary
// messages.
func (c *Conn) ReadMessage(ctx context.Context) (schema.Message, error) {
	for {
		binary, reader, err := c.Read(ctx)
		if err != nil {
			return schema.Message{}, err
		}
		if binary {
			if _, err := io.Copy(io.Discard, reader); err != nil {
				return schema.Message{}, err
			}
			continue
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			return schema.Message{}, err
		}
		return schema.Decode(data)
	}
}

// NewMessage starts a binary message. Frames are written as they
// arrive; the final frame ends the message.
func (c *Conn) NewMessage(ctx context.Context) *MessageWriter {
	return &MessageWriter{ctx: ctx, conn: c}
}

// Close sends a normal close frame.
func (c *Conn) Close(reason string) error {
	c.open.Store(false)
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// MessageWriter writes one binary message frame by frame. It
// implements transfer.FrameWriter.
type MessageWriter struct {
	ctx    context.Context
	conn   *Conn
	writer io.WriteCloser
	done   bool
}

// WriteFrame appends data to the message and ends it when final is set.
func (w *MessageWriter) WriteFrame(data []byte, final bool) error {
	if w.done {
		return errors.New("message already finished")
	}
	if w.writer == nil {
		writer, err := w.conn.ws.Writer(w.ctx, websocket.MessageBinary)
		if err != nil {
			w.conn.open.Store(false)
			return err
		}
		w.writer = writer
	}
	if len(data) > 0 {
		if _, err := w.writer.Write(data); err != nil {
			w.done = true
			w.conn.open.Store(false)
			return err
		}
	}
	if final {
		w.done = true
		return w.writer.Close()
	}
	return nil
}

// Handler upgrades /admin and /data requests to WebSocket connections
// and runs serve for each until it returns. The connection is closed
// afterwards. readLimit bounds inbound messages; model uploads need it
// well above the library default.
func Handler(logger *slog.Logger, readLimit int64, serve func(ctx context.Context, conn *Conn)) http.Handler {
	mux := http.NewServeMux()
	for _, role := range []registry.Role{registry.RoleAdmin, registry.RoleData} {
		mux.HandleFunc(Path(role), func(w http.ResponseWriter, r *http.Request) {
			ws, err := websocket.Accept(w, r, nil)
			if err != nil {
				logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
				return
			}
			if readLimit > 0 {
				ws.SetReadLimit(readLimit)
			}

			conn := newConn(ws, role, peerSubject(r.TLS), r.RemoteAddr)
			defer func() {
				conn.open.Store(false)
				ws.Close(websocket.StatusNormalClosure, "")
			}()
			serve(r.Context(), conn)
		})
	}
	return mux
}

func peerSubject(state *tls.ConnectionState) string {
	if state == nil || len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.String()
}

// Dial connects to server with role. server is a wss:// URL or a bare
// host:port.
func Dial(ctx context.Context, server string, role registry.Role, config *tls.Config) (*Conn, error) {
	if !strings.Contains(server, "://") {
		server = "wss://" + server
	}
	url := strings.TrimSuffix(server, "/") + Path(role)

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: config}}
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: client})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	ws.SetReadLimit(ClientReadLimit)
	return newConn(ws, role, "", url), nil
}
