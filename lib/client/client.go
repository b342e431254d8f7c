// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/hddl-foundation/hddl/lib/ledger"
	"github.com/hddl-foundation/hddl/lib/netutil"
	"github.com/hddl-foundation/hddl/lib/registry"
	"github.com/hddl-foundation/hddl/lib/schema"
	"github.com/hddl-foundation/hddl/lib/transfer"
	"github.com/hddl-foundation/hddl/transport"
)

// ErrClosed is returned once the connection to the server has gone.
var ErrClosed = errors.New("connection to server closed")

// Options configure Dial.
type Options struct {
	// Server is a host:port or wss:// URL.
	Server string

	CertFile string
	KeyFile  string
	CAFile   string

	Role   registry.Role
	Logger *slog.Logger
}

// Client is a control channel session. It reads server messages in the
// background, keeping the model ledgers and the client's pipe ids
// current, and delivers every message on Messages.
type Client struct {
	conn   *transport.Conn
	logger *slog.Logger

	cancel   context.CancelFunc
	messages chan schema.Message
	done     chan struct{}
	err      error

	mu      sync.Mutex
	ledgers map[string]ledger.Ledger
	pipes   map[int]struct{}
}

// Dial connects to the server with a client certificate.
func Dial(ctx context.Context, options Options) (*Client, error) {
	tlsConfig, err := transport.ClientTLSConfig(options.CertFile, options.KeyFile, options.CAFile)
	if err != nil {
		return nil, err
	}
	role := options.Role
	if role == "" {
		role = registry.RoleAdmin
	}
	conn, err := transport.Dial(ctx, options.Server, role, tlsConfig)
	if err != nil {
		return nil, err
	}
	return New(conn, options.Logger), nil
}

// New starts a session on an established connection.
func New(conn *transport.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:     conn,
		logger:   logger,
		cancel:   cancel,
		messages: make(chan schema.Message, 256),
		done:     make(chan struct{}),
		ledgers:  make(map[string]ledger.Ledger),
		pipes:    make(map[int]struct{}),
	}
	go c.readLoop(ctx)
	return c
}

// Messages delivers server messages in arrival order. It is closed
// when the connection ends; Err then reports why.
func (c *Client) Messages() <-chan schema.Message { return c.messages }

// Err returns the error that ended the connection, or nil while it is
// open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close ends the session.
func (c *Client) Close() error {
	err := c.conn.Close("client done")
	c.cancel()
	<-c.done
	return err
}

// readLoop owns every read on the connection. Reads are never given a
// deadline: cancelling a websocket read closes the connection.
func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.messages)
	for {
		message, err := c.conn.ReadMessage(ctx)
		if err != nil {
			if netutil.IsExpectedCloseError(err) || ctx.Err() != nil {
				c.err = ErrClosed
			} else {
				c.err = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			return
		}
		c.track(message)
		select {
		case c.messages <- message:
		case <-ctx.Done():
			c.err = ErrClosed
			return
		}
	}
}

func (c *Client) track(message schema.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch message.Headers.Method {
	case schema.MethodCheckSum:
		var received ledger.Ledger
		if err := json.Unmarshal(message.Payload, &received); err != nil {
			c.logger.Warn("ignoring malformed model ledger", "path", message.Headers.Path, "error", err)
			return
		}
		if received == nil {
			received = ledger.Ledger{}
		}
		c.ledgers[message.Headers.Path] = received
	case schema.MethodPipeID:
		var ids []int
		if err := json.Unmarshal(message.Payload, &ids); err == nil {
			for _, id := range ids {
				c.pipes[id] = struct{}{}
			}
		}
	case schema.MethodPipeDelete:
		var ids []int
		if err := json.Unmarshal(message.Payload, &ids); err == nil {
			for _, id := range ids {
				delete(c.pipes, id)
			}
		}
	}
}

// Ledger returns the last model ledger the server sent for root.
func (c *Client) Ledger(root string) (ledger.Ledger, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.ledgers[root]
	if !ok {
		return nil, false
	}
	return current.Clone(), true
}

// Pipes returns the pipe ids the server reported for this client,
// sorted.
func (c *Client) Pipes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(c.pipes))
	for id := range c.pipes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Send writes one text envelope.
func (c *Client) Send(ctx context.Context, message schema.Message) error {
	return c.conn.Send(ctx, message)
}

// Text sends a text message, which the server echoes.
func (c *Client) Text(ctx context.Context, text string) error {
	return c.Send(ctx, schema.Message{
		Headers: schema.Headers{Method: schema.MethodText},
		Payload: mustQuote(text),
	})
}

// Request sends a create, destroy, or property request with document as
// its payload. The request travels as a checksum transfer, the way
// request files are sent; localPath only labels the transfer.
func (c *Client) Request(ctx context.Context, method schema.Method, pipeID *int, document []byte, localPath string) error {
	header := transfer.Header{Headers: schema.Headers{Method: method, Path: localPath}}
	if pipeID != nil {
		header.PipeID = schema.Pipe(*pipeID)
	}
	if _, err := transfer.Send(c.conn.NewMessage(ctx), header, bytes.NewReader(document), 0); err != nil {
		return fmt.Errorf("sending %s request: %w", method, err)
	}
	return nil
}

// RequestFile sends the request document stored at path.
func (c *Client) RequestFile(ctx context.Context, method schema.Method, pipeID *int, path string) error {
	document, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.Request(ctx, method, pipeID, document, path)
}

// Upload sends each planned file as a model transfer, one after
// another.
func (c *Client) Upload(ctx context.Context, uploads []Upload) error {
	files := make([]transfer.File, 0, len(uploads))
	for _, upload := range uploads {
		files = append(files, transfer.File{
			LocalPath: upload.LocalPath,
			Header: transfer.Header{
				Headers: schema.Headers{Method: schema.MethodModel, Path: upload.Path},
				Digest:  string(upload.Algorithm),
			},
		})
	}
	next := func() (transfer.FrameWriter, error) {
		if err := c.Err(); err != nil {
			return nil, err
		}
		return c.conn.NewMessage(ctx), nil
	}
	digests, err := transfer.SendFiles(next, files, 0)
	for index, digest := range digests {
		c.logger.Info("model file sent", "path", uploads[index].Path, "digest", digest)
	}
	return err
}

func mustQuote(text string) json.RawMessage {
	encoded, _ := json.Marshal(text)
	return encoded
}
