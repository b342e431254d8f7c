// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hddl-foundation/hddl/lib/codec"
)

// Conn is a frame stream over a Unix socket connection. Send is safe
// for concurrent use. Receive must be called from a single goroutine.
type Conn struct {
	conn    net.Conn
	decoder *codec.Decoder

	writeMu      sync.Mutex
	encoder      *codec.Encoder
	writeTimeout time.Duration
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:    conn,
		decoder: codec.NewDecoder(conn),
		encoder: codec.NewEncoder(conn),
	}
}

// Dial connects to the server's IPC socket.
func Dial(ctx context.Context, socketPath string) (*Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	return NewConn(conn), nil
}

// SetWriteTimeout bounds every subsequent Send. Zero means no bound.
func (c *Conn) SetWriteTimeout(timeout time.Duration) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writeTimeout = timeout
}

// Send writes one frame. A send that exceeds the write timeout closes
// the connection, since a partially written frame leaves the stream
// unusable.
func (c *Conn) Send(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.encoder.Encode(frame); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			c.conn.Close()
		}
		return fmt.Errorf("sending %s frame for pipe %d: %w", frame.Type, frame.PipeID, err)
	}
	return nil
}

// Receive reads the next frame. It returns io.EOF (possibly wrapped)
// when the peer closes the connection.
func (c *Conn) Receive() (Frame, error) {
	var frame Frame
	if err := c.decoder.Decode(&frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

// Announce sends the worker's announcement for pipeID.
func (c *Conn) Announce(pipeID int) error {
	return c.Send(Frame{Type: TypePipeID, PipeID: pipeID})
}

// AwaitStart reads frames until both the Config and Launch frames for
// pipeID have arrived. Frames of other types received in between are
// returned in early so the caller can process them after startup.
func (c *Conn) AwaitStart(pipeID int) (start Start, early []Frame, err error) {
	var haveConfig, haveLaunch bool
	for !haveConfig || !haveLaunch {
		frame, err := c.Receive()
		if err != nil {
			return Start{}, early, fmt.Errorf("waiting for start frames: %w", err)
		}
		if frame.PipeID != pipeID {
			return Start{}, early, fmt.Errorf("start frame for pipe %d, want %d", frame.PipeID, pipeID)
		}
		switch frame.Type {
		case TypeConfig:
			start.Config, haveConfig = frame.Payload, true
		case TypeLaunch:
			start.Launch, haveLaunch = frame.Payload, true
		default:
			early = append(early, frame)
		}
	}
	return start, early, nil
}

// NetConn returns the underlying connection, for deadlines and peer
// credential lookup.
func (c *Conn) NetConn() net.Conn { return c.conn }

// Close closes the connection.
func (c *Conn) Close() error { return c.conn.Close() }
