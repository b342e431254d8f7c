// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hddl-foundation/hddl/lib/schema"
)

// ErrNoReply is returned by Await when wait elapses first.
var ErrNoReply = errors.New("no reply from server")

// Await passes each message to handle until handle reports done, wait
// elapses, or the connection closes. A zero wait waits until ctx ends.
func (c *Client) Await(ctx context.Context, wait time.Duration, handle func(schema.Message) (done bool, err error)) error {
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		select {
		case message, ok := <-c.messages:
			if !ok {
				return c.Err()
			}
			done, err := handle(message)
			if err != nil || done {
				return err
			}
		case <-timeout:
			return fmt.Errorf("%w within %s", ErrNoReply, wait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReplyError converts a failure reply into an error. Success replies
// and notifications return nil.
func ReplyError(message schema.Message) error {
	switch message.Headers.Method {
	case schema.MethodError:
		return fmt.Errorf("server error %d: %s", message.Code, message.PayloadText())
	case schema.MethodText:
		if message.Headers.Code >= 400 {
			return fmt.Errorf("server rejected request (%d): %s", message.Headers.Code, message.PayloadText())
		}
	}
	return nil
}
