// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/hddl-foundation/hddl/lib/clock"
	"github.com/hddl-foundation/hddl/lib/ipc"
)

// placeholderImage is a minimal JPEG (SOI and EOI markers only), enough
// for clients that save meta_image frames to produce a file.
var placeholderImage = []byte{0xff, 0xd8, 0xff, 0xd9}

// result is the synthetic inference output carried in meta_text frames.
type result struct {
	PipeID  int      `json:"pipe_id"`
	Frame   int      `json:"frame"`
	Objects []object `json:"objects"`
}

type object struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

type pipeline struct {
	conn     *ipc.Conn
	pipeID   int
	interval time.Duration
	images   bool
	clock    clock.Clock
	logger   *slog.Logger

	frames int
}

// run announces the worker, waits for its start frames, and emits
// results until a destroy frame arrives (nil), the server hangs up, or
// ctx is cancelled.
func (p *pipeline) run(ctx context.Context) error {
	if err := p.conn.Announce(p.pipeID); err != nil {
		return err
	}
	start, early, err := p.conn.AwaitStart(p.pipeID)
	if err != nil {
		return err
	}
	p.logger.Info("pipeline started", "config_bytes", len(start.Config), "launch_bytes", len(start.Launch))

	frames := make(chan ipc.Frame, len(early)+16)
	for _, frame := range early {
		frames <- frame
	}
	receiveErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			frame, err := p.conn.Receive()
			if err != nil {
				receiveErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-done:
				return
			}
		}
	}()

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case frame := <-frames:
			if p.handle(frame) {
				return nil
			}
		case err := <-receiveErr:
			// Frames read before the error are still queued.
			for len(frames) > 0 {
				if p.handle(<-frames) {
					return nil
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("server closed the ipc connection")
			}
			return fmt.Errorf("reading ipc frames: %w", err)
		case <-ticker.C:
			if err := p.emit(); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// handle processes one server frame and reports whether the worker
// should exit.
func (p *pipeline) handle(frame ipc.Frame) bool {
	if frame.PipeID != p.pipeID {
		p.logger.Warn("ignoring frame for another pipeline", "type", frame.Type, "frame_pipe_id", frame.PipeID)
		return false
	}
	switch frame.Type {
	case ipc.TypeProperty:
		p.logger.Info("property received", "property", string(frame.Payload))
	case ipc.TypeDestroy:
		p.logger.Info("destroy received, exiting")
		return true
	default:
		p.logger.Debug("ignoring frame", "type", frame.Type)
	}
	return false
}

func (p *pipeline) emit() error {
	payload, err := json.Marshal(result{
		PipeID:  p.pipeID,
		Frame:   p.frames,
		Objects: []object{{Label: "face", Confidence: 0.9}},
	})
	if err != nil {
		return err
	}
	p.frames++
	if p.images {
		if err := p.conn.Send(ipc.Frame{Type: ipc.TypeMetaImage, PipeID: p.pipeID, Payload: placeholderImage}); err != nil {
			return err
		}
	}
	return p.conn.Send(ipc.Frame{Type: ipc.TypeMetaText, PipeID: p.pipeID, Payload: payload})
}
