// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/hddl-foundation/hddl/cmd/hddl/cli"
	"github.com/hddl-foundation/hddl/lib/ipc"
	"github.com/hddl-foundation/hddl/lib/registry"
	"github.com/hddl-foundation/hddl/lib/schema"
)

func watchCommand() *cli.Command {
	var (
		connection cli.Connection
		data       bool
		output     string
	)
	return &cli.Command{
		Name:    "watch",
		Summary: "Print server messages and pipeline output until interrupted",
		Flags: connectionFlags("watch", &connection, func(flagSet *pflag.FlagSet) {
			flagSet.BoolVar(&data, "data", false, "connect as a data client, receiving output of every pipeline")
			flagSet.StringVarP(&output, "output", "o", "", "save relayed images and inference results under this directory")
		}),
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("watch takes no arguments")
			}
			logger, err := connection.Logger()
			if err != nil {
				return err
			}
			role := registry.RoleAdmin
			if data {
				role = registry.RoleData
			}
			ctx, cancel := signalContext()
			defer cancel()
			session, err := connection.Dial(ctx, role, logger)
			if err != nil {
				return err
			}
			defer session.Close()

			var saver *resultSaver
			if output != "" {
				saver = newResultSaver(output, logger)
			}
			lines := newPrinter(stdout)
			err = session.Await(ctx, 0, func(message schema.Message) (bool, error) {
				if saver != nil && saver.save(message) {
					return false, nil
				}
				lines.print(message)
				return false, nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// resultSaver writes relayed worker output to disk: each image frame to
// pipe_<id>/image_<n>.jpg and each inference result appended to
// pipe_<id>/output.txt.
type resultSaver struct {
	directory string
	logger    *slog.Logger
	images    map[int]int
}

func newResultSaver(directory string, logger *slog.Logger) *resultSaver {
	return &resultSaver{directory: directory, logger: logger, images: make(map[int]int)}
}

// save reports whether message was relayed worker output it stored.
func (s *resultSaver) save(message schema.Message) bool {
	if message.Headers.Type == nil {
		return false
	}
	pipeID, ok := message.Headers.Pipe()
	if !ok {
		return false
	}
	frameType := ipc.Type(*message.Headers.Type)
	if frameType != ipc.TypeMetaImage && frameType != ipc.TypeMetaText {
		return false
	}
	var payload []byte
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		s.logger.Warn("relayed output payload is not base64", "pipe_id", pipeID, "error", err)
		return false
	}
	if err := s.write(frameType, pipeID, payload); err != nil {
		s.logger.Error("saving pipeline output", "pipe_id", pipeID, "type", frameType, "error", err)
	}
	return true
}

func (s *resultSaver) write(frameType ipc.Type, pipeID int, payload []byte) error {
	directory := filepath.Join(s.directory, fmt.Sprintf("pipe_%d", pipeID))
	if err := os.MkdirAll(directory, 0755); err != nil {
		return err
	}
	if frameType == ipc.TypeMetaImage {
		path := filepath.Join(directory, fmt.Sprintf("image_%d.jpg", s.images[pipeID]))
		s.images[pipeID]++
		return os.WriteFile(path, payload, 0644)
	}
	file, err := os.OpenFile(filepath.Join(directory, "output.txt"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := file.Write(append(payload, '\n')); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
