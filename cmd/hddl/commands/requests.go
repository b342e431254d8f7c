// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hddl-foundation/hddl/cmd/hddl/cli"
	"github.com/hddl-foundation/hddl/lib/client"
	"github.com/hddl-foundation/hddl/lib/registry"
	"github.com/hddl-foundation/hddl/lib/schema"
)

func createCommand() *cli.Command {
	var connection cli.Connection
	return &cli.Command{
		Name:    "create",
		Summary: "Create pipelines from a create document",
		Usage:   "<create.json>",
		Flags:   connectionFlags("create", &connection, nil),
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: hddl create <create.json>")
			}
			document, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			creation, err := schema.ParseCreate(document)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			tracker := &createTracker{expected: creation.PipeNum}
			return sendRequest(&connection, schema.MethodCreate, nil, args[0], document, tracker.handle)
		},
	}
}

func destroyCommand() *cli.Command {
	var connection cli.Connection
	return &cli.Command{
		Name:    "destroy",
		Summary: "Destroy one of this client's pipelines",
		Usage:   "<destroy.json> <pipe_id>",
		Flags:   connectionFlags("destroy", &connection, nil),
		Run: func(args []string) error {
			path, pipeID, err := fileAndPipe("destroy", args)
			if err != nil {
				return err
			}
			document, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			tracker := &destroyTracker{pipeID: pipeID}
			return sendRequest(&connection, schema.MethodDestroy, &pipeID, path, document, tracker.handle)
		},
	}
}

func propertyCommand() *cli.Command {
	var connection cli.Connection
	return &cli.Command{
		Name:    "property",
		Summary: "Send a property document to a running pipeline",
		Usage:   "<property.json> <pipe_id>",
		Flags:   connectionFlags("property", &connection, nil),
		Run: func(args []string) error {
			path, pipeID, err := fileAndPipe("property", args)
			if err != nil {
				return err
			}
			document, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			// A property is not acknowledged; only rejections come back.
			err = sendRequest(&connection, schema.MethodProperty, &pipeID, path, document, func(message schema.Message) (bool, error) {
				return false, client.ReplyError(message)
			})
			if errors.Is(err, client.ErrNoReply) {
				return nil
			}
			return err
		},
	}
}

func textCommand() *cli.Command {
	var connection cli.Connection
	return &cli.Command{
		Name:    "text",
		Summary: "Send a text message; the server echoes it",
		Usage:   "<message>",
		Flags:   connectionFlags("text", &connection, nil),
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("usage: hddl text <message>")
			}
			text := strings.Join(args, " ")
			logger, err := connection.Logger()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			session, err := connection.Dial(ctx, registry.RoleAdmin, logger)
			if err != nil {
				return err
			}
			defer session.Close()

			if err := session.Text(ctx, text); err != nil {
				return err
			}
			output := newPrinter(stdout)
			return session.Await(ctx, connection.Wait, func(message schema.Message) (bool, error) {
				if message.Headers.Method != schema.MethodText {
					return false, nil
				}
				output.print(message)
				return message.PayloadText() == text, nil
			})
		},
	}
}

// sendRequest dials the server, sends document as a method transfer,
// and prints replies until handle reports done.
func sendRequest(connection *cli.Connection, method schema.Method, pipeID *int, path string, document []byte, handle func(schema.Message) (bool, error)) error {
	logger, err := connection.Logger()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	session, err := connection.Dial(ctx, registry.RoleAdmin, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Request(ctx, method, pipeID, document, path); err != nil {
		return err
	}
	output := newPrinter(stdout)
	return session.Await(ctx, connection.Wait, func(message schema.Message) (bool, error) {
		if message.Headers.Method == schema.MethodCheckSum {
			return false, nil
		}
		output.print(message)
		return handle(message)
	})
}

func fileAndPipe(command string, args []string) (string, int, error) {
	if len(args) != 2 {
		return "", 0, fmt.Errorf("usage: hddl %s <%s.json> <pipe_id>", command, command)
	}
	pipeID, err := strconv.Atoi(args[1])
	if err != nil || pipeID < 0 {
		return "", 0, fmt.Errorf("pipe_id %q is not a pipe id", args[1])
	}
	return args[0], pipeID, nil
}

// createTracker follows the replies to one create request: each
// pipeline ends with pipe_info on success or error on failure.
type createTracker struct {
	expected int
	created  []int
	failed   int
}

func (t *createTracker) handle(message schema.Message) (bool, error) {
	switch message.Headers.Method {
	case schema.MethodPipeInfo:
		if id, ok := message.Headers.Pipe(); ok {
			t.created = append(t.created, id)
		}
	case schema.MethodError:
		t.failed++
	case schema.MethodText:
		if err := client.ReplyError(message); err != nil {
			return true, err
		}
	}
	if len(t.created)+t.failed < t.expected {
		return false, nil
	}
	if t.failed > 0 {
		return true, fmt.Errorf("%d of %d pipelines failed to start", t.failed, t.expected)
	}
	return true, nil
}

// destroyTracker waits for the pipe_delete naming pipeID.
type destroyTracker struct {
	pipeID int
}

func (t *destroyTracker) handle(message schema.Message) (bool, error) {
	if message.Headers.Method == schema.MethodPipeDelete {
		var ids []int
		if err := json.Unmarshal(message.Payload, &ids); err == nil {
			for _, id := range ids {
				if id == t.pipeID {
					return true, nil
				}
			}
		}
		return false, nil
	}
	if err := client.ReplyError(message); err != nil {
		return true, err
	}
	return false, nil
}
