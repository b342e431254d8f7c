// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/hddl-foundation/hddl/cmd/hddl/cli"
	"github.com/hddl-foundation/hddl/lib/client"
	"github.com/hddl-foundation/hddl/lib/ledger"
	"github.com/hddl-foundation/hddl/lib/registry"
	"github.com/hddl-foundation/hddl/lib/schema"
)

func modelsCommand() *cli.Command {
	var (
		connection cli.Connection
		dryRun     bool
	)
	return &cli.Command{
		Name:    "models",
		Summary: "Upload the model files the server is missing",
		Usage:   "<model-directory>",
		Flags: connectionFlags("models", &connection, func(flagSet *pflag.FlagSet) {
			flagSet.BoolVar(&dryRun, "dry-run", false, "print the upload plan without sending files")
		}),
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: hddl models <model-directory>")
			}
			return syncModels(&connection, args[0], dryRun)
		},
	}
}

func syncModels(connection *cli.Connection, directory string, dryRun bool) error {
	logger, err := connection.Logger()
	if err != nil {
		return err
	}
	algorithm, err := connection.Algorithm()
	if err != nil {
		return err
	}
	root, err := client.RootName(directory)
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

	// The server greets admin connections with the ledger of every model
	// root it knows. A root it has never seen has no ledger yet.
	err = session.Await(ctx, connection.Wait, func(schema.Message) (bool, error) {
		_, ok := session.Ledger(root)
		return ok, nil
	})
	remote, ok := session.Ledger(root)
	if !ok {
		if err != nil && !errors.Is(err, client.ErrNoReply) {
			return err
		}
		logger.Warn("server sent no ledger for model root, uploading everything", "root", root)
		remote = ledger.Ledger{}
	}

	plan, err := client.PlanUploads(directory, remote, algorithm)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		logger.Info("model files up to date", "root", root)
		return nil
	}
	for _, upload := range plan {
		logger.Info("model file planned", "path", upload.Path, "digest", upload.Digest)
	}
	if dryRun {
		return nil
	}

	if err := session.Upload(ctx, plan); err != nil {
		return err
	}
	tracker := newUploadTracker(root, plan, logger)
	output := newPrinter(stdout)
	err = session.Await(ctx, connection.Wait, func(message schema.Message) (bool, error) {
		output.print(message)
		current, _ := session.Ledger(root)
		return tracker.handle(message, current), nil
	})
	if err != nil {
		return fmt.Errorf("%d of %d uploads unconfirmed: %w", tracker.pending(), len(plan), err)
	}
	return tracker.result()
}

// uploadTracker follows server replies until every planned upload is
// either recorded in the root's ledger or rejected.
type uploadTracker struct {
	root   string
	plan   []client.Upload
	logger *slog.Logger

	confirmed map[string]bool
	failures  []error
}

func newUploadTracker(root string, plan []client.Upload, logger *slog.Logger) *uploadTracker {
	return &uploadTracker{root: root, plan: plan, logger: logger, confirmed: make(map[string]bool)}
}

// handle records message and reports whether every upload is settled.
// current is the latest ledger for the root.
func (t *uploadTracker) handle(message schema.Message, current ledger.Ledger) bool {
	if err := client.ReplyError(message); err != nil {
		t.logger.Error("upload rejected", "error", err)
		t.failures = append(t.failures, err)
	}
	if message.Headers.Method == schema.MethodCheckSum && message.Headers.Path == t.root {
		for _, upload := range t.plan {
			if !t.confirmed[upload.Path] && upload.Confirmed(current) {
				t.confirmed[upload.Path] = true
				t.logger.Info("model file confirmed", "path", upload.Path)
			}
		}
	}
	return t.pending() == 0
}

func (t *uploadTracker) pending() int {
	return len(t.plan) - len(t.confirmed) - len(t.failures)
}

func (t *uploadTracker) result() error {
	if len(t.failures) > 0 {
		return fmt.Errorf("%d of %d uploads failed: %w", len(t.failures), len(t.plan), errors.Join(t.failures...))
	}
	return nil
}
