// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/hddl-foundation/hddl/cmd/hddl/cli"
	"github.com/hddl-foundation/hddl/lib/schema"
)

// Root returns the hddl command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "hddl",
		Summary: "Control pipelines and model files on an hddl-server.",
		Subcommands: []*cli.Command{
			createCommand(),
			destroyCommand(),
			propertyCommand(),
			modelsCommand(),
			textCommand(),
			watchCommand(),
		},
	}
}

// connectionFlags returns a Flags function registering the shared
// connection flags plus whatever extra adds.
func connectionFlags(name string, connection *cli.Connection, extra func(*pflag.FlagSet)) func() *pflag.FlagSet {
	return func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
		connection.AddFlags(flagSet)
		if extra != nil {
			extra(flagSet)
		}
		return flagSet
	}
}

// signalContext is cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// printer writes each server message to out as one JSON line.
type printer struct {
	encoder *json.Encoder
}

func newPrinter(out io.Writer) *printer {
	return &printer{encoder: json.NewEncoder(out)}
}

func (p *printer) print(message schema.Message) {
	p.encoder.Encode(message)
}

var stdout io.Writer = os.Stdout
