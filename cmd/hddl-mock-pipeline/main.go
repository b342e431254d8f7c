// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Hddl-mock-pipeline is a stand-in pipeline worker for development and
// integration tests. hddl-server spawns it like a real worker:
//
//	hddl-mock-pipeline [flags] -u <ipc socket> -i <pipe id>
//
// It announces its pipe id, waits for the config and launch frames,
// then emits a synthetic inference result as a meta_text frame every
// --interval (plus a placeholder meta_image frame with --images).
// Property frames are logged. A destroy frame ends the process with
// exit code 0.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hddl-foundation/hddl/lib/clock"
	"github.com/hddl-foundation/hddl/lib/config"
	"github.com/hddl-foundation/hddl/lib/ipc"
	"github.com/hddl-foundation/hddl/lib/process"
	"github.com/hddl-foundation/hddl/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var (
		socketPath  string
		pipeID      int
		interval    time.Duration
		images      bool
		logLevel    string
		showVersion bool
	)
	flags := pflag.NewFlagSet("hddl-mock-pipeline", pflag.ContinueOnError)
	flags.StringVarP(&socketPath, "socket", "u", "", "hddl-server ipc socket")
	flags.IntVarP(&pipeID, "pipe-id", "i", -1, "pipe id this worker serves")
	flags.DurationVar(&interval, "interval", time.Second, "time between emitted results")
	flags.BoolVar(&images, "images", false, "also emit a placeholder meta_image frame per result")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("hddl-mock-pipeline %s\n", version.Info())
		return nil
	}
	if socketPath == "" || pipeID < 0 {
		return fmt.Errorf("-u <socket> and -i <pipe id> are required")
	}
	if interval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}
	level, err := config.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	// Worker stderr is captured line by line into the server's log, so
	// plain text reads best there.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With("pipe_id", pipeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := ipc.Dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	worker := &pipeline{
		conn:     conn,
		pipeID:   pipeID,
		interval: interval,
		images:   images,
		clock:    clock.Real(),
		logger:   logger,
	}
	return worker.run(ctx)
}
