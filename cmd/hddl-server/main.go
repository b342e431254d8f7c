// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Hddl-server is the HDDL network service. It accepts mutually
// authenticated control connections, spawns one pipeline worker process
// per requested pipeline, and bridges worker output from the worker ipc
// socket back to the clients that own the pipelines.
//
// On startup:
//  1. Loads configuration from --config, $HDDL_CONFIG, or defaults.
//  2. Listens on the worker ipc socket, removing a stale socket file.
//  3. Serves the control channel over TLS on /admin and /data.
//  4. Serves Prometheus metrics when metrics.listen is set.
//
// SIGINT or SIGTERM stops accepting connections, sends every worker a
// destroy frame, and kills workers still running after the destroy
// grace period.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hddl-foundation/hddl/lib/clock"
	"github.com/hddl-foundation/hddl/lib/config"
	"github.com/hddl-foundation/hddl/lib/process"
	"github.com/hddl-foundation/hddl/lib/version"
	"github.com/hddl-foundation/hddl/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	flags := pflag.NewFlagSet("hddl-server", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to the YAML configuration file (default $"+config.EnvVar+")")
	flags.StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("hddl-server %s\n", version.Info())
		return nil
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerPath, err := cfg.WorkerPath()
	if err != nil {
		return err
	}
	for _, root := range cfg.ModelRootPaths() {
		if err := os.MkdirAll(root, 0755); err != nil {
			return fmt.Errorf("model root: %w", err)
		}
	}

	tlsConfig, err := transport.ServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
	if err != nil {
		return err
	}
	control, err := transport.NewTLSListener(cfg.Listen, tlsConfig)
	if err != nil {
		return fmt.Errorf("control listener: %w", err)
	}
	defer control.Close()

	ipcListener, err := listenSocket(cfg.IPC.SocketPath)
	if err != nil {
		return fmt.Errorf("ipc socket: %w", err)
	}
	defer os.Remove(cfg.IPC.SocketPath)

	server := newServer(serverOptions{
		Logger:              logger,
		Clock:               clock.Real(),
		SocketPath:          cfg.IPC.SocketPath,
		WorkerPath:          workerPath,
		WorkerArgs:          cfg.Worker.Args,
		StorageRoot:         cfg.Storage.Root,
		ModelRoots:          cfg.Storage.ModelRoots,
		DestroyGrace:        cfg.DestroyGrace(),
		DestroyOnDisconnect: cfg.Pipeline.DestroyOnDisconnect,
		MaxPayloadBytes:     cfg.Control.MaxPayloadBytes,
		MaxPipesPerRequest:  cfg.Control.MaxPipesPerRequest,
		SendTimeout:         cfg.SendTimeout(),
	})

	if cfg.Metrics.Listen != "" {
		metricsServer, err := serveMetrics(logger, cfg.Metrics.Listen, server.metrics.handler())
		if err != nil {
			ipcListener.Close()
			return fmt.Errorf("metrics listener: %w", err)
		}
		defer metricsServer.Close()
	}

	logger.Info("hddl-server starting",
		"version", version.Info(),
		"environment", cfg.Environment,
		"listen", control.Address(),
		"socket", cfg.IPC.SocketPath,
		"worker", workerPath,
		"storage_root", cfg.Storage.Root,
	)
	if err := server.Run(ctx, control, ipcListener); err != nil {
		return err
	}
	logger.Info("hddl-server stopped")
	return nil
}

// serveMetrics serves handler on /metrics at address in the background.
func serveMetrics(logger *slog.Logger, address string, handler http.Handler) (*http.Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics listening", "address", listener.Addr().String())
	return server, nil
}
