// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/hddl-foundation/hddl/lib/binhash"
	"github.com/hddl-foundation/hddl/lib/client"
	"github.com/hddl-foundation/hddl/lib/config"
	"github.com/hddl-foundation/hddl/lib/registry"
)

// dialTimeout bounds the TLS and WebSocket handshake.
const dialTimeout = 30 * time.Second

// Connection holds the flags every command that talks to the server
// shares.
type Connection struct {
	Server   string
	CertFile string
	KeyFile  string
	CAFile   string
	Digest   string
	Wait     time.Duration
	LogLevel string
}

// AddFlags registers the connection flags on flagSet. Defaults match
// the certificate layout the server's deployment scripts generate.
func (c *Connection) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.Server, "server", "127.0.0.1:8445", "server address (host:port or wss:// URL)")
	flagSet.StringVar(&c.CertFile, "cert", "client_cert/client-cert.pem", "client certificate")
	flagSet.StringVar(&c.KeyFile, "key", "client_cert/client-key.pem", "client private key")
	flagSet.StringVar(&c.CAFile, "ca", "client_cert/ca-cert.pem", "CA that signed the server certificate")
	flagSet.StringVar(&c.Digest, "digest", string(binhash.Default), "transfer digest algorithm (md5, sha256, blake3)")
	flagSet.DurationVar(&c.Wait, "wait", 5*time.Second, "how long to wait for server replies (0 waits forever)")
	flagSet.StringVar(&c.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// Logger returns the command logger at the configured level.
func (c *Connection) Logger() (*slog.Logger, error) {
	level, err := config.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	return NewLogger(level), nil
}

// Algorithm returns the selected digest algorithm.
func (c *Connection) Algorithm() (binhash.Algorithm, error) {
	return binhash.Parse(c.Digest)
}

// Dial connects to the server with role.
func (c *Connection) Dial(ctx context.Context, role registry.Role, logger *slog.Logger) (*client.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	session, err := client.Dial(dialCtx, client.Options{
		Server:   c.Server,
		CertFile: c.CertFile,
		KeyFile:  c.KeyFile,
		CAFile:   c.CAFile,
		Role:     role,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.Server, err)
	}
	return session, nil
}
