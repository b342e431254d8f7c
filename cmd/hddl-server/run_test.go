// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hddl-foundation/hddl/lib/clock"
	"github.com/hddl-foundation/hddl/lib/ledger"
	"github.com/hddl-foundation/hddl/lib/registry"
	"github.com/hddl-foundation/hddl/lib/schema"
	"github.com/hddl-foundation/hddl/lib/testutil"
	"github.com/hddl-foundation/hddl/lib/transfer"
	"github.com/hddl-foundation/hddl/transport"
)

func TestRunServesControlChannel(t *testing.T) {
	pki := testutil.NewPKI(t)
	directory := testutil.SocketDir(t)
	storage := filepath.Join(directory, "storage")

	seeded := ledger.Ledger{"face": {HasModel: ledger.HasModelYes, ModelFile: map[string]string{"face.bin": "abc"}}}
	if err := os.MkdirAll(filepath.Join(storage, "models"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Save(filepath.Join(storage, "models", ledger.FileName), seeded); err != nil {
		t.Fatal(err)
	}

	serverTLS, err := transport.ServerTLSConfig(pki.ServerCertFile, pki.ServerKeyFile, pki.CAFile)
	if err != nil {
		t.Fatal(err)
	}
	control, err := transport.NewTLSListener("127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatal(err)
	}
	socketPath := filepath.Join(directory, "ipc", "unix.sock")
	ipcListener, err := listenSocket(socketPath)
	if err != nil {
		t.Fatal(err)
	}

	server := newServer(serverOptions{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:           clock.Real(),
		SocketPath:      socketPath,
		WorkerPath:      blockingWorker(t, directory),
		StorageRoot:     storage,
		ModelRoots:      []string{"models"},
		DestroyGrace:    time.Second,
		MaxPayloadBytes: 1 << 20,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runResult := make(chan error, 1)
	go func() { runResult <- server.Run(ctx, control, ipcListener) }()

	clientTLS, err := transport.ClientTLSConfig(pki.ClientCertFile, pki.ClientKeyFile, pki.CAFile)
	if err != nil {
		t.Fatal(err)
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, replyTimeout)
	defer dialCancel()
	admin, err := transport.Dial(dialCtx, control.Address(), registry.RoleAdmin, clientTLS)
	if err != nil {
		t.Fatalf("Dial admin: %v", err)
	}
	read := func(conn *transport.Conn) schema.Message {
		t.Helper()
		readCtx, readCancel := context.WithTimeout(ctx, replyTimeout)
		defer readCancel()
		message, err := conn.ReadMessage(readCtx)
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		return message
	}

	// A new admin connection first receives the ledger of each model
	// root.
	greeting := read(admin)
	if greeting.Headers.Method != schema.MethodCheckSum || greeting.Headers.Path != "models" {
		t.Fatalf("greeting = %+v, want checkSum for models", greeting)
	}
	var greeted ledger.Ledger
	if err := json.Unmarshal(greeting.Payload, &greeted); err != nil {
		t.Fatal(err)
	}
	if digest, _ := greeted.Digest("face", "face.bin"); digest != "abc" {
		t.Errorf("greeting digest = %q, want abc", digest)
	}

	if err := admin.Send(ctx, schema.Text(0, "ping")); err != nil {
		t.Fatal(err)
	}
	if echo := read(admin); echo.PayloadText() != "ping" {
		t.Errorf("echo = %q, want ping", echo.PayloadText())
	}

	header := transfer.Header{Headers: schema.Headers{Method: schema.MethodModel, Path: "models/face/face.xml"}}
	if _, err := transfer.Send(admin.NewMessage(ctx), header, strings.NewReader("<net/>"), transfer.DefaultChunkSize); err != nil {
		t.Fatalf("transfer.Send: %v", err)
	}
	update := read(admin)
	if update.Headers.Method != schema.MethodCheckSum {
		t.Fatalf("after upload got %+v, want checkSum", update)
	}
	var updated ledger.Ledger
	if err := json.Unmarshal(update.Payload, &updated); err != nil {
		t.Fatal(err)
	}
	if _, ok := updated.Digest("face", "face.xml"); !ok {
		t.Errorf("ledger after upload = %v, missing face.xml", updated)
	}
	if _, ok := updated.Digest("face", "face.bin"); !ok {
		t.Errorf("ledger after upload = %v, lost face.bin", updated)
	}

	if err := admin.Send(ctx, schema.Message{
		Headers: schema.Headers{Method: schema.MethodCreate},
		Payload: json.RawMessage(`{"command_create":{"pipe_num":1}}`),
	}); err != nil {
		t.Fatal(err)
	}
	if created := read(admin); created.PayloadText() != "pipe_create 0" {
		t.Fatalf("create reply = %+v", created)
	}

	admin.Close("done")
	testutil.Eventually(t, replyTimeout, func() bool {
		return server.registry.Len() == 0
	}, "pipelines of closed connection still registered")

	cancel()
	select {
	case err := <-runResult:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestDataConnectionIgnoresRequests(t *testing.T) {
	pki := testutil.NewPKI(t)
	directory := testutil.SocketDir(t)

	serverTLS, err := transport.ServerTLSConfig(pki.ServerCertFile, pki.ServerKeyFile, pki.CAFile)
	if err != nil {
		t.Fatal(err)
	}
	control, err := transport.NewTLSListener("127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatal(err)
	}
	ipcListener, err := listenSocket(filepath.Join(directory, "unix.sock"))
	if err != nil {
		t.Fatal(err)
	}
	server := newServer(serverOptions{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		SocketPath:      filepath.Join(directory, "unix.sock"),
		WorkerPath:      "/bin/true",
		StorageRoot:     filepath.Join(directory, "storage"),
		MaxPayloadBytes: 1 << 20,
	})
	ctx, cancel := context.WithCancel(context.Background())
	runResult := make(chan error, 1)
	go func() { runResult <- server.Run(ctx, control, ipcListener) }()
	defer func() {
		cancel()
		<-runResult
	}()

	clientTLS, err := transport.ClientTLSConfig(pki.ClientCertFile, pki.ClientKeyFile, pki.CAFile)
	if err != nil {
		t.Fatal(err)
	}
	data, err := transport.Dial(ctx, control.Address(), registry.RoleData, clientTLS)
	if err != nil {
		t.Fatalf("Dial data: %v", err)
	}
	defer data.Close("done")

	if err := data.Send(ctx, schema.Message{
		Headers: schema.Headers{Method: schema.MethodCreate},
		Payload: json.RawMessage(`{"command_create":{"pipe_num":1}}`),
	}); err != nil {
		t.Fatal(err)
	}
	if err := data.Send(ctx, schema.Text(0, "ping")); err != nil {
		t.Fatal(err)
	}

	readCtx, readCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer readCancel()
	if message, err := data.ReadMessage(readCtx); err == nil {
		t.Fatalf("data connection got reply %+v", message)
	}
	if server.registry.Len() != 0 {
		t.Errorf("data connection created %d pipelines", server.registry.Len())
	}
}
