// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hddl-foundation/hddl/lib/binhash"
	"github.com/hddl-foundation/hddl/lib/ledger"
	"github.com/hddl-foundation/hddl/lib/registry"
	"github.com/hddl-foundation/hddl/lib/schema"
	"github.com/hddl-foundation/hddl/lib/testutil"
	"github.com/hddl-foundation/hddl/lib/transfer"
	"github.com/hddl-foundation/hddl/transport"
)

type received struct {
	header transfer.Header
	body   []byte
	digest string
}

// fakeServer greets each connection with greeting, echoes text
// envelopes, and reports decoded transfers on the returned channel.
func fakeServer(t *testing.T, pki testutil.PKI, greeting ...schema.Message) (string, <-chan received) {
	t.Helper()
	serverTLS, err := transport.ServerTLSConfig(pki.ServerCertFile, pki.ServerKeyFile, pki.CAFile)
	if err != nil {
		t.Fatal(err)
	}
	listener, err := transport.NewTLSListener("127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	transfers := make(chan received, 16)
	handler := transport.Handler(slog.New(slog.NewTextHandler(io.Discard, nil)), 1<<24, func(ctx context.Context, conn *transport.Conn) {
		for _, message := range greeting {
			if err := conn.Send(ctx, message); err != nil {
				return
			}
		}
		for {
			binary, reader, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if !binary {
				data, err := io.ReadAll(reader)
				if err != nil {
					return
				}
				message, err := schema.Decode(data)
				if err != nil {
					return
				}
				conn.Send(ctx, message)
				continue
			}
			sink := transfer.NewBufferSink(1 << 24)
			result, err := transfer.Receive(reader, func(transfer.Header) (transfer.Sink, error) { return sink, nil }, 0)
			if err != nil {
				t.Errorf("server decoding transfer: %v", err)
				return
			}
			transfers <- received{header: result.Header, body: sink.Bytes(), digest: result.Digest}
		}
	})
	go listener.Serve(ctx, handler)
	return listener.Address(), transfers
}

func dialFake(t *testing.T, pki testutil.PKI, address string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Options{
		Server:   address,
		CertFile: pki.ClientCertFile,
		KeyFile:  pki.ClientKeyFile,
		CAFile:   pki.CAFile,
		Role:     registry.RoleAdmin,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientTracksLedgersAndPipes(t *testing.T) {
	pki := testutil.NewPKI(t)
	known := ledger.Ledger{"face": {HasModel: ledger.HasModelYes, ModelFile: map[string]string{"face.bin": "aa"}}}
	encoded, _ := json.Marshal(known)
	address, _ := fakeServer(t, pki,
		schema.CheckSum("models", encoded),
		schema.PipeIDs([]int{0, 1}),
		schema.PipeDelete(0),
	)
	c := dialFake(t, pki, address)

	err := c.Await(context.Background(), 5*time.Second, func(message schema.Message) (bool, error) {
		return message.Headers.Method == schema.MethodPipeDelete, nil
	})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	current, ok := c.Ledger("models")
	if !ok {
		t.Fatal("ledger for models not recorded")
	}
	if digest, _ := current.Digest("face", "face.bin"); digest != "aa" {
		t.Errorf("ledger digest = %q, want aa", digest)
	}
	if _, ok := c.Ledger("other"); ok {
		t.Error("ledger recorded for a root the server never sent")
	}
	if got := fmt.Sprint(c.Pipes()); got != "[1]" {
		t.Errorf("Pipes = %s, want [1]", got)
	}
}

func TestClientTextEcho(t *testing.T) {
	pki := testutil.NewPKI(t)
	address, _ := fakeServer(t, pki)
	c := dialFake(t, pki, address)
	ctx := context.Background()

	if err := c.Text(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	var echoed string
	err := c.Await(ctx, 5*time.Second, func(message schema.Message) (bool, error) {
		echoed = message.PayloadText()
		return true, nil
	})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if echoed != "hello" {
		t.Errorf("echo = %q, want hello", echoed)
	}
}

func TestRequestTravelsAsTransfer(t *testing.T) {
	pki := testutil.NewPKI(t)
	address, transfers := fakeServer(t, pki)
	c := dialFake(t, pki, address)

	document := []byte(`{"command_destroy": {}}`)
	if err := c.Request(context.Background(), schema.MethodDestroy, intPointer(3), document, "destroy.json"); err != nil {
		t.Fatalf("Request: %v", err)
	}
	got := testutil.RequireReceive(t, transfers, 5*time.Second, "waiting for request transfer")
	if got.header.Method != schema.MethodDestroy {
		t.Errorf("method = %q, want destroy", got.header.Method)
	}
	if id, ok := got.header.Pipe(); !ok || id != 3 {
		t.Errorf("pipe_id = %d (present %v), want 3", id, ok)
	}
	if string(got.body) != string(document) {
		t.Errorf("body = %q, want %q", got.body, document)
	}
}

func TestUploadSendsPlannedFiles(t *testing.T) {
	pki := testutil.NewPKI(t)
	address, transfers := fakeServer(t, pki)
	c := dialFake(t, pki, address)

	directory := filepath.Join(t.TempDir(), "models")
	writeFile(t, filepath.Join(directory, "face", "face.bin"), "weights")
	writeFile(t, filepath.Join(directory, "face", "face.xml"), "<net/>")

	plan, err := PlanUploads(directory, ledger.Ledger{}, binhash.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Upload(context.Background(), plan); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	for _, want := range plan {
		got := testutil.RequireReceive(t, transfers, 5*time.Second, "waiting for %s", want.Path)
		if got.header.Method != schema.MethodModel || got.header.Path != want.Path {
			t.Errorf("header = %+v, want model %s", got.header, want.Path)
		}
		if got.header.Digest != "sha256" || got.digest != want.Digest {
			t.Errorf("%s: digest %s/%s, want sha256/%s", want.Path, got.header.Digest, got.digest, want.Digest)
		}
	}
}

func TestAwaitTimesOut(t *testing.T) {
	pki := testutil.NewPKI(t)
	address, _ := fakeServer(t, pki)
	c := dialFake(t, pki, address)

	err := c.Await(context.Background(), 50*time.Millisecond, func(schema.Message) (bool, error) { return true, nil })
	if !errors.Is(err, ErrNoReply) {
		t.Fatalf("Await = %v, want ErrNoReply", err)
	}
	// The timeout must leave the connection usable.
	if err := c.Text(context.Background(), "still here"); err != nil {
		t.Fatalf("Text after timeout: %v", err)
	}
}

func TestReplyError(t *testing.T) {
	for _, test := range []struct {
		message schema.Message
		failed  bool
	}{
		{schema.Text(400, "pipe 3 not exists"), true},
		{schema.Text(409, "upload in progress models/a/b.bin"), true},
		{schema.Text(200, "pipe_create 0"), false},
		{schema.Error(422, nil, "digest mismatch"), true},
		{schema.PipeDelete(1), false},
		{schema.CheckSum("models", json.RawMessage(`{}`)), false},
	} {
		if err := ReplyError(test.message); (err != nil) != test.failed {
			t.Errorf("ReplyError(%+v) = %v, want failure %v", test.message, err, test.failed)
		}
	}
}

func intPointer(value int) *int { return &value }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
