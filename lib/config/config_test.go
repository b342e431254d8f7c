// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hddl.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Listen != ":8445" {
		t.Errorf("expected listen=:8445, got %s", cfg.Listen)
	}
	if cfg.Pipeline.DestroyGrace != "10s" {
		t.Errorf("expected destroy_grace=10s, got %s", cfg.Pipeline.DestroyGrace)
	}
	if cfg.Pipeline.DestroyOnDisconnect {
		t.Error("expected destroy_on_disconnect=false for development")
	}
	if cfg.Control.MaxPayloadBytes != 1<<20 {
		t.Errorf("expected max_payload_bytes=1MiB, got %d", cfg.Control.MaxPayloadBytes)
	}
	if cfg.Control.MaxPipesPerRequest != 64 {
		t.Errorf("expected max_pipes_per_request=64, got %d", cfg.Control.MaxPipesPerRequest)
	}
	if cfg.SendTimeout() != 10*time.Second {
		t.Errorf("expected send_timeout=10s, got %s", cfg.SendTimeout())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() does not validate: %v", err)
	}
}

func TestLoad_RequiresHDDLConfig(t *testing.T) {
	t.Setenv(EnvVar, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when HDDL_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "HDDL_CONFIG environment variable not set") {
		t.Errorf("unexpected error message %q", err.Error())
	}
}

func TestLoad_WithHDDLConfig(t *testing.T) {
	path := writeConfig(t, `
listen: 127.0.0.1:9000
storage:
  root: /srv/hddl
`)
	t.Setenv(EnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9000" {
		t.Errorf("expected listen=127.0.0.1:9000, got %s", cfg.Listen)
	}
	if cfg.Storage.Root != "/srv/hddl" {
		t.Errorf("expected root=/srv/hddl, got %s", cfg.Storage.Root)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
environment: development
listen: 0.0.0.0:8445

tls:
  cert_file: /etc/hddl/server.pem
  key_file: /etc/hddl/server.key
  ca_file: /etc/hddl/ca.pem

worker:
  binary: /opt/hddl/bin/hddl_mediapipe2
  args: ["--verbose"]

storage:
  root: /var/lib/hddl
  model_roots: [models, extra]
  digest: sha256

pipeline:
  destroy_grace: 3s

metrics:
  listen: 127.0.0.1:9090

log_level: debug
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.TLS.CAFile != "/etc/hddl/ca.pem" {
		t.Errorf("expected ca_file=/etc/hddl/ca.pem, got %s", cfg.TLS.CAFile)
	}
	if len(cfg.Worker.Args) != 1 || cfg.Worker.Args[0] != "--verbose" {
		t.Errorf("expected worker args [--verbose], got %v", cfg.Worker.Args)
	}
	if cfg.Storage.Digest != "sha256" {
		t.Errorf("expected digest=sha256, got %s", cfg.Storage.Digest)
	}
	if cfg.DestroyGrace() != 3*time.Second {
		t.Errorf("expected destroy grace 3s, got %s", cfg.DestroyGrace())
	}
	roots := cfg.ModelRootPaths()
	if len(roots) != 2 || roots[1] != "/var/lib/hddl/extra" {
		t.Errorf("unexpected model root paths %v", roots)
	}
	if cfg.IPC.SocketPath != "/var/lib/hddl/ipc_socket/unix.sock" {
		t.Errorf("expected socket under storage root, got %s", cfg.IPC.SocketPath)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: production
listen: ":8445"
production:
  listen: ":443"
  storage:
    root: /data
  pipeline:
    destroy_on_disconnect: true
    destroy_grace: 30s
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Listen != ":443" {
		t.Errorf("expected production listen=:443, got %s", cfg.Listen)
	}
	if cfg.Storage.Root != "/data" {
		t.Errorf("expected production root=/data, got %s", cfg.Storage.Root)
	}
	if !cfg.Pipeline.DestroyOnDisconnect {
		t.Error("expected destroy_on_disconnect=true")
	}
	if cfg.DestroyGrace() != 30*time.Second {
		t.Errorf("expected destroy grace 30s, got %s", cfg.DestroyGrace())
	}
}

func TestProductionDefaults(t *testing.T) {
	path := writeConfig(t, "environment: production\n")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if !cfg.Pipeline.DestroyOnDisconnect {
		t.Error("expected production to destroy pipelines on disconnect")
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected production log_level=warn, got %s", cfg.LogLevel)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("HDDL_TEST_VAR", "from-env")

	tests := []struct {
		name     string
		input    string
		vars     map[string]string
		expected string
	}{
		{"simple var", "${HDDL_ROOT}/models", map[string]string{"HDDL_ROOT": "/srv"}, "/srv/models"},
		{"default used", "${HDDL_UNSET_VAR:-/fallback}/x", nil, "/fallback/x"},
		{"env var", "${HDDL_TEST_VAR}", nil, "from-env"},
		{"provided beats env", "${HDDL_TEST_VAR}", map[string]string{"HDDL_TEST_VAR": "provided"}, "provided"},
		{"no vars", "/plain/path", nil, "/plain/path"},
		{"multiple", "${A}-${B:-b}", map[string]string{"A": "a"}, "a-b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandVars(tt.input, tt.vars); got != tt.expected {
				t.Errorf("expandVars(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestStorageRootFromEnvironment(t *testing.T) {
	root := t.TempDir()
	t.Setenv("HDDL_ROOT", root)
	path := writeConfig(t, "log_level: info\n")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Storage.Root != root {
		t.Errorf("expected storage root %s, got %s", root, cfg.Storage.Root)
	}
	if cfg.TLS.CertFile != filepath.Join(root, "server_cert", "server-cert.pem") {
		t.Errorf("unexpected cert path %s", cfg.TLS.CertFile)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid default", func(c *Config) {}, ""},
		{"bad environment", func(c *Config) { c.Environment = "staging" }, "invalid environment"},
		{"bad listen", func(c *Config) { c.Listen = "8445" }, "listen"},
		{"missing ca", func(c *Config) { c.TLS.CAFile = "" }, "tls.cert_file"},
		{"missing socket", func(c *Config) { c.IPC.SocketPath = "" }, "ipc.socket_path"},
		{"missing worker", func(c *Config) { c.Worker.Binary = "" }, "worker.binary"},
		{"absolute model root", func(c *Config) { c.Storage.ModelRoots = []string{"/models"} }, "model_roots"},
		{"escaping model root", func(c *Config) { c.Storage.ModelRoots = []string{"../models"} }, "model_roots"},
		{"unknown digest", func(c *Config) { c.Storage.Digest = "crc32" }, "storage.digest"},
		{"bad grace", func(c *Config) { c.Pipeline.DestroyGrace = "soon" }, "destroy_grace"},
		{"negative grace", func(c *Config) { c.Pipeline.DestroyGrace = "-1s" }, "destroy_grace"},
		{"zero payload limit", func(c *Config) { c.Control.MaxPayloadBytes = 0 }, "max_payload_bytes"},
		{"zero pipe limit", func(c *Config) { c.Control.MaxPipesPerRequest = 0 }, "max_pipes_per_request"},
		{"bad send timeout", func(c *Config) { c.Control.SendTimeout = "later" }, "send_timeout"},
		{"zero send timeout", func(c *Config) { c.Control.SendTimeout = "0s" }, "send_timeout"},
		{"bad metrics listen", func(c *Config) { c.Metrics.Listen = "metrics" }, "metrics.listen"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.IPC.SocketPath = ""
	cfg.Worker.Binary = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "ipc.socket_path") || !strings.Contains(err.Error(), "worker.binary") {
		t.Errorf("expected both problems reported, got %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	if err != nil || level != slog.LevelDebug {
		t.Fatalf("ParseLevel(debug) = %v, %v", level, err)
	}
	if _, err := ParseLevel("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestWorkerPath(t *testing.T) {
	cfg := Default()
	cfg.Worker.Binary = "/bin/sh"
	if path, err := cfg.WorkerPath(); err != nil || path != "/bin/sh" {
		t.Fatalf("WorkerPath() = %q, %v", path, err)
	}
	cfg.Worker.Binary = "sh"
	if _, err := cfg.WorkerPath(); err != nil {
		t.Fatalf("WorkerPath() for sh in PATH: %v", err)
	}
	cfg.Worker.Binary = "/nonexistent/hddl-worker"
	if _, err := cfg.WorkerPath(); err == nil {
		t.Fatal("expected error for missing binary")
	}
}
