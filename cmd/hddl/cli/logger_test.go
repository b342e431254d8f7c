// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerFormat(t *testing.T) {
	var buffer bytes.Buffer
	newLogger(&buffer, false, slog.LevelInfo).Info("uploaded", "path", "models/face/face.bin")
	var record map[string]any
	if err := json.Unmarshal(buffer.Bytes(), &record); err != nil {
		t.Fatalf("non-terminal output is not JSON: %q", buffer.String())
	}
	if record["path"] != "models/face/face.bin" {
		t.Errorf("record = %v", record)
	}

	buffer.Reset()
	newLogger(&buffer, true, slog.LevelInfo).Info("uploaded", "path", "models/face/face.bin")
	if !strings.Contains(buffer.String(), "path=models/face/face.bin") {
		t.Errorf("terminal output = %q, want text format", buffer.String())
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var buffer bytes.Buffer
	logger := newLogger(&buffer, true, slog.LevelWarn)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buffer.String(), "hidden") || !strings.Contains(buffer.String(), "shown") {
		t.Errorf("output = %q", buffer.String())
	}
}
