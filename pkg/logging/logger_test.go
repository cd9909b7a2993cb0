// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			if got := tt.level.toSlogLevel(); got != tt.want {
				t.Errorf("Level.toSlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"warn", LevelWarn, false},
		{"Error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below Warn were written: %q", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("Warn/Error messages missing: %q", out)
	}
}

func TestLogger_JSONWithService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, JSON: true, Service: "rangetag", Output: &buf})

	logger.With("store", "effects").Info("entry added", "start", 3)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if record["service"] != "rangetag" {
		t.Errorf("service = %v, want rangetag", record["service"])
	}
	if record["store"] != "effects" {
		t.Errorf("store = %v, want effects", record["store"])
	}
	if record["start"] != float64(3) {
		t.Errorf("start = %v, want 3", record["start"])
	}
}

func TestLogger_Quiet(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Output: &buf})
	logger.Error("should not appear")
	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote %q", buf.String())
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestLogger_FileContent(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "rangetag-test",
		Output:  &console,
	})

	logger.Info("file message", "key", "value")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}

	name := "rangetag-test_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		t.Fatalf("file log is not JSON: %v (%q)", err, data)
	}
	if record["msg"] != "file message" || record["key"] != "value" {
		t.Errorf("unexpected record %v", record)
	}
	if !strings.Contains(console.String(), "file message") {
		t.Errorf("console output missing message: %q", console.String())
	}
}

func TestLogger_InvalidLogDirFallsBackToConsole(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	logger := New(Config{LogDir: file, Output: &buf})
	logger.Info("still logged")
	if !strings.Contains(buf.String(), "still logged") {
		t.Errorf("console output missing message: %q", buf.String())
	}
}

func TestLogger_Slog(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	logger.Slog().Info("via slog")
	if !strings.Contains(buf.String(), "via slog") {
		t.Errorf("Slog() did not share the handler: %q", buf.String())
	}
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler_FansOut(t *testing.T) {
	var text, js bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&text, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&js, &slog.HandlerOptions{Level: slog.LevelError}),
	}}

	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Enabled(Info) = false, want true")
	}
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Enabled(Debug) = true, want false")
	}

	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("k", "v")}).WithGroup("g"))
	logger.Info("info only")
	logger.Error("both")

	if !strings.Contains(text.String(), "info only") || !strings.Contains(text.String(), "both") {
		t.Errorf("text handler output = %q", text.String())
	}
	if strings.Contains(js.String(), "info only") || !strings.Contains(js.String(), "both") {
		t.Errorf("json handler output = %q", js.String())
	}
	if !strings.Contains(js.String(), `"k":"v"`) {
		t.Errorf("attrs not propagated: %q", js.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
}
