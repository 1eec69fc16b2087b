// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
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

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warn ", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
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

func TestFromSlogLevel(t *testing.T) {
	tests := []struct {
		in   slog.Level
		want Level
	}{
		{slog.LevelDebug, LevelDebug},
		{slog.LevelDebug + 2, LevelDebug},
		{slog.LevelInfo, LevelInfo},
		{slog.LevelWarn, LevelWarn},
		{slog.LevelError, LevelError},
		{slog.LevelError + 4, LevelError},
	}
	for _, tt := range tests {
		if got := fromSlogLevel(tt.in); got != tt.want {
			t.Errorf("fromSlogLevel(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_WritesTextToWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "irptrace", Writer: &buf})
	defer logger.Close()

	logger.Info("callers_discovered", "count", 3)
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "msg=callers_discovered") {
		t.Errorf("output missing message: %q", out)
	}
	if !strings.Contains(out, "count=3") || !strings.Contains(out, "service=irptrace") {
		t.Errorf("output missing attributes: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record should be filtered: %q", out)
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Writer: &buf})
	logger.Warn("step_retry", "step", "resolve-handler")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "step_retry" || rec["step"] != "resolve-handler" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestNew_QuietWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Writer: &buf})
	logger.Error("boom")
	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote %q", buf.String())
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "irptrace", Quiet: true})

	logger.Info("report_written", "path", "out/1.md")
	path := logger.FilePath()
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	want := filepath.Join(dir, "irptrace_"+time.Now().Format("2006-01-02")+".log")
	if path != want {
		t.Errorf("FilePath() = %q, want %q", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"report_written"`) {
		t.Errorf("log file missing record: %q", data)
	}
}

func TestNew_WithLogDir_InvalidPath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Writer: &buf})
	defer logger.Close()

	if logger.FilePath() != "" {
		t.Error("file logging should be disabled")
	}
	if !strings.Contains(buf.String(), "log_file_disabled") {
		t.Errorf("expected a warning, got %q", buf.String())
	}
}

func TestConfig_ZeroLevelIsInfo(t *testing.T) {
	var cfg Config
	if cfg.Level != LevelInfo {
		t.Fatalf("zero Config level = %v, want INFO", cfg.Level)
	}

	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})
	defer logger.Close()

	logger.Debug("hidden")
	logger.Info("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("debug record written at default level: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("info record missing: %q", buf.String())
	}
}

func TestLogger_ExporterSeesSlogRecords(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Service: "irptrace", Exporter: exp})

	child := logger.Slog().With("caller", "DriverEntry").WithGroup("step")
	child.Error("step_degraded", "name", "enumerate-children")
	logger.Debug("filtered")

	entries := exp.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Message != "step_degraded" || e.Level != LevelError || e.Service != "irptrace" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Attrs["caller"] != "DriverEntry" {
		t.Errorf("caller attr = %v", e.Attrs["caller"])
	}
	if e.Attrs["step.name"] != "enumerate-children" {
		t.Errorf("grouped attr = %v", e.Attrs["step.name"])
	}
}

func TestLogger_With(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exp})
	logger.With("run_id", "r1").Info("run_started")

	entries := exp.Entries()
	if len(entries) != 1 || entries[0].Attrs["run_id"] != "r1" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

type failingExporter struct {
	BufferedExporter
	flushErr error
}

func (f *failingExporter) Flush(context.Context) error { return f.flushErr }

func TestLogger_Close_ExporterError(t *testing.T) {
	logger := New(Config{Quiet: true, Exporter: &failingExporter{flushErr: errors.New("flush failed")}})
	err := logger.Close()
	if err == nil || !strings.Contains(err.Error(), "flush failed") {
		t.Errorf("Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exp})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Info("tick", "i", i)
		}(i)
	}
	wg.Wait()

	if got := len(exp.Messages()); got != 20 {
		t.Errorf("got %d messages, want 20", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/.irptrace/logs"); got != filepath.Join(home, ".irptrace/logs") {
		t.Errorf("expandPath() = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath() = %q", got)
	}
}
