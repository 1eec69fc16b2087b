// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/irptrace/pkg/logging"
	"github.com/AleutianAI/irptrace/services/pipeline/retry"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "openai", cfg.Backend.Provider)
	assert.Equal(t, StoreJSONL, cfg.Cache.Store)
	assert.Equal(t, "address-only", cfg.Cache.Policy)
	assert.Equal(t, 1, cfg.Pipeline.Concurrency)
	assert.Equal(t, retry.DefaultAttempts, cfg.Pipeline.Retry.Attempts)
	assert.Equal(t, "logs.txt", cfg.Pipeline.TranscriptLog)
}

func TestCreateDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "irptrace.yaml")
	require.NoError(t, createDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg IrptraceConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, DefaultConfig().Backend.Model, cfg.Backend.Model)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Retry.Delay)
	assert.NotContains(t, string(data), "sk-")
}

func TestInit_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "irptrace.yaml")
	require.NoError(t, Init(path, false))
	assert.ErrorIs(t, Init(path, false), ErrExists)
	assert.NoError(t, Init(path, true))
}

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("partial file keeps other defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "irptrace.yaml")
		content := "cache:\n  store: badger\n  path: ./cache-db\npipeline:\n  concurrency: 4\n  retry:\n    attempts: 5\n    delay: 2s\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, StoreBadger, cfg.Cache.Store)
		assert.Equal(t, "address-only", cfg.Cache.Policy)
		assert.Equal(t, 4, cfg.Pipeline.Concurrency)
		assert.Equal(t, 5, cfg.Pipeline.Retry.Attempts)
		assert.Equal(t, 2*time.Second, cfg.Pipeline.Retry.Delay)
		assert.Equal(t, DefaultConfig().Backend, cfg.Backend)
	})

	tests := []struct {
		name    string
		content string
	}{
		{"bad store", "cache:\n  store: sqlite\n"},
		{"bad policy", "cache:\n  policy: sometimes\n"},
		{"concurrency too high", "pipeline:\n  concurrency: 64\n"},
		{"bad provider", "backend:\n  provider: carrier-pigeon\n"},
		{"bad exporter", "telemetry:\n  trace_exporter: jaeger\n"},
		{"bad yaml", "cache: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "irptrace.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoggingConfig_LoggerConfig(t *testing.T) {
	lc := LoggingConfig{Level: "debug", Dir: "/tmp/logs", JSON: true}.LoggerConfig("irptrace")
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, "/tmp/logs", lc.LogDir)
	assert.Equal(t, "irptrace", lc.Service)
	assert.True(t, lc.JSON)

	assert.Equal(t, logging.LevelInfo, LoggingConfig{Level: "loud"}.LoggerConfig("x").Level)
}
