// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"github.com/AleutianAI/irptrace/pkg/logging"
	"github.com/AleutianAI/irptrace/services/llm"
	"github.com/AleutianAI/irptrace/services/pipeline/cache"
	"github.com/AleutianAI/irptrace/services/pipeline/retry"
	"github.com/AleutianAI/irptrace/services/pipeline/steps"
	"github.com/AleutianAI/irptrace/services/reasoning"
	"github.com/AleutianAI/irptrace/services/telemetry"
)

// Cache store kinds.
const (
	StoreJSONL  = "jsonl"
	StoreBadger = "badger"
)

// IrptraceConfig is the on-disk configuration. Secrets never live here:
// backend sections name the environment variable that holds the key.
type IrptraceConfig struct {
	// Backend: the analysis backend (openai, ollama, scripted)
	Backend llm.Config `yaml:"backend"`

	// Reasoning: the optional deep reasoning pass
	Reasoning reasoning.Config `yaml:"reasoning"`

	Cache     CacheConfig      `yaml:"cache"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Output    OutputConfig     `yaml:"output"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type CacheConfig struct {
	Store  string `yaml:"store" validate:"oneof=jsonl badger"`
	Path   string `yaml:"path" validate:"required"` // jsonl file or badger directory
	Policy string `yaml:"policy" validate:"oneof=address-only always-refresh"`
}

type PipelineConfig struct {
	// Concurrency is the number of callers analyzed at once. The backend
	// session is usually stateful, so keep 1 unless it is not.
	Concurrency        int          `yaml:"concurrency" validate:"gte=1,lte=16"`
	SkipDispatchFixups bool         `yaml:"skip_dispatch_fixups"`
	DispatchPrototype  string       `yaml:"dispatch_prototype"`
	Retry              retry.Config `yaml:"retry"`
	TranscriptLog      string       `yaml:"transcript_log"` // empty disables the log file
}

type OutputConfig struct {
	Dir string `yaml:"dir"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
	Quiet bool   `yaml:"quiet"`
}

// LoggerConfig converts the section for logging.New.
func (l LoggingConfig) LoggerConfig(service string) logging.Config {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{
		Level:   level,
		LogDir:  l.Dir,
		Service: service,
		JSON:    l.JSON,
		Quiet:   l.Quiet,
	}
}

func DefaultConfig() IrptraceConfig {
	return IrptraceConfig{
		Backend:   llm.DefaultConfig(),
		Reasoning: reasoning.DefaultConfig(),
		Cache: CacheConfig{
			Store:  StoreJSONL,
			Path:   "external_function_cache.jsonl",
			Policy: string(cache.PolicyAddressOnly),
		},
		Pipeline: PipelineConfig{
			Concurrency:       1,
			DispatchPrototype: steps.DefaultDispatchPrototype,
			Retry:             retry.DefaultConfig(),
			TranscriptLog:     "logs.txt",
		},
		Output: OutputConfig{Dir: "."},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}
