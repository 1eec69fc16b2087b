// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when --config is not given.
const DefaultPath = "irptrace.yaml"

// ErrExists is returned by Init when the file is already there.
var ErrExists = errors.New("config file already exists")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the config at path over the defaults. A missing file yields
// the defaults; run `irptrace config init` to write them out.
func Load(path string) (IrptraceConfig, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, Validate(cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	return cfg, Validate(cfg)
}

// Validate checks every section's constraints.
func Validate(cfg IrptraceConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			v := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (value %v)", v.Namespace(), v.Tag(), v.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Init writes the defaults to path. An existing file is kept unless force
// is set.
func Init(path string, force bool) error {
	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s: %w", path, ErrExists)
	}
	return createDefault(path)
}

// Marshal renders cfg as YAML.
func Marshal(cfg IrptraceConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
