// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transcript persists controlled-memory-access round-trips.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
)

// Separator follows every record in the log.
var Separator = strings.Repeat("-", 80)

// Sink receives transcripts as they are captured.
type Sink interface {
	Append(t datatypes.Transcript) error
}

// FileSink appends transcripts to a log file.
//
// Each record is written as indented JSON, a newline, the separator line and
// another newline. The file is opened per append so an operator can rotate
// or tail it during a long run.
//
// Thread Safety: Safe for concurrent use.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates a sink appending to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Path returns the log path.
func (s *FileSink) Path() string { return s.path }

// Append implements Sink.
func (s *FileSink) Append(t datatypes.Transcript) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create transcript directory: %w", err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open transcript log: %w", err)
	}
	defer f.Close()

	record := string(data) + "\n" + Separator + "\n"
	if _, err := f.WriteString(record); err != nil {
		return fmt.Errorf("write transcript log: %w", err)
	}
	return nil
}

// MemorySink keeps transcripts in memory.
//
// Thread Safety: Safe for concurrent use.
type MemorySink struct {
	mu      sync.Mutex
	records []datatypes.Transcript
}

// Append implements Sink.
func (s *MemorySink) Append(t datatypes.Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, t)
	return nil
}

// Transcripts returns a copy of everything appended so far.
func (s *MemorySink) Transcripts() []datatypes.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]datatypes.Transcript(nil), s.records...)
}
