// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package report renders a pipeline run into a single markdown document.
package report

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
)

// Headings of the rendered document.
const (
	Title                 = "# IoCreateDevice dispatch analysis report"
	DeepReasoningHeading  = "## deep reasoning output"
	CodeSummaryHeading    = "## controlled memory parameter code summary"
	NoDeepReasoningText   = "(no deep reasoning output was generated)"
	sectionSeparator      = "\n\n---\n\n"
	defaultOutputDir      = "."
	reportFileExtension   = ".md"
	reportFilePermissions = 0o644
)

// Section renders one caller report.
func Section(r datatypes.CallerReport) string {
	lines := []string{
		fmt.Sprintf("### Caller: %s @ `%s`", r.Caller.Name, r.Caller.Address),
		"",
		fmt.Sprintf("**MajorFunction[14] handler:** %s @ `%s`", r.Handler.Name, r.Handler.Address),
		"",
		"#### child descriptions",
		r.ChildBlock,
		"",
		"#### function memory parameter analysis",
		r.ParentMemoryBlock,
		"",
		"#### IRP controlled memory access",
		r.ControlledAccessBlock,
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Main renders the title and every caller section, separated by rules.
func Main(reports []datatypes.CallerReport) string {
	sections := make([]string, 0, len(reports))
	for _, r := range reports {
		sections = append(sections, Section(r))
	}
	return Title + "\n\n" + strings.Join(sections, sectionSeparator)
}

// Render builds the complete document for a run.
//
// The deep reasoning section is always present and falls back to a
// placeholder. The code summary is present only when the run collected
// controlled memory parameter excerpts.
func Render(result *datatypes.RunResult) string {
	deep := strings.TrimSpace(result.DeepReasoning)
	if deep == "" {
		deep = NoDeepReasoningText
	}
	parts := []string{Main(result.Reports), DeepReasoningHeading, deep}
	if len(result.ControlledMemoryCode) > 0 {
		parts = append(parts, CodeSummaryHeading, strings.Join(result.ControlledMemoryCode, "\n\n"))
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n")) + "\n"
}

// FileName returns the report name for a run started at t.
func FileName(t time.Time) string {
	return fmt.Sprintf("%d%s", t.Unix(), reportFileExtension)
}

// Write renders result into dir and returns the file path.
//
// Description:
//
//	The directory is created when missing. The file is named after the
//	run's start time in seconds since the epoch; a zero StartedAt uses
//	the current time.
//
// Inputs:
//
//	dir - Output directory. Empty means the working directory.
//	result - The finished run.
//	logger - May be nil.
//
// Outputs:
//
//	string - Path of the written report.
//	error - Non-nil if the directory or file could not be written.
func Write(dir string, result *datatypes.RunResult, logger *slog.Logger) (string, error) {
	if result == nil {
		return "", fmt.Errorf("write report: nil run result")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		dir = defaultOutputDir
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create output directory %s: %w", dir, err)
	}

	started := result.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	path := filepath.Join(dir, FileName(started))
	if err := os.WriteFile(path, []byte(Render(result)), reportFilePermissions); err != nil {
		return "", fmt.Errorf("write report %s: %w", path, err)
	}

	logger.Info("report_written",
		slog.String("path", path),
		slog.String("run_id", result.RunID),
		slog.Int("callers", len(result.Reports)),
	)
	return path, nil
}
