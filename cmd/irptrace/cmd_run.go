// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/irptrace/services/pipeline"
	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
	"github.com/AleutianAI/irptrace/services/reasoning"
	"github.com/AleutianAI/irptrace/services/report"
)

// runPipeline executes `irptrace run`.
//
// The report is written even when steps failed or the run was
// interrupted; an interrupted run still returns the context error so the
// exit code is non-zero.
func runPipeline(cmd *cobra.Command, root *rootFlags, f *runFlags) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	if f.outputDir != "" {
		cfg.Output.Dir = f.outputDir
	}
	if f.concurrency > 0 {
		cfg.Pipeline.Concurrency = f.concurrency
	}
	if f.skipFixups {
		cfg.Pipeline.SkipDispatchFixups = true
	}
	if f.noReasoning {
		cfg.Reasoning.Enabled = false
	}

	a, err := newApp(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	log := a.slog()

	ctrl, err := pipeline.NewController(pipeline.Config{
		Concurrency:        cfg.Pipeline.Concurrency,
		SkipDispatchFixups: cfg.Pipeline.SkipDispatchFixups,
	}, a.runner, a.console, log)
	if err != nil {
		return err
	}

	result, runErr := ctrl.Run(ctx)
	switch {
	case errors.Is(runErr, pipeline.ErrNoCallers):
		a.console.Warn("%v; no report written", runErr)
		return nil
	case result == nil:
		return runErr
	}

	if runErr == nil {
		result.DeepReasoning = deepReasoning(ctx, a, result.Transcripts, result.ControlledMemoryCode)
	}

	path, err := report.Write(cfg.Output.Dir, result, log)
	if err != nil {
		return errors.Join(runErr, err)
	}
	a.console.Step("report written to %s", path)
	return runErr
}

// deepReasoning runs the reasoning pass and returns its markdown, or ""
// when it was skipped or failed.
func deepReasoning(ctx context.Context, a *app, transcripts []datatypes.Transcript, excerpts []string) string {
	cfg := a.cfg.Reasoning
	if !cfg.Enabled {
		return ""
	}
	if len(transcripts) > 0 {
		a.console.Heading(fmt.Sprintf("deep reasoning output (%s)", cfg.Model))
	}
	md, err := reasoning.Pass(ctx, cfg, transcripts, excerpts, a.console, a.slog())
	switch {
	case reasoning.IsSkipped(err):
		a.console.Warn("deep reasoning skipped: %v", err)
	case err != nil:
		a.console.Warn("deep reasoning failed: %v", err)
		a.slog().Error("deep_reasoning_failed", slog.String("error", err.Error()))
	}
	return md
}
