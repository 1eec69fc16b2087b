// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/irptrace/services/pipeline/transcript"
)

// runReason executes `irptrace reason`: the deep reasoning pass over a
// transcript log saved by an earlier run.
func runReason(cmd *cobra.Command, root *rootFlags, f *reasonFlags) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	path := f.transcripts
	if path == "" {
		path = cfg.Pipeline.TranscriptLog
	}
	if path == "" {
		return fmt.Errorf("no transcript log given; use --transcripts")
	}

	transcripts, skipped, err := transcript.ReadLogFile(path)
	if err != nil {
		return err
	}

	// The user asked for this pass explicitly.
	cfg.Reasoning.Enabled = true
	a, err := newBaseApp(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if skipped > 0 {
		a.console.Warn("skipped %d unreadable transcript records in %s", skipped, path)
	}
	a.console.Step("loaded %d transcripts from %s", len(transcripts), path)

	md := deepReasoning(ctx, a, transcripts, nil)
	if md == "" {
		return fmt.Errorf("deep reasoning produced no output")
	}
	if f.out != "" {
		if err := os.WriteFile(f.out, []byte(md+"\n"), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.out, err)
		}
		a.console.Step("reasoning written to %s", f.out)
	}
	return nil
}
