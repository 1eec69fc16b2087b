// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"

	"github.com/AleutianAI/irptrace/cmd/irptrace/config"
)

const (
	serviceName = "irptrace"
	version     = "0.1.0"
)

// --- Command flags ---
type rootFlags struct {
	configPath string
}

type runFlags struct {
	outputDir   string
	concurrency int
	skipFixups  bool
	noReasoning bool
}

type stepFlags struct {
	address     string
	name        string
	kind        string
	inputJSON   string
	contextFile string
}

type reasonFlags struct {
	transcripts string
	out         string
}

func newRootCmd() *cobra.Command {
	root := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "irptrace",
		Short: "Trace IoCreateDevice callers to their IRP_MJ_DEVICE_CONTROL handlers",
		Long: `irptrace asks an analysis backend to find every IoCreateDevice caller,
resolve its MajorFunction[14] handler, describe the handler's children and
decide whether IRP fields control kernel memory access. The findings are
written to a single markdown report.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&root.configPath, "config", "c", config.DefaultPath, "Path to the irptrace YAML config")

	rootCmd.AddCommand(
		newRunCmd(root),
		newStepCmd(root),
		newCacheCmd(root),
		newConfigCmd(root),
		newReasonCmd(root),
	)
	return rootCmd
}

func newRunCmd(root *rootFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline and write the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, root, f) // Defined in cmd_run.go
		},
	}
	cmd.Flags().StringVarP(&f.outputDir, "output-dir", "o", "", "Report directory (overrides output.dir)")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "Callers analysed at once (overrides pipeline.concurrency)")
	cmd.Flags().BoolVar(&f.skipFixups, "skip-fixups", false, "Skip the IoControlCode rename and dispatch prototype change")
	cmd.Flags().BoolVar(&f.noReasoning, "no-reasoning", false, "Skip the deep reasoning pass")
	return cmd
}

func newStepCmd(root *rootFlags) *cobra.Command {
	f := &stepFlags{}
	cmd := &cobra.Command{
		Use:       "step <variant>",
		Short:     "Run a single analysis step against one function",
		Long:      "Runs one step and prints its result. Variants: " + stepVariantList() + ".",
		Args:      cobra.ExactArgs(1),
		ValidArgs: stepVariantNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStep(cmd, root, f, args[0]) // Defined in cmd_step.go
		},
	}
	cmd.Flags().StringVar(&f.address, "address", "", "Function address, e.g. 0x140001000")
	cmd.Flags().StringVar(&f.name, "name", "", "Function name")
	cmd.Flags().StringVar(&f.kind, "kind", "", "Child kind for describe-function: internal or external")
	cmd.Flags().StringVar(&f.inputJSON, "input-json", "", `Target as JSON, e.g. {"address":"0x1","name":"f"}`)
	cmd.Flags().StringVar(&f.contextFile, "context-file", "", "Markdown context for analyze-controlled-memory-access")
	return cmd
}

func newCacheCmd(root *rootFlags) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the function description cache",
	}
	cacheCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List cached descriptions and their call sites",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runCacheList(cmd, root) // Defined in cmd_cache.go
			},
		},
		&cobra.Command{
			Use:   "show <name>",
			Short: "Print one cached description",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCacheShow(cmd, root, args[0])
			},
		},
	)
	return cacheCmd
}

func newConfigCmd(root *rootFlags) *cobra.Command {
	var force bool
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Create or print the configuration",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigInit(cmd, root, force) // Defined in cmd_config.go
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(
		initCmd,
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runConfigShow(cmd, root)
			},
		},
	)
	return configCmd
}

func newReasonCmd(root *rootFlags) *cobra.Command {
	f := &reasonFlags{}
	cmd := &cobra.Command{
		Use:   "reason",
		Short: "Re-run deep reasoning over a saved transcript log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReason(cmd, root, f) // Defined in cmd_reason.go
		},
	}
	cmd.Flags().StringVar(&f.transcripts, "transcripts", "", "Transcript log (defaults to pipeline.transcript_log)")
	cmd.Flags().StringVar(&f.out, "out", "", "Also write the reasoning markdown to this file")
	return cmd
}
