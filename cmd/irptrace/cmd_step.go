// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
	"github.com/AleutianAI/irptrace/services/pipeline/steps"
)

// stepFunc runs one variant and returns printable output.
type stepFunc func(ctx context.Context, r *steps.Runner, target datatypes.ChildRef, contextMD string) (string, error)

type stepVariant struct {
	needsTarget bool
	run         stepFunc
}

var stepVariants = map[string]stepVariant{
	steps.StepDiscoverCallers: {
		run: func(ctx context.Context, r *steps.Runner, _ datatypes.ChildRef, _ string) (string, error) {
			return jsonResult(r.DiscoverCallers(ctx))
		},
	},
	steps.StepResolveHandler: {
		needsTarget: true,
		run: func(ctx context.Context, r *steps.Runner, t datatypes.ChildRef, _ string) (string, error) {
			return jsonResult(r.ResolveHandler(ctx, t.FunctionRef))
		},
	},
	steps.StepEnumerateChildren: {
		needsTarget: true,
		run: func(ctx context.Context, r *steps.Runner, t datatypes.ChildRef, _ string) (string, error) {
			return jsonResult(r.EnumerateChildren(ctx, t.FunctionRef))
		},
	},
	steps.StepDescribeFunction: {
		needsTarget: true,
		run: func(ctx context.Context, r *steps.Runner, t datatypes.ChildRef, _ string) (string, error) {
			md, _, err := r.DescribeFunction(ctx, t)
			return md, err
		},
	},
	steps.StepMemoryParameters: {
		needsTarget: true,
		run: func(ctx context.Context, r *steps.Runner, t datatypes.ChildRef, _ string) (string, error) {
			return jsonResult(r.AnalyzeMemoryParameters(ctx, t.FunctionRef))
		},
	},
	steps.StepControlledAccess: {
		needsTarget: true,
		run: func(ctx context.Context, r *steps.Runner, t datatypes.ChildRef, contextMD string) (string, error) {
			md, _, err := r.AnalyzeControlledAccess(ctx, t.FunctionRef, contextMD)
			return md, err
		},
	},
	steps.StepRenameIoControlCode: {
		needsTarget: true,
		run: func(ctx context.Context, r *steps.Runner, t datatypes.ChildRef, _ string) (string, error) {
			return jsonResult(r.RenameIoControlCode(ctx, t.FunctionRef))
		},
	},
	steps.StepSetDispatchPrototype: {
		needsTarget: true,
		run: func(ctx context.Context, r *steps.Runner, t datatypes.ChildRef, _ string) (string, error) {
			return jsonResult(r.SetDispatchPrototype(ctx, t.FunctionRef))
		},
	},
	steps.StepMemoryFlow: {
		needsTarget: true,
		run: func(ctx context.Context, r *steps.Runner, t datatypes.ChildRef, _ string) (string, error) {
			return r.AnalyzeMemoryFlow(ctx, t.FunctionRef)
		},
	},
}

func stepVariantNames() []string {
	names := make([]string, 0, len(stepVariants))
	for name := range stepVariants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func stepVariantList() string { return strings.Join(stepVariantNames(), ", ") }

func jsonResult[T any](v T, err error) (string, error) {
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

// parseTarget builds the step target from --input-json or --address and
// --name. --kind overrides the kind found in the JSON.
func parseTarget(f *stepFlags) (datatypes.ChildRef, error) {
	var target datatypes.ChildRef
	if f.inputJSON != "" {
		if err := json.Unmarshal([]byte(f.inputJSON), &target); err != nil {
			return target, fmt.Errorf("parse --input-json: %w", err)
		}
	} else {
		target = datatypes.ChildRef{
			FunctionRef: datatypes.FunctionRef{
				Address: strings.TrimSpace(f.address),
				Name:    strings.TrimSpace(f.name),
			},
			Kind: datatypes.KindInternal,
		}
	}

	switch strings.ToLower(strings.TrimSpace(f.kind)) {
	case "":
	case string(datatypes.KindInternal):
		target.Kind = datatypes.KindInternal
	case string(datatypes.KindExternal):
		target.Kind = datatypes.KindExternal
	default:
		return target, fmt.Errorf("unknown --kind %q (want internal or external)", f.kind)
	}
	return target, nil
}

// runStep executes `irptrace step <variant>`.
func runStep(cmd *cobra.Command, root *rootFlags, f *stepFlags, name string) error {
	variant, ok := stepVariants[name]
	if !ok {
		return fmt.Errorf("unknown step %q (want one of %s)", name, stepVariantList())
	}

	var (
		target    datatypes.ChildRef
		contextMD string
		err       error
	)
	if variant.needsTarget {
		if target, err = parseTarget(f); err != nil {
			return err
		}
		if err := target.Validate(name); err != nil {
			return err
		}
	}
	if f.contextFile != "" {
		data, err := os.ReadFile(f.contextFile)
		if err != nil {
			return fmt.Errorf("read --context-file: %w", err)
		}
		contextMD = string(data)
	}

	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	a, err := newApp(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	out, err := variant.run(ctx, a.runner, target, contextMD)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	a.console.Block(name, out)
	return nil
}
