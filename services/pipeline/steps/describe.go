// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package steps

import (
	"context"
	"log/slog"
	"strings"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
	"github.com/AleutianAI/irptrace/services/pipeline/extract"
)

// MemoryMarkers flag a description for a follow-up memory parameter pass.
var MemoryMarkers = []string{"# MEM #", "# MAP #"}

// HasMemoryMarker reports whether text carries one of MemoryMarkers.
func HasMemoryMarker(text string) bool {
	for _, m := range MemoryMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// ChildDescription is the outcome of DescribeChild.
type ChildDescription struct {
	// Markdown is the description, with the memory parameter analysis
	// appended after a rule when the marker path ran.
	Markdown string

	// MemoryCode is the memory parameter markdown alone, or "".
	MemoryCode string

	// Cached is true when the description came from the cache.
	Cached bool
}

// DescribeFunction returns markdown for child, consulting the cache first.
//
// Internal and external children use different prompts. Without a cache
// every call reaches the backend.
func (r *Runner) DescribeFunction(ctx context.Context, child datatypes.ChildRef) (string, bool, error) {
	if err := child.Validate(StepDescribeFunction); err != nil {
		r.observeFailure(ctx, StepDescribeFunction)
		return "", false, err
	}

	generate := func(ctx context.Context) (string, error) {
		r.console.Step("describing %s function %s", kindLabel(child.Kind), child.FunctionRef)
		conv := datatypes.Conversation{System: analystSystemPrompt, User: describeInternalPrompt(child.Name, child.Address)}
		if child.Kind == datatypes.KindExternal {
			conv = datatypes.Conversation{System: apiWriterSystemPrompt, User: describeExternalPrompt(child.Name, child.Address)}
		}
		return run(ctx, r, StepDescribeFunction, &child.FunctionRef, conv, extract.Prose, nil)
	}

	if r.cache == nil {
		md, err := generate(ctx)
		return md, false, err
	}
	md, hit, err := r.cache.Describe(ctx, child.FunctionRef, generate)
	if hit {
		r.console.Step("description of %s served from cache", child.Name)
	}
	return md, hit, err
}

// DescribeChild describes child and runs the memory marker side path.
//
// Description:
//
//	When the description contains a memory marker, the memory parameter
//	step runs for the same child and its markdown is appended to the
//	description after "\n\n---\n". A failed side path is logged and the
//	plain description is kept.
func (r *Runner) DescribeChild(ctx context.Context, child datatypes.ChildRef) (ChildDescription, error) {
	md, cached, err := r.DescribeFunction(ctx, child)
	if err != nil {
		return ChildDescription{}, err
	}
	out := ChildDescription{Markdown: md, Cached: cached}
	if !HasMemoryMarker(md) {
		return out, nil
	}

	r.console.Step("%s carries a memory marker, analysing memory parameters", child.Name)
	memMD, err := r.MemoryParameterMarkdown(ctx, child.FunctionRef)
	if err != nil {
		r.logger.Error("memory_marker_analysis_failed",
			slog.String("child", child.Name),
			slog.String("address", child.Address),
			slog.String("error", err.Error()),
		)
		r.console.Warn("memory parameter analysis for %s failed: %v", child.Name, err)
		return out, nil
	}
	r.console.Block(child.Name+" memory parameter analysis (child)", memMD)
	out.Markdown = md + "\n\n---\n" + memMD
	out.MemoryCode = memMD
	return out, nil
}

func kindLabel(k datatypes.FunctionKind) string {
	if k == datatypes.KindExternal {
		return "external"
	}
	return "internal"
}
