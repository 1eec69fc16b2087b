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

// AnalyzeMemoryParameters asks which parameters of target steer the address
// of a memory operation.
func (r *Runner) AnalyzeMemoryParameters(ctx context.Context, target datatypes.FunctionRef) (datatypes.MemoryParameterResult, error) {
	if err := target.Validate(StepMemoryParameters); err != nil {
		r.observeFailure(ctx, StepMemoryParameters)
		return datatypes.MemoryParameterResult{}, err
	}
	r.console.Step("analysing memory parameters of %s", target)
	conv := datatypes.Conversation{System: analystSystemPrompt, User: memoryParametersPrompt(target.Name, target.Address)}

	return run(ctx, r, StepMemoryParameters, &target, conv,
		func(msgs []datatypes.Message) (datatypes.MemoryParameterResult, error) {
			return extract.Decode[datatypes.MemoryParameterResult](msgs, extract.Options{
				Shape:        extract.ShapeObject,
				RequiredKeys: []string{"has_memory_address_param"},
			})
		}, nil)
}

// MemoryParameterMarkdown runs AnalyzeMemoryParameters and renders it.
func (r *Runner) MemoryParameterMarkdown(ctx context.Context, target datatypes.FunctionRef) (string, error) {
	res, err := r.AnalyzeMemoryParameters(ctx, target)
	if err != nil {
		return "", err
	}
	return RenderMemoryParameters(res, target), nil
}

// RenderMemoryParameters formats a result as markdown.
//
// The function name and address fall back to target when the backend left
// them out. Newlines inside table cells are flattened to spaces.
func RenderMemoryParameters(res datatypes.MemoryParameterResult, target datatypes.FunctionRef) string {
	name := res.Function.Name
	if name == "" {
		name = target.Name
	}
	addr := res.Function.Address
	if addr == "" {
		addr = target.Address
	}
	verdict := "no"
	if res.HasMemoryAddressParam {
		verdict = "yes"
	}

	lines := []string{
		"# " + name + " memory parameter analysis",
		"",
		"- address: `" + addr + "`",
		"- has memory-address parameter: " + verdict,
		"",
		"## related parameters",
		"",
	}
	if len(res.MemoryParameters) > 0 {
		lines = append(lines,
			"| param | operation | description | evidence |",
			"| --- | --- | --- | --- |",
		)
		for _, p := range res.MemoryParameters {
			lines = append(lines, "| "+p.Param+" | "+p.Operation+" | "+flatten(p.Description)+" | `"+flatten(p.Evidence)+"` |")
		}
	} else {
		lines = append(lines, "No parameter directly controls the address of a memory read, write or copy.")
	}
	if strings.TrimSpace(res.Notes) != "" {
		lines = append(lines, "", "## notes", "", res.Notes)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func flatten(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}

// AnalyzeControlledAccess decides whether IRP-supplied data controls kernel
// memory access inside target.
//
// Description:
//
//	contextMarkdown, when non-empty, is appended to the prompt as extra
//	context. Every attempt (successful or not) is captured as a
//	Transcript, written to the sink, and returned in attempt order.
//
// Outputs:
//
//	string - The markdown verdict.
//	[]datatypes.Transcript - One entry per attempt, even on error.
//	error - The final attempt's error.
func (r *Runner) AnalyzeControlledAccess(ctx context.Context, target datatypes.FunctionRef, contextMarkdown string) (string, []datatypes.Transcript, error) {
	if err := target.Validate(StepControlledAccess); err != nil {
		r.observeFailure(ctx, StepControlledAccess)
		return "", nil, err
	}
	r.console.Step("analysing IRP-controlled memory access in %s", target)
	conv := datatypes.Conversation{
		System: analystSystemPrompt,
		User:   controlledAccessPrompt(target.Name, target.Address, contextMarkdown),
	}

	var captured []datatypes.Transcript
	hook := func(attempt int, responses []datatypes.Message, err error) {
		t := datatypes.Transcript{
			ID:        r.newID(),
			Target:    target,
			Attempt:   attempt,
			Messages:  conv.Messages(),
			Responses: append([]datatypes.Message(nil), responses...),
			SavedAt:   r.now().UTC(),
		}
		if err != nil {
			t.Error = err.Error()
		}
		captured = append(captured, t)
		if r.sink == nil {
			return
		}
		if serr := r.sink.Append(t); serr != nil {
			r.logger.Warn("transcript_append_failed",
				slog.String("target", target.Name),
				slog.String("error", serr.Error()),
			)
		}
	}

	md, err := run(ctx, r, StepControlledAccess, &target, conv, extract.Prose, hook)
	return md, captured, err
}

// AnalyzeMemoryFlow traces how parameters of target flow into memory
// addresses. It is not part of the dispatch flow; the CLI exposes it.
func (r *Runner) AnalyzeMemoryFlow(ctx context.Context, target datatypes.FunctionRef) (string, error) {
	if err := target.Validate(StepMemoryFlow); err != nil {
		r.observeFailure(ctx, StepMemoryFlow)
		return "", err
	}
	r.console.Step("tracing parameter memory flow in %s", target)
	conv := datatypes.Conversation{System: analystSystemPrompt, User: memoryFlowPrompt(target.Name, target.Address)}
	return run(ctx, r, StepMemoryFlow, &target, conv, extract.Prose, nil)
}
