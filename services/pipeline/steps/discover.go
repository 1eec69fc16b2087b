// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package steps

import (
	"context"
	"fmt"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
	"github.com/AleutianAI/irptrace/services/pipeline/extract"
)

// DiscoverCallers finds every function that calls IoCreateDevice.
//
// The backend's list is deduplicated on (name, address); rows missing
// either field are dropped.
func (r *Runner) DiscoverCallers(ctx context.Context) ([]datatypes.FunctionRef, error) {
	r.console.Step("discovering IoCreateDevice callers")
	conv := datatypes.Conversation{System: analystSystemPrompt, User: discoverCallersPrompt()}

	refs, err := run(ctx, r, StepDiscoverCallers, nil, conv,
		func(msgs []datatypes.Message) ([]datatypes.FunctionRef, error) {
			return extract.Decode[[]datatypes.FunctionRef](msgs, extract.Options{Shape: extract.ShapeArray})
		}, nil)
	if err != nil {
		return nil, err
	}
	return datatypes.Dedupe(refs), nil
}

// ResolveHandler finds the MajorFunction[14] handler installed by caller.
//
// Outputs:
//
//	datatypes.FunctionRef - The handler.
//	error - ValidationError for an incomplete caller; ExtractionError when
//	        the reply lacks address or name, or either is empty.
func (r *Runner) ResolveHandler(ctx context.Context, caller datatypes.FunctionRef) (datatypes.FunctionRef, error) {
	if err := caller.Validate(StepResolveHandler); err != nil {
		r.observeFailure(ctx, StepResolveHandler)
		return datatypes.FunctionRef{}, err
	}
	r.console.Step("resolving MajorFunction[14] for %s", caller)
	conv := datatypes.Conversation{System: analystSystemPrompt, User: resolveHandlerPrompt(caller.Name, caller.Address)}

	return run(ctx, r, StepResolveHandler, &caller, conv,
		func(msgs []datatypes.Message) (datatypes.FunctionRef, error) {
			ref, err := extract.Decode[datatypes.FunctionRef](msgs, extract.Options{
				Shape:        extract.ShapeObject,
				RequiredKeys: []string{"address", "func_name|name"},
			})
			if err != nil {
				return ref, err
			}
			return ref, requireComplete(ref)
		}, nil)
}

// EnumerateChildren lists the direct callees of handler.
func (r *Runner) EnumerateChildren(ctx context.Context, handler datatypes.FunctionRef) ([]datatypes.ChildRef, error) {
	if err := handler.Validate(StepEnumerateChildren); err != nil {
		r.observeFailure(ctx, StepEnumerateChildren)
		return nil, err
	}
	r.console.Step("enumerating children of %s", handler)
	conv := datatypes.Conversation{System: analystSystemPrompt, User: enumerateChildrenPrompt(handler.Name, handler.Address)}

	children, err := run(ctx, r, StepEnumerateChildren, &handler, conv,
		func(msgs []datatypes.Message) ([]datatypes.ChildRef, error) {
			return extract.Decode[[]datatypes.ChildRef](msgs, extract.Options{Shape: extract.ShapeArray})
		}, nil)
	if err != nil {
		return nil, err
	}
	return datatypes.Dedupe(children), nil
}

// requireComplete turns an empty field in a backend-produced reference into
// an extraction failure, so the attempt is retried.
func requireComplete(ref datatypes.FunctionRef) error {
	if ref.Address == "" || ref.Name == "" {
		return &datatypes.ExtractionError{
			Shape:  string(extract.ShapeObject),
			Reason: fmt.Sprintf("reference has empty fields (address=%q name=%q)", ref.Address, ref.Name),
		}
	}
	return nil
}
