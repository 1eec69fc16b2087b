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
	"strings"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
	"github.com/AleutianAI/irptrace/services/pipeline/extract"
)

// IoControlCodeName is the local variable name the rename step enforces.
const IoControlCodeName = "IoControlCode"

// RenameResult reports the IoControlCode rename.
type RenameResult struct {
	Address  string `json:"address"`
	FuncName string `json:"func_name"`
	OldName  string `json:"old_name"`
	NewName  string `json:"new_name"`
}

// PrototypeResult reports the dispatch prototype change.
type PrototypeResult struct {
	Address   string `json:"address"`
	FuncName  string `json:"func_name"`
	Prototype string `json:"prototype"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// OK reports whether the backend claimed success. A missing status counts
// as success.
func (p PrototypeResult) OK() bool {
	return p.Status == "" || strings.EqualFold(p.Status, "ok")
}

// RenameIoControlCode renames the handler's IoControlCode local.
//
// The reply must name the variable IoControlCode; anything else is an
// extraction failure.
func (r *Runner) RenameIoControlCode(ctx context.Context, handler datatypes.FunctionRef) (RenameResult, error) {
	if err := handler.Validate(StepRenameIoControlCode); err != nil {
		r.observeFailure(ctx, StepRenameIoControlCode)
		return RenameResult{}, err
	}
	r.console.Step("renaming IoControlCode in %s", handler)
	conv := datatypes.Conversation{System: analystSystemPrompt, User: renameIoControlCodePrompt(handler.Name, handler.Address)}

	return run(ctx, r, StepRenameIoControlCode, &handler, conv,
		func(msgs []datatypes.Message) (RenameResult, error) {
			res, err := extract.Decode[RenameResult](msgs, extract.Options{
				Shape:        extract.ShapeObject,
				RequiredKeys: []string{"address", "func_name", "old_name", "new_name"},
			})
			if err != nil {
				return res, err
			}
			if res.NewName != IoControlCodeName {
				return res, &datatypes.ExtractionError{
					Shape:  string(extract.ShapeObject),
					Reason: fmt.Sprintf("new_name is %q, want %q", res.NewName, IoControlCodeName),
				}
			}
			return res, nil
		}, nil)
}

// SetDispatchPrototype applies the configured dispatch prototype.
// Any JSON object is accepted; callers inspect PrototypeResult.OK.
func (r *Runner) SetDispatchPrototype(ctx context.Context, handler datatypes.FunctionRef) (PrototypeResult, error) {
	if err := handler.Validate(StepSetDispatchPrototype); err != nil {
		r.observeFailure(ctx, StepSetDispatchPrototype)
		return PrototypeResult{}, err
	}
	r.console.Step("setting dispatch prototype on %s", handler)
	conv := datatypes.Conversation{
		System: analystSystemPrompt,
		User:   dispatchPrototypePrompt(handler.Name, handler.Address, r.cfg.DispatchPrototype),
	}

	return run(ctx, r, StepSetDispatchPrototype, &handler, conv,
		func(msgs []datatypes.Message) (PrototypeResult, error) {
			return extract.Decode[PrototypeResult](msgs, extract.Options{Shape: extract.ShapeObject})
		}, nil)
}
