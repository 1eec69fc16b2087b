// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the records that flow through the analysis
// pipeline: function references, backend messages, per-step results and
// the error taxonomy shared by every stage.
package datatypes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// refValidate checks struct tags on references handed to analysis steps.
var refValidate = validator.New()

// =============================================================================
// Function References
// =============================================================================

// FunctionRef identifies a function inside the binary under analysis.
//
// Addresses are kept exactly as the backend printed them (usually hex
// literals such as "0x140001000"). They are compared case-insensitively and
// are never converted to integers.
type FunctionRef struct {
	// Address is the function start address as a string literal.
	Address string `json:"address" yaml:"address" validate:"required"`

	// Name is the function name as known to the backend.
	Name string `json:"func_name" yaml:"name" validate:"required"`
}

// RefName returns the function name. Part of Identifiable.
func (f FunctionRef) RefName() string { return f.Name }

// RefAddress returns the function address. Part of Identifiable.
func (f FunctionRef) RefAddress() string { return f.Address }

// String renders the reference as "name @ address".
func (f FunctionRef) String() string {
	return fmt.Sprintf("%s @ %s", f.Name, f.Address)
}

// Validate reports a *ValidationError when name or address is empty.
//
// Description:
//
//	Every step calls Validate on entry. An incomplete reference is a
//	contract violation by the caller and is never retried.
//
// Inputs:
//
//	op - Name of the step performing the check (used in the error).
//
// Outputs:
//
//	error - Nil when both fields are present.
func (f FunctionRef) Validate(op string) error {
	if err := refValidate.Struct(f); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, strings.ToLower(fe.Field()))
			}
		}
		return &ValidationError{
			Op:      op,
			Fields:  fields,
			Message: "function reference requires address and name",
		}
	}
	return nil
}

// UnmarshalJSON accepts "func_name" or "name" for the function name and a
// string or bare number for the address.
func (f *FunctionRef) UnmarshalJSON(data []byte) error {
	var raw struct {
		Address  flexString `json:"address"`
		Name     string     `json:"name"`
		FuncName string     `json:"func_name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Address = strings.TrimSpace(string(raw.Address))
	f.Name = strings.TrimSpace(raw.FuncName)
	if f.Name == "" {
		f.Name = strings.TrimSpace(raw.Name)
	}
	return nil
}

// flexString decodes a JSON string or number into its literal text.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("address must be a string or number: %w", err)
	}
	*s = flexString(n.String())
	return nil
}

// FunctionKind tells whether a child lives in the binary or is imported.
type FunctionKind string

const (
	// KindInternal is a function implemented inside the driver.
	KindInternal FunctionKind = "internal"

	// KindExternal is an imported API (IAT entry).
	KindExternal FunctionKind = "external"
)

// ChildRef is a direct dependency of a dispatch handler.
type ChildRef struct {
	FunctionRef
	Kind FunctionKind `json:"type"`
}

// UnmarshalJSON decodes the embedded reference plus the "type" field.
// Anything other than "external" is treated as internal.
func (c *ChildRef) UnmarshalJSON(data []byte) error {
	if err := c.FunctionRef.UnmarshalJSON(data); err != nil {
		return err
	}
	var raw struct {
		Kind string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if strings.EqualFold(strings.TrimSpace(raw.Kind), string(KindExternal)) {
		c.Kind = KindExternal
	} else {
		c.Kind = KindInternal
	}
	return nil
}

// MarshalJSON writes the child with "name" and "type" keys, the shape the
// enumerate-children step asks the backend for.
func (c ChildRef) MarshalJSON() ([]byte, error) {
	kind := c.Kind
	if kind == "" {
		kind = KindInternal
	}
	return json.Marshal(struct {
		Address string       `json:"address"`
		Name    string       `json:"name"`
		Kind    FunctionKind `json:"type"`
	}{c.Address, c.Name, kind})
}
