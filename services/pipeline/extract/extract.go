// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extract pulls typed results out of free-form backend replies.
//
// Backends answer in natural language. A reply that should be JSON may
// arrive bare, wrapped in a fenced code block, or buried in prose. The
// extractor tries each of those layouts in a fixed order and reports an
// ExtractionError when none of them yields the requested shape.
package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
)

// Shape is the kind of result a step expects from the backend.
type Shape string

const (
	// ShapeObject expects a single JSON object.
	ShapeObject Shape = "object"

	// ShapeArray expects a JSON array.
	ShapeArray Shape = "array"

	// ShapeProse expects free text; no parsing is done.
	ShapeProse Shape = "prose"
)

// Options configures one extraction.
type Options struct {
	// Shape is the expected result shape.
	Shape Shape

	// RequiredKeys lists keys an object result must carry. An entry may
	// name alternatives separated by "|", e.g. "func_name|name".
	// Ignored for arrays and prose.
	RequiredKeys []string
}

var (
	fencedObjectRE = regexp.MustCompile("(?i)```(?:json)?\\s*(\\{[\\s\\S]*?\\})\\s*```")
	fencedArrayRE  = regexp.MustCompile("(?i)```(?:json)?\\s*(\\[[\\s\\S]*?\\])\\s*```")
)

// =============================================================================
// Public API
// =============================================================================

// Raw returns the JSON text of the first candidate that parses as the
// requested shape.
//
// Description:
//
//	Assistant messages are visited from last to first. For each one the
//	following candidates are tried in order:
//	  1. the whole trimmed text,
//	  2. every fenced block (```json ... ``` or bare ```),
//	  3. the span from the first opening bracket to the last closing one.
//	The first candidate that decodes to the requested shape wins. For
//	objects, a winner missing a required key fails immediately: the backend
//	answered in the wrong schema and older messages are not consulted.
//
// Inputs:
//
//	messages - The backend reply, in order.
//	opts - Expected shape and required keys. ShapeProse is rejected here.
//
// Outputs:
//
//	json.RawMessage - The winning candidate, compact form.
//	error - *datatypes.ExtractionError on failure.
//
// Limitations:
//
//	The bracket fallback is greedy. See BracketSpan.
func Raw(messages []datatypes.Message, opts Options) (json.RawMessage, error) {
	if opts.Shape != ShapeObject && opts.Shape != ShapeArray {
		return nil, &datatypes.ExtractionError{
			Shape:  string(opts.Shape),
			Reason: "raw extraction requires object or array shape",
		}
	}

	contents := assistantContents(messages)
	if len(contents) == 0 {
		return nil, &datatypes.ExtractionError{Shape: string(opts.Shape), Reason: "no assistant message"}
	}

	var lastErr error
	for i := len(contents) - 1; i >= 0; i-- {
		text := strings.TrimSpace(contents[i])
		if text == "" {
			continue
		}
		for _, candidate := range candidates(text, opts.Shape) {
			raw, err := decodeShape(candidate, opts.Shape)
			if err != nil {
				lastErr = err
				continue
			}
			if opts.Shape == ShapeObject {
				if missing := missingKeys(raw, opts.RequiredKeys); len(missing) > 0 {
					return nil, &datatypes.ExtractionError{
						Shape:  string(opts.Shape),
						Reason: fmt.Sprintf("object missing required keys: %s", strings.Join(missing, ", ")),
					}
				}
			}
			return raw, nil
		}
	}

	return nil, &datatypes.ExtractionError{
		Shape:  string(opts.Shape),
		Reason: "no assistant message yielded the requested shape",
		Err:    lastErr,
	}
}

// Decode extracts a result and unmarshals it into T.
//
// A decode failure after a successful extraction (for example a string
// where a bool was expected) is also reported as an ExtractionError, so the
// retry controller treats it like any other malformed reply.
func Decode[T any](messages []datatypes.Message, opts Options) (T, error) {
	var out T
	raw, err := Raw(messages, opts)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &datatypes.ExtractionError{
			Shape:  string(opts.Shape),
			Reason: "result does not match the expected schema",
			Err:    err,
		}
	}
	return out, nil
}

// Prose returns the last assistant message, trimmed, without parsing.
func Prose(messages []datatypes.Message) (string, error) {
	contents := assistantContents(messages)
	if len(contents) == 0 {
		return "", &datatypes.ExtractionError{Shape: string(ShapeProse), Reason: "no assistant message"}
	}
	return strings.TrimSpace(contents[len(contents)-1]), nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

func assistantContents(messages []datatypes.Message) []string {
	var out []string
	for _, m := range messages {
		if m.Role == datatypes.RoleAssistant {
			out = append(out, m.Content)
		}
	}
	return out
}

// candidates lists the substrings of text worth parsing, in priority order.
func candidates(text string, shape Shape) []string {
	out := []string{text}

	fence := fencedObjectRE
	opening, closing := byte('{'), byte('}')
	if shape == ShapeArray {
		fence = fencedArrayRE
		opening, closing = '[', ']'
	}

	for _, m := range fence.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	if span, ok := BracketSpan(text, opening, closing); ok {
		out = append(out, span)
	}
	return out
}

// decodeShape parses candidate and checks the top-level JSON kind.
func decodeShape(candidate string, shape Shape) (json.RawMessage, error) {
	var v any
	dec := json.NewDecoder(strings.NewReader(candidate))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}

	switch v.(type) {
	case map[string]any:
		if shape != ShapeObject {
			return nil, fmt.Errorf("got object, want %s", shape)
		}
	case []any:
		if shape != ShapeArray {
			return nil, fmt.Errorf("got array, want %s", shape)
		}
	default:
		return nil, fmt.Errorf("got scalar, want %s", shape)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(candidate)); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimSpace(buf.Bytes())), nil
}

// missingKeys returns the required keys absent from the object in raw.
func missingKeys(raw json.RawMessage, required []string) []string {
	if len(required) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return required
	}

	var missing []string
	for _, req := range required {
		found := false
		for _, alt := range strings.Split(req, "|") {
			if _, ok := obj[strings.TrimSpace(alt)]; ok {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, req)
		}
	}
	return missing
}
