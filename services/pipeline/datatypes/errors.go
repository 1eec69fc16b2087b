// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ValidationError reports an incomplete input handed to a step.
//
// It is a caller bug, so the retry controller never retries it.
type ValidationError struct {
	// Op names the step that rejected the input.
	Op string

	// Fields lists the missing fields, lowercased.
	Fields []string

	// Message is a human readable description.
	Message string
}

// Error implements error.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: validation failed: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: validation failed: %s (missing: %s)",
		e.Op, e.Message, strings.Join(e.Fields, ", "))
}

// ExtractionError reports that a backend reply did not yield the expected
// shape after every fallback strategy.
type ExtractionError struct {
	// Shape is the requested result shape ("object", "array", "prose").
	Shape string

	// Reason describes which check failed.
	Reason string

	// Err is the last parse error, if any.
	Err error
}

// Error implements error.
func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %s: %v", e.Shape, e.Reason, e.Err)
	}
	return fmt.Sprintf("extract %s: %s", e.Shape, e.Reason)
}

// Unwrap returns the underlying parse error.
func (e *ExtractionError) Unwrap() error { return e.Err }

// BackendError reports a transport or session failure talking to a backend.
type BackendError struct {
	// Backend names the adapter ("openai", "ollama", "scripted").
	Backend string

	// Err is the transport error.
	Err error
}

// Error implements error.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}

// Unwrap returns the transport error.
func (e *BackendError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should trigger another attempt.
// Extraction and backend failures are retried; everything else is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return false
	}
	var xerr *ExtractionError
	if errors.As(err, &xerr) {
		return true
	}
	var berr *BackendError
	return errors.As(err, &berr)
}
