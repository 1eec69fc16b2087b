// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "strings"

// Identifiable is anything carrying a name and an address.
type Identifiable interface {
	RefName() string
	RefAddress() string
}

// RefKey returns the case-insensitive (name, address) identity of r, or ""
// when either field is blank.
func RefKey(r Identifiable) string {
	name := strings.TrimSpace(r.RefName())
	addr := strings.TrimSpace(r.RefAddress())
	if name == "" || addr == "" {
		return ""
	}
	return strings.ToLower(name) + "\x00" + strings.ToLower(addr)
}

// Dedupe collapses records with the same (name, address) pair.
//
// Description:
//
//	Keeps the first occurrence of every case-insensitive (name, address)
//	key, preserving input order. Records missing either field are dropped
//	silently: the backend produced an unusable row, which is not fatal.
//
// Inputs:
//
//	entries - Records in backend order.
//
// Outputs:
//
//	[]T - Unique, complete records in first-seen order. Never nil.
//
// Example:
//
//	Dedupe([]FunctionRef{{"0x1", "f"}, {"0x1", "F"}, {"0x2", "g"}})
//	// [{0x1 f} {0x2 g}]
func Dedupe[T Identifiable](entries []T) []T {
	seen := make(map[string]struct{}, len(entries))
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		key := RefKey(e)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}
