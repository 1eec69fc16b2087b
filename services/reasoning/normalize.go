// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reasoning

import (
	"bytes"
	"encoding/json"
	"strings"
)

// textKeys are tried in order when a fragment is a structured item.
var textKeys = []string{"text", "content", "data"}

// Normalize flattens a stream fragment to plain text.
//
// A fragment may be a JSON string, a structured item, or a list of items.
// Items yield the first present, non-empty value among textKeys, recursing
// into nested values; an item with none of them is serialized as compact
// JSON. Lists are concatenated without separators. null and absent
// fragments yield "".
func Normalize(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return string(raw)
		}
		return s

	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return string(raw)
		}
		var b strings.Builder
		for _, item := range items {
			b.WriteString(Normalize(item))
		}
		return b.String()

	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return string(raw)
		}
		for _, k := range textKeys {
			v, ok := obj[k]
			if !ok || isEmptyJSON(v) {
				continue
			}
			if text := Normalize(v); text != "" {
				return text
			}
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return string(raw)
		}
		return compact.String()

	default:
		// Numbers and booleans keep their literal text.
		return string(raw)
	}
}

func isEmptyJSON(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	switch string(v) {
	case "", "null", `""`, "[]", "{}", "false", "0":
		return true
	}
	return false
}
