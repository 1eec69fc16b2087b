// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extract

import "strings"

// BracketSpan returns the substring from the first opening byte to the last
// closing byte of text, inclusive.
//
// Description:
//
//	This is the last-resort recovery for JSON embedded in prose. It does
//	not balance brackets; it only takes the widest span.
//
// Inputs:
//
//	text - Reply text.
//	opening, closing - Bracket pair, '{' and '}' or '[' and ']'.
//
// Outputs:
//
//	string - The enclosed span including both brackets.
//	bool - False when either bracket is absent or the last close comes
//	       before the first open.
//
// Limitations:
//
//	Unrelated brackets in the surrounding prose widen the span, e.g.
//	"see {note} then {\"a\":1}" yields "{note} then {\"a\":1}", which then
//	fails to parse. Mixed kinds are never paired: asking for '{'/'}' never
//	returns a span that starts with '['.
func BracketSpan(text string, opening, closing byte) (string, bool) {
	first := strings.IndexByte(text, opening)
	last := strings.LastIndexByte(text, closing)
	if first == -1 || last == -1 || last <= first {
		return "", false
	}
	return text[first : last+1], true
}
