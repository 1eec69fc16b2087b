// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"strings"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
)

// Placeholder text substituted for a step that failed.
const (
	PlaceholderNoChildren       = "(no child descriptions were obtained)"
	PlaceholderChildDescription = "(child description failed)"
	PlaceholderParentMemory     = "(memory parameter analysis failed)"
	PlaceholderControlledAccess = "(IRP-controlled memory access analysis failed)"
)

// FormatChildSection renders one child under a level-4 heading.
func FormatChildSection(child datatypes.ChildRef, description string) string {
	kind := child.Kind
	if kind == "" {
		kind = datatypes.KindInternal
	}
	return "#### " + child.Name + " (" + string(kind) + ")\n- address: `" + child.Address + "`\n\n" + strings.TrimSpace(description)
}

// MemoryCodeExcerpt labels the memory parameter markdown of a child that
// carried a memory marker.
func MemoryCodeExcerpt(name, memoryMarkdown string) string {
	return "### " + name + " controllable memory params\n" + strings.TrimSpace(memoryMarkdown)
}

// ChildBlock joins child sections, or returns PlaceholderNoChildren.
func ChildBlock(sections []string) string {
	if len(sections) == 0 {
		return PlaceholderNoChildren
	}
	return strings.Join(sections, "\n\n")
}

// BuildContext assembles the context handed to the controlled-access step.
//
// The order is fixed: child descriptions, the handler's own memory
// parameter analysis, and the controlled memory parameter excerpts when
// there are any.
func BuildContext(childBlock, parentMemory string, excerpts []string) string {
	parts := []string{
		"### child descriptions\n",
		childBlock,
		"\n### function memory parameter analysis\n",
		parentMemory,
	}
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	out := strings.TrimSpace(strings.Join(kept, "\n"))
	if len(excerpts) > 0 {
		out += "\n\n### controlled memory parameter code\n" + strings.Join(excerpts, "\n\n")
	}
	return out
}
