// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
	"github.com/AleutianAI/irptrace/services/pipeline/steps"
)

const systemPrompt = "You are a meticulous Windows driver analyst. Think deeply and cite evidence."

// irpControllability lists which IRP fields a user-mode caller can steer.
const irpControllability = `| offset | field | controllable |
| --- | --- | --- |
| 0x000 | Type, Size | no, set by the kernel |
| 0x008 | MdlAddress | pointer no; the mapped user buffer contents yes |
| 0x010 | Flags | no, kernel or driver |
| 0x018 | AssociatedIrp.SystemBuffer | contents yes for METHOD_BUFFERED |
| 0x018 | AssociatedIrp.MasterIrp, IrpCount | no |
| 0x020 | ThreadListEntry | no |
| 0x030 | IoStatus | written by the driver or kernel |
| 0x040 | RequestorMode | no, reflects UserMode or KernelMode |
| 0x041-0x047 | PendingReturned .. AllocationFlags | no |
| 0x048 | UserIosb, IoRingContext | yes, pointer supplied by the caller |
| 0x050 | UserEvent | yes, resolved from a caller handle |
| 0x058 | UserApcRoutine, IssuingProcess, AllocationSize | yes |
| 0x060 | UserApcContext, IoRing | yes |
| 0x068 | CancelRoutine | no, set by the driver |
| 0x070 | UserBuffer | pointer and contents yes (METHOD_NEITHER, direct I/O) |
| 0x078 | Tail.Overlay.DriverContext | driver owned |
| 0x098 | Tail.Overlay.Thread | no |
| 0x0A0 | AuxiliaryBuffer | kernel buffer |
| 0x0B8 | CurrentStackLocation | pointer no; Parameters.DeviceIoControl values yes |
| 0x0C0 | OriginalFileObject | no |`

// BuildPrompt assembles the deep reasoning request.
//
// Every transcript contributes its prompt messages and backend responses
// as indented JSON, in order, followed by the controlled memory parameter
// excerpts when there are any.
func BuildPrompt(transcripts []datatypes.Transcript, excerpts []string) string {
	lines := []string{
		"You will receive several conversations about IRP-controlled memory access in a Windows driver.",
		"They contain the prompts and the disassembler backend's responses. Reason further without access to the backend.",
		"Tasks:",
		"1. For each function, summarize the read and write locations that Irp->AssociatedIrp.SystemBuffer or related fields may control.",
		"2. Walk the IoControlCode branches, describe the potential risk scenarios, and say whether each needs further verification.",
		"3. List the key facts a manual analyst would need to confirm or exploit each finding.",
		"4. The IRP structure and what a caller can control:",
		steps.IRPLayout,
		"",
		irpControllability,
		"",
		"The original conversations follow:",
	}
	for i, t := range transcripts {
		name, addr := t.Target.Name, t.Target.Address
		if name == "" {
			name = "unknown"
		}
		if addr == "" {
			addr = "N/A"
		}
		lines = append(lines,
			fmt.Sprintf("\n## conversation %d: %s @ %s", i+1, name, addr),
			"### Prompt",
			indentJSON(t.Messages),
			"### Backend Responses",
			indentJSON(t.Responses),
		)
	}
	if len(excerpts) > 0 {
		lines = append(lines,
			"\n## controlled memory parameter code excerpts",
			strings.Join(excerpts, "\n\n"),
		)
	}
	lines = append(lines, "\nAnswer in Markdown with the sections \"Summary\" and \"IoControlCode risks\".")
	return strings.Join(lines, "\n")
}

func indentJSON(v any) string {
	if msgs, ok := v.([]datatypes.Message); ok && msgs == nil {
		v = []datatypes.Message{}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}
