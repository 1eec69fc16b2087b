// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// MemoryParameter is a single parameter that steers a memory operation.
type MemoryParameter struct {
	Param       string `json:"param"`
	Operation   string `json:"operation"`
	Description string `json:"description"`
	Evidence    string `json:"evidence"`
}

// MemoryParameterResult is the verdict of analyze-memory-parameters.
type MemoryParameterResult struct {
	Function              FunctionRef       `json:"function"`
	HasMemoryAddressParam bool              `json:"has_memory_address_param"`
	MemoryParameters      []MemoryParameter `json:"memory_parameters"`
	Notes                 string            `json:"notes,omitempty"`
}

// CallerReport is the assembled section for one IoCreateDevice caller.
// Each block is finished markdown, or a placeholder when its step failed.
type CallerReport struct {
	Caller                FunctionRef
	Handler               FunctionRef
	ChildBlock            string
	ParentMemoryBlock     string
	ControlledAccessBlock string
}

// RunResult is everything a pipeline run produced, in caller order.
type RunResult struct {
	RunID                string
	StartedAt            time.Time
	Reports              []CallerReport
	Transcripts          []Transcript
	ControlledMemoryCode []string
	DeepReasoning        string
}
