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
	"io"
	"strings"
)

// Chunk is one incremental response from the reasoning model.
type Chunk struct {
	// Reasoning is the primary reasoning channel fragment.
	Reasoning json.RawMessage

	// Thinking is consulted when Reasoning yields no text.
	Thinking json.RawMessage

	// Answer is the answer channel fragment.
	Answer json.RawMessage

	// Usage is set on the trailing usage chunk.
	Usage *Usage
}

// Usage carries token counts reported at the end of a stream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// wireChunk is the OpenAI-compatible streaming payload.
type wireChunk struct {
	Choices []struct {
		Delta struct {
			ReasoningContent json.RawMessage `json:"reasoning_content"`
			Thinking         json.RawMessage `json:"thinking"`
			Content          json.RawMessage `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// DecodeChunk parses one streamed JSON payload. Only the first choice is
// read.
func DecodeChunk(data []byte) (Chunk, error) {
	var w wireChunk
	if err := json.Unmarshal(data, &w); err != nil {
		return Chunk{}, fmt.Errorf("decode stream chunk: %w", err)
	}
	c := Chunk{Usage: w.Usage}
	if len(w.Choices) > 0 {
		d := w.Choices[0].Delta
		c.Reasoning, c.Thinking, c.Answer = d.ReasoningContent, d.Thinking, d.Content
	}
	return c, nil
}

// Phase is the assembler state.
type Phase int

const (
	// PhaseThinking echoes reasoning fragments.
	PhaseThinking Phase = iota
	// PhaseAnswering echoes answer fragments only.
	PhaseAnswering
)

// Result is the assembled stream.
type Result struct {
	// Reasoning holds every reasoning fragment, including those received
	// after the answer began.
	Reasoning string

	// LiveReasoning holds the reasoning fragments that were echoed.
	LiveReasoning string

	// Answer holds every answer fragment.
	Answer string

	// Usage is the last usage report, or nil.
	Usage *Usage
}

// Headings and placeholders of the rendered result.
const (
	ReasoningHeading   = "### thinking process"
	AnswerHeading      = "### full reply"
	NoReasoningText    = "(no reasoning content)"
	NoAnswerText       = "(no final answer)"
	liveAnswerDivider  = "\n==================== full reply ====================\n\n"
	liveThinkingHeader = "==================== thinking process ====================\n\n"
)

// Markdown renders both channels under fixed headings. Each channel is
// trimmed and replaced by a placeholder when empty.
func (r Result) Markdown() string {
	reasoning := strings.TrimSpace(r.Reasoning)
	if reasoning == "" {
		reasoning = NoReasoningText
	}
	answer := strings.TrimSpace(r.Answer)
	if answer == "" {
		answer = NoAnswerText
	}
	return strings.Join([]string{ReasoningHeading, reasoning, AnswerHeading, answer}, "\n\n")
}

// Assembler splits a chunk stream into reasoning and answer text.
//
// It starts in PhaseThinking and moves to PhaseAnswering on the first
// chunk with a non-empty answer fragment. Fragments are echoed to the
// live writer as they arrive, except reasoning received after that
// transition.
//
// Thread Safety: Not safe for concurrent use.
type Assembler struct {
	live      io.Writer
	phase     Phase
	started   bool
	reasoning strings.Builder
	echoed    strings.Builder
	answer    strings.Builder
	usage     *Usage
}

// NewAssembler creates an Assembler echoing to live. A nil live discards.
func NewAssembler(live io.Writer) *Assembler {
	if live == nil {
		live = io.Discard
	}
	return &Assembler{live: live}
}

// Phase returns the current state.
func (a *Assembler) Phase() Phase { return a.phase }

// Add consumes one chunk.
func (a *Assembler) Add(c Chunk) {
	if !a.started {
		a.started = true
		fmt.Fprint(a.live, liveThinkingHeader)
	}

	thinking := Normalize(c.Reasoning)
	if thinking == "" {
		thinking = Normalize(c.Thinking)
	}
	if thinking != "" {
		a.reasoning.WriteString(thinking)
		if a.phase == PhaseThinking {
			a.echoed.WriteString(thinking)
			fmt.Fprint(a.live, thinking)
		}
	}

	if answer := Normalize(c.Answer); answer != "" {
		if a.phase == PhaseThinking {
			a.phase = PhaseAnswering
			fmt.Fprint(a.live, liveAnswerDivider)
		}
		a.answer.WriteString(answer)
		fmt.Fprint(a.live, answer)
	}

	if c.Usage != nil {
		a.usage = c.Usage
		fmt.Fprintf(a.live, "\nUsage: prompt=%d completion=%d total=%d\n",
			c.Usage.PromptTokens, c.Usage.CompletionTokens, c.Usage.TotalTokens)
	}
}

// Result returns what has been assembled so far.
func (a *Assembler) Result() Result {
	return Result{
		Reasoning:     a.reasoning.String(),
		LiveReasoning: a.echoed.String(),
		Answer:        a.answer.String(),
		Usage:         a.usage,
	}
}
