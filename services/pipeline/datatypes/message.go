// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// Message roles as reported by analysis backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
	RoleTool      = "tool"
)

// FunctionCall is a tool invocation attached to an assistant message.
type FunctionCall struct {
	Name      string `json:"name" yaml:"name"`
	Arguments string `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Message is one role-tagged entry of a backend conversation.
type Message struct {
	Role         string        `json:"role" yaml:"role"`
	Content      string        `json:"content" yaml:"content"`
	Name         string        `json:"name,omitempty" yaml:"name,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty" yaml:"function_call,omitempty"`
}

// Conversation is the request submitted to a backend: one fixed system
// instruction followed by one user instruction.
type Conversation struct {
	// Step names the analysis step that built the conversation. Backends
	// may use it for tracing; the scripted backend routes replies by it.
	Step string

	System string
	User   string
}

// Messages returns the conversation as a message list.
func (c Conversation) Messages() []Message {
	return []Message{
		{Role: RoleSystem, Content: c.System},
		{Role: RoleUser, Content: c.User},
	}
}

// Transcript records one round-trip of the controlled-memory-access step.
//
// A transcript is written for every attempt, including failed ones. Error
// is set when the backend or the extractor rejected the attempt.
type Transcript struct {
	ID        string      `json:"id"`
	Target    FunctionRef `json:"target"`
	Attempt   int         `json:"attempt"`
	Messages  []Message   `json:"messages"`
	Responses []Message   `json:"responses"`
	Error     string      `json:"error,omitempty"`
	SavedAt   time.Time   `json:"saved_at"`
}
