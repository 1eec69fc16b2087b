package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
	"gopkg.in/yaml.v3"
)

// ScriptedReply is one canned answer in a script file.
type ScriptedReply struct {
	// Step is the step name the reply answers ("*" matches any step).
	Step string `yaml:"step"`

	// Match, when set, must appear in the user prompt (case-insensitive).
	// Scripts use it to key replies on an address or function name.
	Match string `yaml:"match,omitempty"`

	// Once removes the reply after its first use, so a script can feed a
	// malformed answer followed by a good one.
	Once bool `yaml:"once,omitempty"`

	// Error, when set, makes the reply fail as a backend error.
	Error string `yaml:"error,omitempty"`

	// Messages are returned verbatim. Content is shorthand for a single
	// assistant message.
	Messages []datatypes.Message `yaml:"messages,omitempty"`
	Content  string              `yaml:"content,omitempty"`
}

// Script is the file format of the scripted backend.
type Script struct {
	Replies []ScriptedReply `yaml:"replies"`
}

// ScriptedBackend replays canned replies. It drives offline dry runs and
// demos without a live analysis backend.
//
// Thread Safety: Safe for concurrent use.
type ScriptedBackend struct {
	mu      sync.Mutex
	replies []ScriptedReply
	used    []bool
	calls   []datatypes.Conversation
}

// NewScriptedBackend creates a backend from an in-memory script.
func NewScriptedBackend(s Script) *ScriptedBackend {
	return &ScriptedBackend{
		replies: s.Replies,
		used:    make([]bool, len(s.Replies)),
	}
}

// LoadScriptedBackend reads a YAML (or JSON) script file.
func LoadScriptedBackend(path string) (*ScriptedBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("scripted backend: script_path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	return NewScriptedBackend(s), nil
}

// Name implements Backend.
func (s *ScriptedBackend) Name() string { return ProviderScripted }

// Calls returns every conversation submitted so far.
func (s *ScriptedBackend) Calls() []datatypes.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]datatypes.Conversation(nil), s.calls...)
}

// Submit implements Backend. The first unused reply whose step and match
// fit the conversation is returned.
func (s *ScriptedBackend) Submit(ctx context.Context, conv datatypes.Conversation) ([]datatypes.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, backendError(ProviderScripted, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, conv)

	user := strings.ToLower(conv.User)
	for i, r := range s.replies {
		if s.used[i] {
			continue
		}
		if r.Step != "*" && !strings.EqualFold(r.Step, conv.Step) {
			continue
		}
		if r.Match != "" && !strings.Contains(user, strings.ToLower(r.Match)) {
			continue
		}
		if r.Once {
			s.used[i] = true
		}
		if r.Error != "" {
			return nil, backendError(ProviderScripted, fmt.Errorf("%s", r.Error))
		}
		if len(r.Messages) > 0 {
			return append([]datatypes.Message(nil), r.Messages...), nil
		}
		return []datatypes.Message{{Role: datatypes.RoleAssistant, Content: r.Content}}, nil
	}

	return nil, backendError(ProviderScripted, fmt.Errorf("no scripted reply for step %q", conv.Step))
}
