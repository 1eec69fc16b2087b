// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/irptrace/services/pipeline/cache"
	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
	"github.com/AleutianAI/irptrace/services/pipeline/retry"
	"github.com/AleutianAI/irptrace/services/pipeline/transcript"
)

// fakeBackend answers each step from a per-step queue. The last entry of a
// queue repeats once the others are consumed.
type fakeBackend struct {
	mu      sync.Mutex
	replies map[string][]fakeReply
	calls   []datatypes.Conversation
}

type fakeReply struct {
	content string
	err     error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{replies: make(map[string][]fakeReply)}
}

func (f *fakeBackend) on(step string, replies ...string) *fakeBackend {
	for _, r := range replies {
		f.replies[step] = append(f.replies[step], fakeReply{content: r})
	}
	return f
}

func (f *fakeBackend) fail(step string, err error) *fakeBackend {
	f.replies[step] = append(f.replies[step], fakeReply{err: err})
	return f
}

func (f *fakeBackend) Submit(_ context.Context, conv datatypes.Conversation) ([]datatypes.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, conv)

	q := f.replies[conv.Step]
	if len(q) == 0 {
		return nil, fmt.Errorf("no reply for %s", conv.Step)
	}
	r := q[0]
	if len(q) > 1 {
		f.replies[conv.Step] = q[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	return []datatypes.Message{
		{Role: datatypes.RoleFunction, Content: "tool output"},
		{Role: datatypes.RoleAssistant, Content: r.content},
	}, nil
}

func (f *fakeBackend) callsFor(step string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Step == step {
			n++
		}
	}
	return n
}

type stepCounter struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func (s *stepCounter) StepFinished(_ context.Context, step, outcome string, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomes == nil {
		s.outcomes = make(map[string][]string)
	}
	s.outcomes[step] = append(s.outcomes[step], outcome)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestRunner(t *testing.T, backend Backend, deps Deps) *Runner {
	t.Helper()
	deps.Backend = backend
	if deps.Retry == nil {
		deps.Retry = retry.NewController(retry.DefaultConfig(), nil, retry.WithSleep(noSleep))
	}
	r, err := NewRunner(DefaultConfig(), deps)
	require.NoError(t, err)
	return r
}

var handler = datatypes.FunctionRef{Address: "0x140001830", Name: "DispatchIoctl"}

// =============================================================================
// Construction
// =============================================================================

func TestNewRunner_RequiresBackendAndRetry(t *testing.T) {
	_, err := NewRunner(DefaultConfig(), Deps{})
	assert.Error(t, err)

	_, err = NewRunner(DefaultConfig(), Deps{Backend: newFakeBackend()})
	assert.Error(t, err)
}

// =============================================================================
// Discover / Resolve / Enumerate
// =============================================================================

func TestDiscoverCallers_Dedupes(t *testing.T) {
	b := newFakeBackend().on(StepDiscoverCallers,
		"```json\n"+`[{"address":"0x1","func_name":"DriverEntry"},{"address":"0x1","func_name":"driverentry"},{"address":"0x2","func_name":"sub_2"},{"address":"","func_name":"x"}]`+"\n```")
	r := newTestRunner(t, b, Deps{})

	refs, err := r.DiscoverCallers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []datatypes.FunctionRef{
		{Address: "0x1", Name: "DriverEntry"},
		{Address: "0x2", Name: "sub_2"},
	}, refs)
}

func TestDiscoverCallers_RetriesThenFails(t *testing.T) {
	b := newFakeBackend().on(StepDiscoverCallers, "I could not find IoCreateDevice.")
	obs := &stepCounter{}
	r := newTestRunner(t, b, Deps{Observer: obs})

	_, err := r.DiscoverCallers(context.Background())
	var xerr *datatypes.ExtractionError
	require.True(t, errors.As(err, &xerr))
	assert.Equal(t, 3, b.callsFor(StepDiscoverCallers))
	assert.Equal(t, []string{OutcomeError}, obs.outcomes[StepDiscoverCallers])
}

func TestResolveHandler_AcceptsNameSpellings(t *testing.T) {
	b := newFakeBackend().on(StepResolveHandler, `{"address":"0x140001830","name":"DispatchIoctl"}`)
	r := newTestRunner(t, b, Deps{})

	got, err := r.ResolveHandler(context.Background(), datatypes.FunctionRef{Address: "0x1", Name: "DriverEntry"})
	require.NoError(t, err)
	assert.Equal(t, handler, got)
	assert.Contains(t, b.calls[0].User, "DriverEntry")
	assert.Contains(t, b.calls[0].User, "MajorFunction[14]")
}

func TestResolveHandler_EmptyFieldsRetried(t *testing.T) {
	b := newFakeBackend().on(StepResolveHandler,
		`{"address":"","func_name":"x"}`,
		`{"address":"0x140001830","func_name":"DispatchIoctl"}`)
	r := newTestRunner(t, b, Deps{})

	got, err := r.ResolveHandler(context.Background(), datatypes.FunctionRef{Address: "0x1", Name: "DriverEntry"})
	require.NoError(t, err)
	assert.Equal(t, handler, got)
	assert.Equal(t, 2, b.callsFor(StepResolveHandler))
}

func TestResolveHandler_ValidationFailsFast(t *testing.T) {
	b := newFakeBackend()
	r := newTestRunner(t, b, Deps{})

	_, err := r.ResolveHandler(context.Background(), datatypes.FunctionRef{Name: "DriverEntry"})
	var verr *datatypes.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Empty(t, b.calls)
}

func TestEnumerateChildren_KindsAndDedupe(t *testing.T) {
	b := newFakeBackend().on(StepEnumerateChildren, `Children:
[{"address":"0x10","name":"sub_10","type":"internal"},
 {"address":"0x20","name":"memcpy","type":"external"},
 {"address":"0x10","name":"SUB_10","type":"internal"}]`)
	r := newTestRunner(t, b, Deps{})

	children, err := r.EnumerateChildren(context.Background(), handler)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, datatypes.KindInternal, children[0].Kind)
	assert.Equal(t, datatypes.KindExternal, children[1].Kind)
}

func TestBackendErrorIsWrappedAndRetried(t *testing.T) {
	b := newFakeBackend().
		fail(StepEnumerateChildren, errors.New("pipe closed")).
		on(StepEnumerateChildren, `[]`)
	r := newTestRunner(t, b, Deps{})

	children, err := r.EnumerateChildren(context.Background(), handler)
	require.NoError(t, err)
	assert.Empty(t, children)
	assert.Equal(t, 2, b.callsFor(StepEnumerateChildren))
}

// =============================================================================
// Describe
// =============================================================================

func TestDescribeFunction_InternalAndExternalPrompts(t *testing.T) {
	b := newFakeBackend().on(StepDescribeFunction, "# sub_10\ninternal", "# memcpy\nexternal")
	r := newTestRunner(t, b, Deps{})

	_, _, err := r.DescribeFunction(context.Background(), datatypes.ChildRef{FunctionRef: datatypes.FunctionRef{Address: "0x10", Name: "sub_10"}, Kind: datatypes.KindInternal})
	require.NoError(t, err)
	_, _, err = r.DescribeFunction(context.Background(), datatypes.ChildRef{FunctionRef: datatypes.FunctionRef{Address: "0x20", Name: "memcpy"}, Kind: datatypes.KindExternal})
	require.NoError(t, err)

	require.Len(t, b.calls, 2)
	assert.Contains(t, b.calls[0].User, "# MEM #")
	assert.Equal(t, analystSystemPrompt, b.calls[0].System)
	assert.Contains(t, b.calls[1].User, "IAT Address: 0x20")
	assert.Equal(t, apiWriterSystemPrompt, b.calls[1].System)
}

func TestDescribeFunction_UsesCache(t *testing.T) {
	ctx := context.Background()
	c, err := cache.Open(ctx, cache.NewJSONLStore(t.TempDir()+"/cache.jsonl", nil), cache.PolicyAddressOnly)
	require.NoError(t, err)

	b := newFakeBackend().on(StepDescribeFunction, "# memcpy\ncopies")
	r := newTestRunner(t, b, Deps{Cache: c})

	child := func(addr string) datatypes.ChildRef {
		return datatypes.ChildRef{FunctionRef: datatypes.FunctionRef{Address: addr, Name: "memcpy"}, Kind: datatypes.KindExternal}
	}
	md1, hit1, err := r.DescribeFunction(ctx, child("0x20"))
	require.NoError(t, err)
	md2, hit2, err := r.DescribeFunction(ctx, child("0x30"))
	require.NoError(t, err)

	assert.False(t, hit1)
	assert.True(t, hit2)
	assert.Equal(t, md1, md2)
	assert.Equal(t, 1, b.callsFor(StepDescribeFunction))

	rec, ok := c.Lookup("MEMCPY")
	require.True(t, ok)
	assert.Equal(t, []string{"0x20", "0x30"}, rec.Addresses)
}

func TestDescribeChild_MarkerTriggersMemoryAnalysis(t *testing.T) {
	b := newFakeBackend().
		on(StepDescribeFunction, "# sub_10\ncopies input\n# MEM #").
		on(StepMemoryParameters, `{"function":{"name":"sub_10","address":"0x10"},"has_memory_address_param":true,"memory_parameters":[{"param":"a1","operation":"copy","description":"dest","evidence":"memcpy(a1,\na2, n)"}]}`)
	r := newTestRunner(t, b, Deps{})

	got, err := r.DescribeChild(context.Background(), datatypes.ChildRef{FunctionRef: datatypes.FunctionRef{Address: "0x10", Name: "sub_10"}})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(got.Markdown, "# sub_10\ncopies input\n# MEM #\n\n---\n# sub_10 memory parameter analysis"))
	assert.Equal(t, got.MemoryCode, strings.SplitN(got.Markdown, "\n\n---\n", 2)[1])
	assert.Contains(t, got.MemoryCode, "| a1 | copy | dest | `memcpy(a1, a2, n)` |")
}

func TestDescribeChild_MarkerAnalysisFailureKeepsDescription(t *testing.T) {
	b := newFakeBackend().
		on(StepDescribeFunction, "# sub_10\n# MAP #").
		on(StepMemoryParameters, "no json")
	r := newTestRunner(t, b, Deps{})

	got, err := r.DescribeChild(context.Background(), datatypes.ChildRef{FunctionRef: datatypes.FunctionRef{Address: "0x10", Name: "sub_10"}})
	require.NoError(t, err)
	assert.Equal(t, "# sub_10\n# MAP #", got.Markdown)
	assert.Empty(t, got.MemoryCode)
}

func TestDescribeChild_NoMarker(t *testing.T) {
	b := newFakeBackend().on(StepDescribeFunction, "# f\nplain")
	r := newTestRunner(t, b, Deps{})

	got, err := r.DescribeChild(context.Background(), datatypes.ChildRef{FunctionRef: datatypes.FunctionRef{Address: "0x10", Name: "f"}})
	require.NoError(t, err)
	assert.Equal(t, "# f\nplain", got.Markdown)
	assert.Zero(t, b.callsFor(StepMemoryParameters))
}

// =============================================================================
// Memory parameters
// =============================================================================

func TestRenderMemoryParameters(t *testing.T) {
	t.Run("with parameters and notes", func(t *testing.T) {
		md := RenderMemoryParameters(datatypes.MemoryParameterResult{
			Function:              datatypes.FunctionRef{Address: "0x10", Name: "sub_10"},
			HasMemoryAddressParam: true,
			MemoryParameters: []datatypes.MemoryParameter{
				{Param: "a1", Operation: "write", Description: "line1\nline2", Evidence: "*a1 = v"},
			},
			Notes: "checked both branches",
		}, handler)

		want := strings.Join([]string{
			"# sub_10 memory parameter analysis",
			"",
			"- address: `0x10`",
			"- has memory-address parameter: yes",
			"",
			"## related parameters",
			"",
			"| param | operation | description | evidence |",
			"| --- | --- | --- | --- |",
			"| a1 | write | line1 line2 | `*a1 = v` |",
			"",
			"## notes",
			"",
			"checked both branches",
		}, "\n")
		assert.Equal(t, want, md)
	})

	t.Run("none detected falls back to target", func(t *testing.T) {
		md := RenderMemoryParameters(datatypes.MemoryParameterResult{}, handler)
		assert.Contains(t, md, "# DispatchIoctl memory parameter analysis")
		assert.Contains(t, md, "- address: `0x140001830`")
		assert.Contains(t, md, "- has memory-address parameter: no")
		assert.True(t, strings.HasSuffix(md, "No parameter directly controls the address of a memory read, write or copy."))
	})
}

func TestAnalyzeMemoryParameters_RequiresVerdictKey(t *testing.T) {
	b := newFakeBackend().on(StepMemoryParameters, `{"function":{"name":"f","address":"0x1"}}`)
	r := newTestRunner(t, b, Deps{})

	_, err := r.AnalyzeMemoryParameters(context.Background(), handler)
	require.Error(t, err)
	assert.Equal(t, 3, b.callsFor(StepMemoryParameters))
}

// =============================================================================
// Controlled access
// =============================================================================

func TestAnalyzeControlledAccess_CapturesEveryAttempt(t *testing.T) {
	b := newFakeBackend().
		fail(StepControlledAccess, &datatypes.BackendError{Backend: "fake", Err: errors.New("timeout")}).
		on(StepControlledAccess, "  # DispatchIoctl IRP-controlled memory access\n- verdict: present  ")
	sink := &transcript.MemorySink{}
	r := newTestRunner(t, b, Deps{Sink: sink})
	r.newID = func() string { return "fixed-id" }

	md, transcripts, err := r.AnalyzeControlledAccess(context.Background(), handler, "### child descriptions\nctx")
	require.NoError(t, err)
	assert.Equal(t, "# DispatchIoctl IRP-controlled memory access\n- verdict: present", md)

	require.Len(t, transcripts, 2)
	assert.Equal(t, 1, transcripts[0].Attempt)
	assert.Contains(t, transcripts[0].Error, "timeout")
	assert.Empty(t, transcripts[0].Responses)
	assert.Equal(t, 2, transcripts[1].Attempt)
	assert.Empty(t, transcripts[1].Error)
	assert.Len(t, transcripts[1].Responses, 2)
	assert.Equal(t, handler, transcripts[1].Target)
	assert.Equal(t, "fixed-id", transcripts[1].ID)
	assert.Len(t, transcripts[1].Messages, 2)
	assert.Contains(t, transcripts[1].Messages[1].Content, "Additional context")

	assert.Equal(t, transcripts, sink.Transcripts())
}

func TestAnalyzeControlledAccess_NoContextOmitsSection(t *testing.T) {
	b := newFakeBackend().on(StepControlledAccess, "verdict")
	r := newTestRunner(t, b, Deps{})

	_, _, err := r.AnalyzeControlledAccess(context.Background(), handler, "   ")
	require.NoError(t, err)
	assert.NotContains(t, b.calls[0].User, "Additional context")
}

// =============================================================================
// Dispatch helpers
// =============================================================================

func TestRenameIoControlCode(t *testing.T) {
	b := newFakeBackend().on(StepRenameIoControlCode,
		`{"address":"0x140001830","func_name":"DispatchIoctl","old_name":"LowPart","new_name":"Code"}`,
		`{"address":"0x140001830","func_name":"DispatchIoctl","old_name":"LowPart","new_name":"IoControlCode"}`)
	r := newTestRunner(t, b, Deps{})

	res, err := r.RenameIoControlCode(context.Background(), handler)
	require.NoError(t, err)
	assert.Equal(t, "LowPart", res.OldName)
	assert.Equal(t, 2, b.callsFor(StepRenameIoControlCode))
}

func TestSetDispatchPrototype(t *testing.T) {
	b := newFakeBackend().on(StepSetDispatchPrototype, `{"status":"failed","reason":"IoControlCode not renamed"}`)
	r := newTestRunner(t, b, Deps{})

	res, err := r.SetDispatchPrototype(context.Background(), handler)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Contains(t, b.calls[0].User, DefaultDispatchPrototype)

	assert.True(t, PrototypeResult{}.OK())
	assert.True(t, PrototypeResult{Status: "OK"}.OK())
}

func TestAnalyzeMemoryFlow(t *testing.T) {
	b := newFakeBackend().on(StepMemoryFlow, "# f parameter-to-address flow")
	r := newTestRunner(t, b, Deps{})

	md, err := r.AnalyzeMemoryFlow(context.Background(), handler)
	require.NoError(t, err)
	assert.Equal(t, "# f parameter-to-address flow", md)
}

func TestHasMemoryMarker(t *testing.T) {
	assert.True(t, HasMemoryMarker("x # MEM # y"))
	assert.True(t, HasMemoryMarker("# MAP #"))
	assert.False(t, HasMemoryMarker("#MEM#"))
}
