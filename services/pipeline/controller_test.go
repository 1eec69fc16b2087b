// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

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

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
	"github.com/AleutianAI/irptrace/services/pipeline/retry"
	"github.com/AleutianAI/irptrace/services/pipeline/steps"
	"github.com/AleutianAI/irptrace/services/pipeline/transcript"
)

// routedBackend answers with a function of the conversation.
type routedBackend struct {
	mu    sync.Mutex
	route func(conv datatypes.Conversation) (string, error)
	steps []string
}

func (b *routedBackend) Submit(_ context.Context, conv datatypes.Conversation) ([]datatypes.Message, error) {
	b.mu.Lock()
	b.steps = append(b.steps, conv.Step)
	b.mu.Unlock()

	content, err := b.route(conv)
	if err != nil {
		return nil, err
	}
	return []datatypes.Message{{Role: datatypes.RoleAssistant, Content: content}}, nil
}

func (b *routedBackend) count(step string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.steps {
		if s == step {
			n++
		}
	}
	return n
}

// driverBackend simulates a driver with three IoCreateDevice callers.
// Handler names are derived from caller names.
func driverBackend(failEnumerateFor string) *routedBackend {
	return &routedBackend{route: func(conv datatypes.Conversation) (string, error) {
		user := conv.User
		switch conv.Step {
		case steps.StepDiscoverCallers:
			return `[{"address":"0x1000","func_name":"CallerA"},{"address":"0x2000","func_name":"CallerB"},{"address":"0x3000","func_name":"CallerC"},{"address":"0x1000","func_name":"callera"}]`, nil
		case steps.StepResolveHandler:
			for _, n := range []string{"CallerA", "CallerB", "CallerC"} {
				if strings.Contains(user, n) {
					return fmt.Sprintf(`{"address":"0x%s00","func_name":"Handler%s"}`, n[len(n)-1:], n[len(n)-1:]), nil
				}
			}
		case steps.StepRenameIoControlCode:
			return `{"address":"0x1","func_name":"h","old_name":"v1","new_name":"IoControlCode"}`, nil
		case steps.StepSetDispatchPrototype:
			return `{"status":"ok"}`, nil
		case steps.StepEnumerateChildren:
			if strings.Contains(user, failEnumerateFor) {
				return "I could not decompile this function.", nil
			}
			return `[{"address":"0x10","name":"memcpy","type":"external"},{"address":"0x20","name":"sub_20","type":"internal"}]`, nil
		case steps.StepDescribeFunction:
			if strings.Contains(user, "sub_20") {
				return "# sub_20\nwrites to a caller pointer\n# MEM #", nil
			}
			return "# memcpy\ncopies bytes", nil
		case steps.StepMemoryParameters:
			return `{"has_memory_address_param":true,"memory_parameters":[{"param":"a1","operation":"write","description":"dest","evidence":"*a1 = 0"}]}`, nil
		case steps.StepControlledAccess:
			return "# verdict\ncontrolled", nil
		}
		return "", fmt.Errorf("unexpected step %s", conv.Step)
	}}
}

func newTestController(t *testing.T, backend steps.Backend, cfg Config, sink transcript.Sink) *Controller {
	t.Helper()
	rc := retry.NewController(retry.DefaultConfig(), nil, retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	runner, err := steps.NewRunner(steps.DefaultConfig(), steps.Deps{Backend: backend, Retry: rc, Sink: sink})
	require.NoError(t, err)
	c, err := NewController(cfg, runner, nil, nil)
	require.NoError(t, err)
	c.newID = func() string { return "run-1" }
	return c
}

func TestRun_PartialFailureKeepsEveryCaller(t *testing.T) {
	backend := driverBackend("HandlerB")
	sink := &transcript.MemorySink{}
	c := newTestController(t, backend, DefaultConfig(), sink)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Reports, 3)
	assert.Equal(t, "run-1", res.RunID)

	names := []string{res.Reports[0].Caller.Name, res.Reports[1].Caller.Name, res.Reports[2].Caller.Name}
	assert.Equal(t, []string{"CallerA", "CallerB", "CallerC"}, names)

	assert.Equal(t, PlaceholderNoChildren, res.Reports[1].ChildBlock)
	assert.Contains(t, res.Reports[0].ChildBlock, "#### memcpy (external)\n- address: `0x10`\n\n# memcpy\ncopies bytes")
	assert.Contains(t, res.Reports[2].ChildBlock, "#### sub_20 (internal)")

	for _, r := range res.Reports {
		assert.Equal(t, "# verdict\ncontrolled", r.ControlledAccessBlock)
		assert.Contains(t, r.ParentMemoryBlock, "has memory-address parameter: yes")
	}

	// One transcript per controlled-access call, in caller order.
	require.Len(t, res.Transcripts, 3)
	assert.Equal(t, "HandlerA", res.Transcripts[0].Target.Name)
	assert.Equal(t, "HandlerC", res.Transcripts[2].Target.Name)
	assert.Len(t, sink.Transcripts(), 3)

	// Only callers whose children were described contribute excerpts.
	require.Len(t, res.ControlledMemoryCode, 2)
	assert.True(t, strings.HasPrefix(res.ControlledMemoryCode[0], "### sub_20 controllable memory params\n# sub_20 memory parameter analysis"))

	// Enumeration of HandlerB was retried to the ceiling.
	assert.Equal(t, 2+3, backend.count(steps.StepEnumerateChildren))
}

func TestRun_ContextOrderReachesControlledAccess(t *testing.T) {
	backend := driverBackend("NoSuchHandler")
	var seen string
	inner := backend.route
	backend.route = func(conv datatypes.Conversation) (string, error) {
		if conv.Step == steps.StepControlledAccess && strings.Contains(conv.User, "HandlerA") {
			seen = conv.User
		}
		return inner(conv)
	}
	c := newTestController(t, backend, DefaultConfig(), nil)

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	iChildren := strings.Index(seen, "### child descriptions")
	iParent := strings.Index(seen, "### function memory parameter analysis")
	iCode := strings.Index(seen, "### controlled memory parameter code")
	require.True(t, iChildren >= 0 && iParent >= 0 && iCode >= 0, seen)
	assert.Less(t, iChildren, iParent)
	assert.Less(t, iParent, iCode)
}

func TestRun_UnresolvedCallerIsSkipped(t *testing.T) {
	backend := driverBackend("NoSuchHandler")
	inner := backend.route
	backend.route = func(conv datatypes.Conversation) (string, error) {
		if conv.Step == steps.StepResolveHandler && strings.Contains(conv.User, "CallerB") {
			return `{"address":"","func_name":""}`, nil
		}
		return inner(conv)
	}
	c := newTestController(t, backend, DefaultConfig(), nil)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Reports, 2)
	assert.Equal(t, "CallerA", res.Reports[0].Caller.Name)
	assert.Equal(t, "CallerC", res.Reports[1].Caller.Name)
}

func TestRun_LaterFailuresBecomePlaceholders(t *testing.T) {
	backend := driverBackend("NoSuchHandler")
	inner := backend.route
	backend.route = func(conv datatypes.Conversation) (string, error) {
		switch conv.Step {
		case steps.StepControlledAccess, steps.StepMemoryParameters:
			return "", errors.New("session lost")
		case steps.StepRenameIoControlCode, steps.StepSetDispatchPrototype:
			return "", errors.New("not supported")
		case steps.StepDescribeFunction:
			if strings.Contains(conv.User, "IAT Address: 0x10") {
				return "", errors.New("timeout")
			}
		}
		return inner(conv)
	}
	c := newTestController(t, backend, DefaultConfig(), nil)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Reports, 3)

	r := res.Reports[0]
	assert.Equal(t, PlaceholderParentMemory, r.ParentMemoryBlock)
	assert.Equal(t, PlaceholderControlledAccess, r.ControlledAccessBlock)
	assert.Contains(t, r.ChildBlock, "#### memcpy (external)\n- address: `0x10`\n\n"+PlaceholderChildDescription)
	// The marker side path failed too, so sub_20 keeps its plain description.
	assert.Contains(t, r.ChildBlock, "# sub_20\nwrites to a caller pointer\n# MEM #")
	assert.Empty(t, res.ControlledMemoryCode)

	// Failed controlled-access attempts are still captured.
	assert.Len(t, res.Transcripts, 3*3)
}

func TestRun_DiscoverFailureAborts(t *testing.T) {
	backend := &routedBackend{route: func(datatypes.Conversation) (string, error) {
		return "no references", nil
	}}
	c := newTestController(t, backend, DefaultConfig(), nil)

	res, err := c.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, res)
	var xerr *datatypes.ExtractionError
	assert.True(t, errors.As(err, &xerr))
}

func TestRun_NoCallers(t *testing.T) {
	backend := &routedBackend{route: func(datatypes.Conversation) (string, error) { return "[]", nil }}
	c := newTestController(t, backend, DefaultConfig(), nil)

	res, err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoCallers)
	require.NotNil(t, res)
	assert.Empty(t, res.Reports)
}

func TestRun_SkipDispatchFixups(t *testing.T) {
	backend := driverBackend("NoSuchHandler")
	c := newTestController(t, backend, Config{Concurrency: 1, SkipDispatchFixups: true}, nil)

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, backend.count(steps.StepRenameIoControlCode))
	assert.Zero(t, backend.count(steps.StepSetDispatchPrototype))
}

func TestRun_ParallelKeepsDiscoveryOrder(t *testing.T) {
	backend := driverBackend("HandlerA")
	c := newTestController(t, backend, Config{Concurrency: 3}, nil)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Reports, 3)
	for i, want := range []string{"CallerA", "CallerB", "CallerC"} {
		assert.Equal(t, want, res.Reports[i].Caller.Name)
	}
	assert.Equal(t, PlaceholderNoChildren, res.Reports[0].ChildBlock)
}

func TestBuildContext(t *testing.T) {
	got := BuildContext("children", "parent", nil)
	assert.Equal(t, "### child descriptions\n\nchildren\n\n### function memory parameter analysis\n\nparent", got)

	got = BuildContext("children", "parent", []string{"### a controllable memory params\nx", "### b controllable memory params\ny"})
	assert.True(t, strings.HasSuffix(got, "parent\n\n### controlled memory parameter code\n### a controllable memory params\nx\n\n### b controllable memory params\ny"))
}

func TestFormatChildSection(t *testing.T) {
	child := datatypes.ChildRef{FunctionRef: datatypes.FunctionRef{Address: "0x20", Name: "sub_20"}}
	assert.Equal(t, "#### sub_20 (internal)\n- address: `0x20`\n\ntext", FormatChildSection(child, "  text\n"))
	assert.Equal(t, PlaceholderNoChildren, ChildBlock(nil))
	assert.Equal(t, "a\n\nb", ChildBlock([]string{"a", "b"}))
}

func TestNewController_RequiresRunner(t *testing.T) {
	_, err := NewController(DefaultConfig(), nil, nil, nil)
	assert.Error(t, err)
}
