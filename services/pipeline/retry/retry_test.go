// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
)

type recordingConsole struct {
	warns []string
	lines []string
}

func (r *recordingConsole) Warn(format string, args ...any) {
	r.warns = append(r.warns, fmt.Sprintf(format, args...))
}

func (r *recordingConsole) Line(text string) { r.lines = append(r.lines, text) }

type sleepRecorder struct {
	calls []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

func TestDo_AlwaysFailingStopsAfterThreeAttempts(t *testing.T) {
	console := &recordingConsole{}
	sleeper := &sleepRecorder{}
	ctrl := NewController(DefaultConfig(), console, WithSleep(sleeper.sleep))

	calls := 0
	extractErr := &datatypes.ExtractionError{Shape: "array", Reason: "no json"}
	_, err := Do(context.Background(), ctrl, "discover-callers",
		func(_ context.Context, attempt int) (int, []datatypes.Message, error) {
			calls++
			assert.Equal(t, calls, attempt)
			return 0, []datatypes.Message{{Role: "assistant", Content: "sorry"}}, extractErr
		})

	require.Error(t, err)
	assert.Same(t, extractErr, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, sleeper.calls)
	assert.Len(t, console.lines, 3)
	assert.Equal(t, "[role=assistant] sorry", console.lines[0])
	assert.Equal(t, "discover-callers: could not extract a result, backend messages follow:", console.warns[0])
}

func TestDo_BackendFailureWording(t *testing.T) {
	console := &recordingConsole{}
	ctrl := NewController(Config{Attempts: 2}, console,
		WithSleep(func(context.Context, time.Duration) error { return nil }))

	_, err := Do(context.Background(), ctrl, "resolve-handler",
		func(context.Context, int) (int, []datatypes.Message, error) {
			return 0, nil, &datatypes.BackendError{Backend: "openai", Err: errors.New("connection reset")}
		})

	require.Error(t, err)
	require.NotEmpty(t, console.warns)
	assert.Equal(t, "resolve-handler: openai backend request failed: connection reset", console.warns[0])
	for _, w := range console.warns {
		assert.NotContains(t, w, "could not extract")
	}
	assert.Empty(t, console.lines)
}

func TestDo_SucceedsOnSecondAttempt(t *testing.T) {
	sleeper := &sleepRecorder{}
	ctrl := NewController(DefaultConfig(), nil, WithSleep(sleeper.sleep))

	calls := 0
	got, err := Do(context.Background(), ctrl, "resolve-handler",
		func(context.Context, int) (string, []datatypes.Message, error) {
			calls++
			if calls == 1 {
				return "", nil, &datatypes.BackendError{Backend: "openai", Err: errors.New("reset")}
			}
			return "DispatchIoctl", nil, nil
		})

	require.NoError(t, err)
	assert.Equal(t, "DispatchIoctl", got)
	assert.Equal(t, 2, calls)
	assert.Len(t, sleeper.calls, 1)
}

func TestDo_ValidationErrorNotRetried(t *testing.T) {
	ctrl := NewController(DefaultConfig(), nil, WithSleep(func(context.Context, time.Duration) error {
		t.Fatal("sleep must not be called")
		return nil
	}))

	calls := 0
	_, err := Do(context.Background(), ctrl, "describe",
		func(context.Context, int) (int, []datatypes.Message, error) {
			calls++
			return 0, nil, &datatypes.ValidationError{Op: "describe"}
		})

	var verr *datatypes.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 1, calls)
}

func TestDo_SkipsEmptyMessagesInDump(t *testing.T) {
	console := &recordingConsole{}
	ctrl := NewController(Config{Attempts: 1}, console)

	_, _ = Do(context.Background(), ctrl, "children",
		func(context.Context, int) (int, []datatypes.Message, error) {
			return 0, []datatypes.Message{
				{Role: "assistant", Content: ""},
				{Role: "function", Content: "tool out"},
			}, &datatypes.ExtractionError{Shape: "array"}
		})

	assert.Equal(t, []string{"[role=function] tool out"}, console.lines)
}

func TestDo_RetryHookFires(t *testing.T) {
	var hooked []int
	ctrl := NewController(Config{Attempts: 3}, nil,
		WithSleep(func(context.Context, time.Duration) error { return nil }),
		WithRetryHook(func(_ context.Context, step string, attempt int, _ error) {
			assert.Equal(t, "memparam", step)
			hooked = append(hooked, attempt)
		}))

	_, _ = Do(context.Background(), ctrl, "memparam",
		func(context.Context, int) (int, []datatypes.Message, error) {
			return 0, nil, &datatypes.ExtractionError{}
		})

	assert.Equal(t, []int{1, 2}, hooked)
}

func TestDo_CancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ctrl := NewController(Config{Attempts: 3, Delay: time.Hour}, nil)

	calls := 0
	_, err := Do(ctx, ctrl, "controlled",
		func(context.Context, int) (int, []datatypes.Message, error) {
			calls++
			cancel()
			return 0, nil, &datatypes.ExtractionError{}
		})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestNewController_ClampsAttempts(t *testing.T) {
	ctrl := NewController(Config{Attempts: 0}, nil)
	assert.Equal(t, 1, ctrl.Config().Attempts)
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
