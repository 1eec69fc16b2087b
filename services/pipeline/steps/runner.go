// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package steps implements the analysis steps of the dispatch pipeline.
//
// Every step has the same shape: validate the input reference, build a
// two-message conversation, submit it once per retry attempt, and extract
// a typed result from the reply. Steps never parse machine code; they only
// check the structural shape of what the backend returned.
package steps

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/irptrace/services/pipeline/cache"
	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
	"github.com/AleutianAI/irptrace/services/pipeline/retry"
	"github.com/AleutianAI/irptrace/services/pipeline/transcript"
)

var tracer = otel.Tracer("irptrace.pipeline.steps")

// Step names, used for console output, logs, metrics and scripted replies.
const (
	StepDiscoverCallers      = "discover-callers"
	StepResolveHandler       = "resolve-handler"
	StepEnumerateChildren    = "enumerate-children"
	StepDescribeFunction     = "describe-function"
	StepMemoryParameters     = "analyze-memory-parameters"
	StepControlledAccess     = "analyze-controlled-memory-access"
	StepRenameIoControlCode  = "rename-iocontrol-code"
	StepSetDispatchPrototype = "set-dispatch-prototype"
	StepMemoryFlow           = "analyze-memory-flow"
)

// Outcome labels reported to the Observer.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Backend is the analysis backend the steps talk to.
type Backend interface {
	Submit(ctx context.Context, conv datatypes.Conversation) ([]datatypes.Message, error)
}

// Console receives the operator trace.
type Console interface {
	Step(format string, args ...any)
	Warn(format string, args ...any)
	Block(title, content string)
}

// Observer is told how every step invocation ended.
type Observer interface {
	StepFinished(ctx context.Context, step, outcome string, elapsed time.Duration)
}

// Config holds step-level settings.
type Config struct {
	// DispatchPrototype is the prototype applied to dispatch handlers.
	DispatchPrototype string
}

// DefaultConfig returns the default step settings.
func DefaultConfig() Config {
	return Config{DispatchPrototype: DefaultDispatchPrototype}
}

// Runner executes analysis steps against one backend.
//
// Thread Safety: Safe for concurrent use when the backend, cache and sink
// are. The bundled cache and sinks are.
type Runner struct {
	cfg      Config
	backend  Backend
	retry    *retry.Controller
	cache    *cache.Cache
	sink     transcript.Sink
	console  Console
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Deps bundles the collaborators of a Runner. Backend and Retry are
// required; the rest may be nil.
type Deps struct {
	Backend  Backend
	Retry    *retry.Controller
	Cache    *cache.Cache
	Sink     transcript.Sink
	Console  Console
	Observer Observer
	Logger   *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if deps.Backend == nil {
		return nil, errors.New("steps: backend is required")
	}
	if deps.Retry == nil {
		return nil, errors.New("steps: retry controller is required")
	}
	if cfg.DispatchPrototype == "" {
		cfg.DispatchPrototype = DefaultDispatchPrototype
	}
	r := &Runner{
		cfg:      cfg,
		backend:  deps.Backend,
		retry:    deps.Retry,
		cache:    deps.Cache,
		sink:     deps.Sink,
		console:  deps.Console,
		observer: deps.Observer,
		logger:   deps.Logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	if r.console == nil {
		r.console = nopConsole{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

type nopConsole struct{}

func (nopConsole) Step(string, ...any) {}
func (nopConsole) Warn(string, ...any) {}
func (nopConsole) Block(string, string) {}

// attemptHook sees every attempt's raw exchange before extraction errors
// are returned to the retry controller.
type attemptHook func(attempt int, responses []datatypes.Message, err error)

// run submits conv under the retry policy and parses each reply.
func run[T any](
	ctx context.Context,
	r *Runner,
	step string,
	target *datatypes.FunctionRef,
	conv datatypes.Conversation,
	parse func([]datatypes.Message) (T, error),
	hook attemptHook,
) (T, error) {
	ctx, span := tracer.Start(ctx, "steps."+step)
	defer span.End()
	span.SetAttributes(attribute.String("pipeline.step", step))
	if target != nil {
		span.SetAttributes(
			attribute.String("function.name", target.Name),
			attribute.String("function.address", target.Address),
		)
	}

	conv.Step = step
	start := time.Now()
	r.logger.Debug("step_start", slog.String("step", step), slog.Any("target", target))

	result, err := retry.Do(ctx, r.retry, step, func(ctx context.Context, attempt int) (T, []datatypes.Message, error) {
		var zero T
		responses, err := r.backend.Submit(ctx, conv)
		if err != nil {
			var berr *datatypes.BackendError
			if !errors.As(err, &berr) {
				err = &datatypes.BackendError{Backend: "unknown", Err: err}
			}
			if hook != nil {
				hook(attempt, responses, err)
			}
			return zero, responses, err
		}
		v, err := parse(responses)
		if hook != nil {
			hook(attempt, responses, err)
		}
		return v, responses, err
	})

	elapsed := time.Since(start)
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if r.observer != nil {
		r.observer.StepFinished(ctx, step, outcome, elapsed)
	}
	r.logger.Debug("step_end",
		slog.String("step", step),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", elapsed),
	)
	return result, err
}

// observeFailure reports a step that failed before reaching the backend.
func (r *Runner) observeFailure(ctx context.Context, step string) {
	if r.observer != nil {
		r.observer.StepFinished(ctx, step, OutcomeError, 0)
	}
}
