// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline sequences the analysis steps into a full dispatch run.
//
// For every caller of IoCreateDevice the Controller resolves the
// MajorFunction[14] handler, applies the best-effort dispatch fixups,
// describes the handler's children, analyses the handler's memory
// parameters, and finally asks whether IRP data controls a kernel memory
// access. Only a failed discovery aborts the run; a caller whose handler
// cannot be resolved is skipped, and every later failure becomes a
// placeholder in that caller's report.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
	"github.com/AleutianAI/irptrace/services/pipeline/steps"
	"github.com/AleutianAI/irptrace/services/telemetry"
)

var tracer = otel.Tracer("irptrace.pipeline")

// ErrNoCallers is returned by Run when discovery found nothing to analyse.
var ErrNoCallers = errors.New("no function calls IoCreateDevice")

// Console receives the operator trace.
type Console interface {
	Step(format string, args ...any)
	Warn(format string, args ...any)
	Block(title, content string)
}

// Config controls the run.
type Config struct {
	// Concurrency is the number of callers analysed at once. The backend
	// session is usually stateful, so the default is 1.
	Concurrency int `yaml:"concurrency" validate:"gte=1,lte=16"`

	// SkipDispatchFixups disables the IoControlCode rename and the
	// dispatch prototype change.
	SkipDispatchFixups bool `yaml:"skip_dispatch_fixups"`
}

// DefaultConfig returns a sequential configuration with fixups enabled.
func DefaultConfig() Config {
	return Config{Concurrency: 1}
}

// Controller runs the per-caller state machine.
//
// Thread Safety: Run may be called once at a time. With Concurrency > 1
// callers are processed in parallel; results keep discovery order.
type Controller struct {
	cfg     Config
	runner  *steps.Runner
	console Console
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewController creates a Controller. console and logger may be nil.
func NewController(cfg Config, runner *steps.Runner, console Console, logger *slog.Logger) (*Controller, error) {
	if runner == nil {
		return nil, errors.New("pipeline: step runner is required")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if console == nil {
		console = nopConsole{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:     cfg,
		runner:  runner,
		console: console,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}, nil
}

type nopConsole struct{}

func (nopConsole) Step(string, ...any) {}
func (nopConsole) Warn(string, ...any) {}
func (nopConsole) Block(string, string) {}

// callerOutcome is what one caller contributed to the run.
type callerOutcome struct {
	report      datatypes.CallerReport
	transcripts []datatypes.Transcript
	excerpts    []string
}

// Run executes discovery and analyses every caller.
//
// Description:
//
//	Discovery failure returns the error and no result. An empty caller
//	list returns a result without reports and ErrNoCallers. Otherwise the
//	result holds one report per caller whose handler was resolved, plus
//	every captured transcript and memory code excerpt, all in discovery
//	order. If ctx is cancelled the partial result is returned together
//	with the context error.
//
// Outputs:
//
//	*datatypes.RunResult - The run output. DeepReasoning is left empty.
//	error - Discovery errors, ErrNoCallers, or a context error.
func (c *Controller) Run(ctx context.Context) (*datatypes.RunResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Run")
	defer span.End()

	result := &datatypes.RunResult{RunID: c.newID(), StartedAt: c.now()}
	span.SetAttributes(attribute.String("run.id", result.RunID))
	c.logger.Info("run_started", slog.String("run_id", result.RunID), slog.Int("concurrency", c.cfg.Concurrency))

	c.console.Step("searching for IoCreateDevice references")
	callers, err := c.runner.DiscoverCallers(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		c.logger.Error("discover_failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("discover callers: %w", err)
	}
	c.console.Step("found %d calling functions", len(callers))
	c.logger.Info("callers_discovered", slog.Int("count", len(callers)))
	if len(callers) == 0 {
		return result, ErrNoCallers
	}

	outcomes := make([]*callerOutcome, len(callers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, caller := range callers {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			c.console.Step("[%d/%d] processing caller %s", i+1, len(callers), caller)
			outcomes[i] = c.processCaller(gctx, caller)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if o == nil {
			continue
		}
		result.Reports = append(result.Reports, o.report)
		result.Transcripts = append(result.Transcripts, o.transcripts...)
		result.ControlledMemoryCode = append(result.ControlledMemoryCode, o.excerpts...)
	}
	span.SetAttributes(
		attribute.Int("run.callers", len(callers)),
		attribute.Int("run.reports", len(result.Reports)),
		attribute.Int("run.transcripts", len(result.Transcripts)),
	)
	c.logger.Info("run_finished",
		slog.String("run_id", result.RunID),
		slog.Int("reports", len(result.Reports)),
		slog.Int("transcripts", len(result.Transcripts)),
	)

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("run interrupted: %w", err)
	}
	return result, nil
}

// processCaller runs the state machine for one caller. It returns nil
// when the handler could not be resolved.
func (c *Controller) processCaller(ctx context.Context, caller datatypes.FunctionRef) *callerOutcome {
	ctx, span := tracer.Start(ctx, "pipeline.processCaller")
	defer span.End()
	span.SetAttributes(attribute.String("caller.name", caller.Name), attribute.String("caller.address", caller.Address))

	handler, err := c.runner.ResolveHandler(ctx, caller)
	if err != nil {
		telemetry.RecordError(span, err)
		c.logger.Error("caller_skipped",
			slog.String("caller", caller.Name),
			slog.String("address", caller.Address),
			slog.String("step", steps.StepResolveHandler),
			slog.String("error", err.Error()),
		)
		c.console.Warn("could not resolve MajorFunction[14] for %s, skipping caller", caller)
		return nil
	}
	c.console.Step("MajorFunction[14] resolved: %s", handler)

	if !c.cfg.SkipDispatchFixups {
		c.applyDispatchFixups(ctx, caller, handler)
	}

	out := c.analyzeHandler(ctx, caller, handler)
	c.console.Step("finished caller %s", caller.Name)
	return out
}

// applyDispatchFixups renames IoControlCode and sets the dispatch
// prototype. Failures are reported and ignored.
func (c *Controller) applyDispatchFixups(ctx context.Context, caller, handler datatypes.FunctionRef) {
	rename, err := c.runner.RenameIoControlCode(ctx, handler)
	if err != nil {
		c.logger.Warn("fixup_failed",
			slog.String("caller", caller.Name),
			slog.String("handler", handler.Name),
			slog.String("step", steps.StepRenameIoControlCode),
			slog.String("error", err.Error()),
		)
		c.console.Warn("IoControlCode rename failed, continuing")
	} else {
		c.console.Block(handler.Name+" IoControlCode rename", indentJSON(rename))
	}

	proto, err := c.runner.SetDispatchPrototype(ctx, handler)
	switch {
	case err != nil:
		c.logger.Warn("fixup_failed",
			slog.String("caller", caller.Name),
			slog.String("handler", handler.Name),
			slog.String("step", steps.StepSetDispatchPrototype),
			slog.String("error", err.Error()),
		)
		c.console.Warn("dispatch prototype change failed, continuing")
	case !proto.OK():
		c.logger.Warn("prototype_rejected",
			slog.String("handler", handler.Name),
			slog.String("status", proto.Status),
			slog.String("reason", proto.Reason),
		)
		c.console.Block(handler.Name+" dispatch prototype", indentJSON(proto))
	default:
		c.console.Block(handler.Name+" dispatch prototype", indentJSON(proto))
	}
}

// analyzeHandler runs ENUMERATE through ANALYZE_CONTROLLED_ACCESS.
func (c *Controller) analyzeHandler(ctx context.Context, caller, handler datatypes.FunctionRef) *callerOutcome {
	children, err := c.runner.EnumerateChildren(ctx, handler)
	if err != nil {
		c.degraded(caller, handler, steps.StepEnumerateChildren, err)
		c.console.Warn("child enumeration failed, skipping descriptions")
		children = nil
	} else {
		c.console.Block(handler.Name+" children", indentJSON(children))
		c.console.Step("%d children", len(children))
	}

	sections := make([]string, 0, len(children))
	var excerpts []string
	for _, child := range children {
		desc, err := c.runner.DescribeChild(ctx, child)
		if err != nil {
			c.degraded(caller, handler, steps.StepDescribeFunction, err, slog.String("child", child.Name))
			c.console.Warn("description of %s failed", child.Name)
			sections = append(sections, FormatChildSection(child, PlaceholderChildDescription))
			continue
		}
		if desc.MemoryCode != "" {
			excerpts = append(excerpts, MemoryCodeExcerpt(child.Name, desc.MemoryCode))
		}
		sections = append(sections, FormatChildSection(child, desc.Markdown))
	}
	childBlock := ChildBlock(sections)

	parentMemory, err := c.runner.MemoryParameterMarkdown(ctx, handler)
	if err != nil {
		c.degraded(caller, handler, steps.StepMemoryParameters, err)
		parentMemory = PlaceholderParentMemory
	} else {
		c.console.Block(handler.Name+" memory parameter analysis (parent)", parentMemory)
	}

	contextMD := BuildContext(childBlock, parentMemory, excerpts)
	access, transcripts, err := c.runner.AnalyzeControlledAccess(ctx, handler, contextMD)
	if err != nil {
		c.degraded(caller, handler, steps.StepControlledAccess, err)
		access = PlaceholderControlledAccess
	} else {
		c.console.Block(handler.Name+" IRP-controlled memory access", access)
	}

	return &callerOutcome{
		report: datatypes.CallerReport{
			Caller:                caller,
			Handler:               handler,
			ChildBlock:            childBlock,
			ParentMemoryBlock:     parentMemory,
			ControlledAccessBlock: access,
		},
		transcripts: transcripts,
		excerpts:    excerpts,
	}
}

func (c *Controller) degraded(caller, handler datatypes.FunctionRef, step string, err error, extra ...any) {
	args := []any{
		slog.String("caller", caller.Name),
		slog.String("handler", handler.Name),
		slog.String("step", step),
		slog.String("error", err.Error()),
	}
	c.logger.Error("step_degraded", append(args, extra...)...)
}

func indentJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}
