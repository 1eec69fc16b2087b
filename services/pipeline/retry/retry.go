// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retry wraps analysis steps with bounded, fixed-interval retries.
//
// The analysis backend sometimes needs an operator to intervene (reload the
// target, restart a session). Backoff is therefore fixed, not exponential:
// each wait is a window for that intervention.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
)

// Default policy values.
const (
	DefaultAttempts = 3
	DefaultDelay    = 30 * time.Second
)

// Config holds the retry policy.
type Config struct {
	// Attempts is the total number of tries, including the first.
	Attempts int `yaml:"attempts" validate:"min=1"`

	// Delay is the fixed wait between tries.
	Delay time.Duration `yaml:"delay"`
}

// DefaultConfig returns 3 attempts with a 30 second wait.
func DefaultConfig() Config {
	return Config{Attempts: DefaultAttempts, Delay: DefaultDelay}
}

// Console receives operator diagnostics for failed attempts.
type Console interface {
	Warn(format string, args ...any)
	Line(text string)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryHook observes each scheduled retry. Used for metrics.
type RetryHook func(ctx context.Context, step string, attempt int, err error)

// Operation is one attempt of a step.
//
// It returns the typed result, the backend messages of this attempt (for
// diagnostics), and an error. attempt starts at 1.
type Operation[T any] func(ctx context.Context, attempt int) (T, []datatypes.Message, error)

// Controller runs operations under a retry policy.
//
// Thread Safety: Safe for concurrent use after construction.
type Controller struct {
	cfg     Config
	console Console
	logger  *slog.Logger
	sleep   SleepFunc
	onRetry RetryHook
}

// Option customises a Controller.
type Option func(*Controller)

// WithSleep replaces the wait function. Tests pass a no-op.
func WithSleep(fn SleepFunc) Option {
	return func(c *Controller) { c.sleep = fn }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithRetryHook registers a hook fired before each wait.
func WithRetryHook(h RetryHook) Option {
	return func(c *Controller) { c.onRetry = h }
}

// NewController creates a controller.
//
// Inputs:
//
//	cfg - Retry policy. Attempts below 1 is treated as 1.
//	console - Receives failed-attempt transcripts. May be nil.
//	opts - Optional overrides.
func NewController(cfg Config, console Console, opts ...Option) *Controller {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	c := &Controller{
		cfg:     cfg,
		console: console,
		logger:  slog.Default(),
		sleep:   SleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the policy in effect.
func (c *Controller) Config() Config { return c.cfg }

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent.
//
// Description:
//
//	On a retryable failure (datatypes.IsRetryable) every message of the
//	failed attempt is printed as "[role=<role>] <content>", the wait is
//	announced, and the controller sleeps for the configured delay. The
//	error of the final attempt is returned unchanged so callers can match
//	it with errors.As. Non-retryable errors return immediately.
//
// Inputs:
//
//	ctx - Cancels the wait between attempts.
//	c - The controller.
//	step - Step name for diagnostics and metrics.
//	op - The attempt function.
//
// Outputs:
//
//	T - Result of the successful attempt.
//	error - Last attempt's error, or ctx.Err() if cancelled while waiting.
func Do[T any](ctx context.Context, c *Controller, step string, op Operation[T]) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		result, transcript, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		if !datatypes.IsRetryable(err) {
			return zero, err
		}

		c.dumpTranscript(step, transcript, err)

		if attempt >= c.cfg.Attempts {
			c.logger.Error("step_attempts_exhausted",
				slog.String("step", step),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
			return zero, err
		}

		remaining := c.cfg.Attempts - attempt
		c.logger.Warn("step_retry",
			slog.String("step", step),
			slog.Int("attempt", attempt),
			slog.Int("remaining", remaining),
			slog.Duration("delay", c.cfg.Delay),
			slog.String("error", err.Error()),
		)
		if c.onRetry != nil {
			c.onRetry(ctx, step, attempt, err)
		}
		if c.console != nil {
			c.console.Warn("retrying %s in %s (%d left)", step, c.cfg.Delay, remaining)
		}

		if err := c.sleep(ctx, c.cfg.Delay); err != nil {
			return zero, fmt.Errorf("%s: retry wait interrupted: %w", step, err)
		}
	}
}

func (c *Controller) dumpTranscript(step string, transcript []datatypes.Message, err error) {
	if c.console == nil {
		return
	}
	var berr *datatypes.BackendError
	if errors.As(err, &berr) {
		c.console.Warn("%s: %s backend request failed: %v", step, berr.Backend, berr.Err)
	} else {
		c.console.Warn("%s: could not extract a result, backend messages follow:", step)
	}
	for _, m := range transcript {
		if m.Content == "" {
			continue
		}
		c.console.Line(fmt.Sprintf("[role=%s] %s", m.Role, m.Content))
	}
}

// SleepContext waits for d unless ctx is cancelled first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
