// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/irptrace/cmd/irptrace/config"
	"github.com/AleutianAI/irptrace/pkg/logging"
	"github.com/AleutianAI/irptrace/pkg/ux"
	"github.com/AleutianAI/irptrace/services/llm"
	"github.com/AleutianAI/irptrace/services/pipeline/cache"
	"github.com/AleutianAI/irptrace/services/pipeline/retry"
	"github.com/AleutianAI/irptrace/services/pipeline/steps"
	"github.com/AleutianAI/irptrace/services/pipeline/transcript"
	"github.com/AleutianAI/irptrace/services/telemetry"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg     config.IrptraceConfig
	logger  *logging.Logger
	console *ux.Console
	metrics *telemetry.Metrics
	cache   *cache.Cache
	runner  *steps.Runner

	// closers run in reverse order on Close.
	closers []func(context.Context) error
}

// loadConfig reads the file named by --config.
func loadConfig(root *rootFlags) (config.IrptraceConfig, error) {
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newBaseApp sets up logging, telemetry and the console.
func newBaseApp(ctx context.Context, cfg config.IrptraceConfig, out io.Writer) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logging.New(cfg.Logging.LoggerConfig(serviceName)),
		console: ux.NewConsole(out),
	}
	a.closers = append(a.closers, func(context.Context) error { return a.logger.Close() })

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	a.metrics, err = telemetry.NewMetrics(otel.Meter(serviceName))
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	if cfg.Telemetry.MetricExporter == telemetry.ExporterPrometheus && cfg.Telemetry.MetricsAddr != "" {
		srv, err := telemetry.NewMetricsServer(cfg.Telemetry.MetricsAddr, telemetry.MetricsHandler(), a.slog())
		if err == nil {
			err = srv.Start()
		}
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("start metrics server: %w", err)
		}
		a.closers = append(a.closers, srv.Shutdown)
		a.console.Step("metrics served on http://%s/metrics", cfg.Telemetry.MetricsAddr)
	}
	return a, nil
}

// newApp wires the full analysis stack: backend, retry policy, cache,
// transcript log and step runner.
func newApp(ctx context.Context, cfg config.IrptraceConfig, out io.Writer) (*app, error) {
	a, err := newBaseApp(ctx, cfg, out)
	if err != nil {
		return nil, err
	}
	log := a.slog()

	backend, err := llm.New(cfg.Backend, log)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("create analysis backend: %w", err)
	}

	if err := a.openCache(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	rc := retry.NewController(cfg.Pipeline.Retry, a.console,
		retry.WithLogger(log),
		retry.WithRetryHook(a.metrics.RecordRetry),
	)

	var sink transcript.Sink
	if cfg.Pipeline.TranscriptLog != "" {
		sink = transcript.NewFileSink(cfg.Pipeline.TranscriptLog)
	}

	a.runner, err = steps.NewRunner(
		steps.Config{DispatchPrototype: cfg.Pipeline.DispatchPrototype},
		steps.Deps{
			Backend:  backend,
			Retry:    rc,
			Cache:    a.cache,
			Sink:     sink,
			Console:  a.console,
			Observer: a.metrics,
			Logger:   log,
		},
	)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// openCache opens the configured description cache store.
func (a *app) openCache(ctx context.Context) error {
	log := a.slog()
	policy, err := cache.ParsePolicy(a.cfg.Cache.Policy)
	if err != nil {
		return err
	}

	var store cache.Store
	switch a.cfg.Cache.Store {
	case config.StoreBadger:
		bs, err := cache.OpenBadgerStore(a.cfg.Cache.Path, log)
		if err != nil {
			return fmt.Errorf("open badger cache %s: %w", a.cfg.Cache.Path, err)
		}
		store = bs
	default:
		store = cache.NewJSONLStore(a.cfg.Cache.Path, log)
	}

	c, err := cache.Open(ctx, store, policy,
		cache.WithLogger(log),
		cache.WithLookupHook(a.metrics.RecordCacheLookup),
	)
	if err != nil {
		_ = store.Close()
		return err
	}
	a.cache = c
	a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	return nil
}

func (a *app) slog() *slog.Logger { return a.logger.Slog() }

// Close releases everything in reverse setup order. Errors are logged.
func (a *app) Close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		slog.Warn("shutdown_incomplete", slog.String("error", err.Error()))
	}
}

// commandContext returns the command context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
