// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry provides OpenTelemetry-based observability for irptrace.
//
// Init configures the global TracerProvider and MeterProvider from Config.
// Pipeline packages call otel.Tracer() directly; Metrics turns step, retry
// and cache events into counters and histograms.
//
// # Trace Backend
//
// "stdout" pretty-prints spans, "otlp" ships them over gRPC, "none"
// leaves the global no-op provider in place.
//
// # Metrics Backend
//
// "prometheus" registers with the default Prometheus registry and exposes
// MetricsHandler for the /metrics server. "stdout" exports periodically.
//
// # Environment Variables
//
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - IRPTRACE_ENV: environment name (default: development)
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init() returns.
package telemetry

import "errors"

var (
	// ErrNilContext is returned by Init when ctx is nil.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for unsupported exporter names.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)
