// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// MetricsServer exposes /metrics and /healthz for the lifetime of a run.
type MetricsServer struct {
	router *gin.Engine
	srv    *http.Server
	logger *slog.Logger
}

// NewMetricsServer builds a server on addr serving metrics from handler.
//
// Description:
//
//	Routes are GET /metrics (the Prometheus handler) and GET /healthz.
//	Requests are traced with otelgin.
//
// Inputs:
//
//	addr - Listen address.
//	handler - Usually MetricsHandler(). Must not be nil.
//	logger - May be nil.
func NewMetricsServer(addr string, handler http.Handler, logger *slog.Logger) (*MetricsServer, error) {
	if handler == nil {
		return nil, errors.New("telemetry: metrics handler is nil (is the prometheus exporter enabled?)")
	}
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("irptrace-metrics"))

	router.GET("/metrics", gin.WrapH(handler))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return &MetricsServer{
		router: router,
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}, nil
}

// Handler returns the router, for tests.
func (s *MetricsServer) Handler() http.Handler { return s.router }

// Start listens and serves in the background. Listen errors are returned
// directly; later serve errors are logged.
func (s *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("metrics_server_started", slog.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics_server_failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Shutdown stops the server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
