// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCausal/services/causal"
	"github.com/AleutianAI/AleutianCausal/services/causal/telemetry"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server and exporters.
const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the causal HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Override server.addr")
	return cmd
}

// serve runs the HTTP server until SIGINT or SIGTERM.
func (a *app) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := a.slog()

	shutdownTelemetry, err := telemetry.Init(ctx, a.cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	svc, closeStore, err := a.openService()
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("Closing model store failed", "error", err)
		}
	}()

	srv := a.cfg.Server
	gin.SetMode(srv.Mode)
	opts := causal.RouterOptions{
		ServiceName:  a.cfg.Telemetry.ServiceName,
		MaxBodyBytes: srv.MaxBodyBytes,
		RateLimit:    srv.RateLimit,
		RateBurst:    srv.RateBurst,
		AccessLog:    srv.Mode == gin.DebugMode,
	}
	if a.cfg.Telemetry.MetricExporter == telemetry.ExporterPrometheus {
		opts.MetricsHandler = telemetry.MetricsHandler()
	}
	router := causal.NewRouter(svc, opts)

	server := &http.Server{
		Addr:         srv.Addr,
		Handler:      router,
		ReadTimeout:  srv.ReadTimeout,
		WriteTimeout: srv.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting causal server",
			"address", srv.Addr,
			"version", causal.ServiceVersion,
			"storage_in_memory", a.cfg.Storage.InMemory,
			"worker_mode", a.cfg.Fitter.Worker.Mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down causal server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
