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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCausal/services/causal/fit"
	"github.com/AleutianAI/AleutianCausal/services/causal/telemetry"
)

// newWorkerCmd is the out-of-process fitting worker launched by
// fit.SubprocessBackend. stdout carries exactly one JSON response; logs
// and trace exports go to stderr.
func newWorkerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:    fit.WorkerSubcommand,
		Short:  "Fit mechanisms for one request read from stdin",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tc := a.cfg.TelemetryConfig()
			tc.MetricExporter = telemetry.ExporterNone
			tc.ConsoleWriter = cmd.ErrOrStderr()
			shutdown, err := telemetry.Init(cmd.Context(), tc)
			if err != nil {
				a.slog().Warn("Worker telemetry disabled", "error", err)
				shutdown = func(context.Context) error { return nil }
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = shutdown(sctx)
			}()

			ctx := telemetry.ExtractFromEnv(cmd.Context(), os.Environ())
			return fit.ServeWire(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), a.slog())
		},
	}
}
