// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"time"

	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
	"github.com/AleutianAI/AleutianCausal/services/causal/telemetry"
)

// DefaultWorkerTimeout bounds one worker run.
const DefaultWorkerTimeout = 60 * time.Second

// WorkerSubcommand is the CLI subcommand that runs ServeWire.
const WorkerSubcommand = "fit-worker"

// SubprocessBackend fits in a separate worker process speaking the wire
// protocol over stdin and stdout.
//
// Description:
//
//	A failure to start the worker is retried exactly once. A worker that
//	exceeds Timeout is killed and reported as *FittingError. Worker stderr
//	is captured and logged at debug level.
//
// Thread Safety:
//
//	Safe for concurrent use; each call launches its own process.
type SubprocessBackend struct {
	// Command is the worker argv. Default: the running executable with
	// the fit-worker subcommand.
	Command []string

	// Env is added to the inherited environment of the worker.
	Env []string

	// Timeout bounds one worker run. Default: DefaultWorkerTimeout.
	Timeout time.Duration

	// Logger receives worker diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// FitDynamic implements Backend.
func (b *SubprocessBackend) FitDynamic(ctx context.Context, g *graph.CausalGraph, t *Traces, opts Options) (*DynamicResult, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	argv, err := b.command()
	if err != nil {
		return nil, &FittingError{Reason: "locating fit worker", Cause: err}
	}
	req, err := json.Marshal(WireRequest{Graph: g, Traces: t, Options: opts})
	if err != nil {
		return nil, &FittingError{Reason: "encoding worker request", Cause: err}
	}

	stdout, err := b.run(ctx, argv, req, logger)
	if err != nil {
		return nil, err
	}

	var resp WireResponse
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return nil, &FittingError{Reason: "invalid worker response", Cause: err}
	}
	if resp.Error != nil && resp.Error.Trace != "" {
		logger.Debug("fit worker error trace", "trace", resp.Error.Trace)
	}
	return resp.result()
}

func (b *SubprocessBackend) command() ([]string, error) {
	if len(b.Command) > 0 {
		return b.Command, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return []string{exe, WorkerSubcommand}, nil
}

// run launches the worker, retrying once if it fails to start.
func (b *SubprocessBackend) run(ctx context.Context, argv []string, req []byte, logger *slog.Logger) ([]byte, error) {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultWorkerTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			workerRetries.Inc()
			logger.Warn("retrying fit worker launch", "error", lastErr)
		}
		out, started, err := b.attempt(ctx, argv, req, timeout, logger)
		if err == nil {
			return out, nil
		}
		if started {
			return nil, err
		}
		lastErr = err
	}
	return nil, &FittingError{Reason: "fit worker failed to start", Cause: lastErr}
}

// attempt runs the worker once.
//
// Outputs:
//
//	[]byte - The worker's stdout.
//	bool - Whether the process started.
//	error - Start, timeout, exit or context error.
func (b *SubprocessBackend) attempt(ctx context.Context, argv []string, req []byte, timeout time.Duration, logger *slog.Logger) ([]byte, bool, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(req)
	if env := slices.Concat(b.Env, telemetry.InjectToEnv(ctx)); len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, false, err
	}
	workerLaunches.Inc()
	err := cmd.Wait()

	if stderr.Len() > 0 {
		logger.Debug("fit worker stderr", "output", stderr.String())
	}
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		workerTimeouts.Inc()
		return nil, true, &FittingError{Reason: fmt.Sprintf("fit worker timed out after %s", timeout)}
	}
	if ctx.Err() != nil {
		return nil, true, ctx.Err()
	}
	if err != nil && stdout.Len() == 0 {
		return nil, true, &FittingError{Reason: "fit worker exited without a response", Cause: err}
	}
	return stdout.Bytes(), true, nil
}
