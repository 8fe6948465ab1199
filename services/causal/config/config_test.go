// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCausal/pkg/logging"
	"github.com/AleutianAI/AleutianCausal/services/causal/fit"
	"github.com/AleutianAI/AleutianCausal/services/causal/mechanism"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "causal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "collapse", cfg.Builder.Recursion)
	assert.Equal(t, 10000, cfg.Builder.MaxNodes)
	assert.Equal(t, "good", cfg.Fitter.Quality)
	assert.Equal(t, 0.7, cfg.Fitter.R2Threshold)
	assert.Equal(t, uint64(42), cfg.Fitter.Seed)
	assert.Equal(t, WorkerInProcess, cfg.Fitter.Worker.Mode)
	assert.Equal(t, 60*time.Second, cfg.Fitter.Worker.Timeout)
	assert.Equal(t, 1000, cfg.Intervention.NumSamples)
	assert.Equal(t, 100, cfg.Intervention.BootstrapResamples)
	assert.Equal(t, ":12230", cfg.Server.Addr)
	assert.Equal(t, "prometheus", cfg.Telemetry.MetricExporter)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestDefaultsMatchComponentDefaults(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	want := fit.DefaultOptions()
	got := cfg.FitOptions()
	assert.Equal(t, want.R2Threshold, got.R2Threshold)
	assert.Equal(t, want.TrainFraction, got.TrainFraction)
	assert.Equal(t, want.Seed, got.Seed)
	assert.Equal(t, want.MinRows, got.MinRows)
	assert.Equal(t, fit.DefaultWorkerTimeout, cfg.Fitter.Worker.Timeout)
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := writeConfig(t, `
fitter:
  quality: fast
  families: [linear, additive]
  worker:
    mode: subprocess
    timeout: 5s
intervention:
  num_samples: 200
storage:
  in_memory: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "fast", cfg.Fitter.Quality)
	assert.Equal(t, 0.7, cfg.Fitter.R2Threshold, "omitted keys keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Fitter.Worker.Timeout)
	assert.Equal(t, 200, cfg.Intervention.NumSamples)
	assert.Equal(t, 100, cfg.Intervention.BootstrapResamples)
	assert.True(t, cfg.Storage.InMemory)

	opts := cfg.FitOptions()
	assert.Equal(t, fit.QualityFast, opts.Quality)
	assert.Equal(t, []mechanism.Type{mechanism.TypeLinear, mechanism.TypeAdditive}, opts.Families)
	require.NoError(t, opts.Validate())

	backend, ok := cfg.FitBackend(nil).(*fit.SubprocessBackend)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, backend.Timeout)
}

func TestLoad_FromEnv(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9999\"\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoad_NoPathNoEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":12230", cfg.Server.Addr)
}

func TestLoad_CommentOnlyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, "# nothing here\n"))
	require.NoError(t, err)
	assert.Equal(t, "good", cfg.Fitter.Quality)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		invalid bool
	}{
		{"unknown key", "fitter:\n  qualty: fast\n", false},
		{"bad yaml", "fitter: [\n", false},
		{"bad quality", "fitter:\n  quality: best\n", true},
		{"threshold above one", "fitter:\n  r2_threshold: 1.5\n", true},
		{"bad family", "fitter:\n  families: [spline]\n", true},
		{"bad recursion", "builder:\n  recursion: unroll\n", true},
		{"too many samples", "intervention:\n  num_samples: 2000000\n", true},
		{"otlp without endpoint", "telemetry:\n  trace_exporter: otlp\n  otlp_endpoint: \"\"\n", true},
		{"no storage path", "storage:\n  path: \"\"\n", true},
		{"bad worker mode", "fitter:\n  worker:\n    mode: remote\n", true},
		{"zero worker timeout", "fitter:\n  worker:\n    timeout: 0s\n", true},
		{"bad log level", "logging:\n  level: trace\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			if tt.invalid {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NotErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_TooLarge(t *testing.T) {
	body := "# " + strings.Repeat("x", MaxYAMLFileSize) + "\n"
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestConverters(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Len(t, cfg.BuilderOptions(nil), 4)
	assert.IsType(t, fit.InProcessBackend{}, cfg.FitBackend(nil))
	assert.Len(t, cfg.FitterOptions(nil), 2)
	assert.Len(t, cfg.EngineOptions(nil), 2)

	q := cfg.QueryOptions()
	assert.Equal(t, 1000, q.NumSamples)
	assert.Equal(t, uint64(1), q.Seed)

	sc := cfg.StorageConfig(nil)
	assert.False(t, sc.InMemory)
	assert.True(t, filepath.IsAbs(sc.Path) || !strings.HasPrefix(sc.Path, "~"))

	cfg.Storage.InMemory = true
	assert.True(t, cfg.StorageConfig(nil).InMemory)

	tc := cfg.TelemetryConfig()
	assert.Equal(t, "aleutian-causal", tc.ServiceName)
	assert.Equal(t, "none", tc.TraceExporter)

	lc := cfg.LoggingConfig("causal-server")
	assert.Equal(t, logging.LevelInfo, lc.Level)
	assert.Equal(t, "causal-server", lc.Service)
}
