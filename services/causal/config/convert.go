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
	"log/slog"

	"github.com/AleutianAI/AleutianCausal/pkg/logging"
	"github.com/AleutianAI/AleutianCausal/services/causal/builder"
	"github.com/AleutianAI/AleutianCausal/services/causal/fit"
	"github.com/AleutianAI/AleutianCausal/services/causal/intervention"
	"github.com/AleutianAI/AleutianCausal/services/causal/mechanism"
	"github.com/AleutianAI/AleutianCausal/services/causal/storage/badger"
	"github.com/AleutianAI/AleutianCausal/services/causal/telemetry"
)

// Worker modes.
const (
	WorkerInProcess  = "inprocess"
	WorkerSubprocess = "subprocess"
)

// BuilderOptions returns the builder options for this configuration.
func (c *Config) BuilderOptions(logger *slog.Logger) []builder.BuilderOption {
	return []builder.BuilderOption{
		builder.WithRecursionPolicy(builder.RecursionPolicy(c.Builder.Recursion)),
		builder.WithSinkFunctions(c.Builder.SinkFunctions...),
		builder.WithMaxNodes(c.Builder.MaxNodes),
		builder.WithLogger(logger),
	}
}

// FitOptions returns the per-call fit options.
func (c *Config) FitOptions() fit.Options {
	f := c.Fitter
	opts := fit.Options{
		Quality:       fit.Quality(f.Quality),
		R2Threshold:   fit.Threshold(f.R2Threshold),
		TrainFraction: f.TrainFraction,
		Seed:          f.Seed,
		MinRows:       f.MinRows,
		Workers:       f.Workers,
	}
	for _, fam := range f.Families {
		opts.Families = append(opts.Families, mechanism.Type(fam))
	}
	return opts
}

// FitBackend returns the backend selected by fitter.worker.mode.
func (c *Config) FitBackend(logger *slog.Logger) fit.Backend {
	if c.Fitter.Worker.Mode != WorkerSubprocess {
		return fit.InProcessBackend{}
	}
	return &fit.SubprocessBackend{
		Command: c.Fitter.Worker.Command,
		Timeout: c.Fitter.Worker.Timeout,
		Logger:  logger,
	}
}

// FitterOptions returns the fitter construction options.
func (c *Config) FitterOptions(logger *slog.Logger) []fit.FitterOption {
	return []fit.FitterOption{
		fit.WithBackend(c.FitBackend(logger)),
		fit.WithLogger(logger),
	}
}

// QueryOptions returns the default intervention query options.
func (c *Config) QueryOptions() intervention.QueryOptions {
	return intervention.QueryOptions{
		NumSamples:         c.Intervention.NumSamples,
		Seed:               c.Intervention.Seed,
		BootstrapResamples: c.Intervention.BootstrapResamples,
	}
}

// EngineOptions returns the intervention engine construction options.
func (c *Config) EngineOptions(logger *slog.Logger) []intervention.EngineOption {
	return []intervention.EngineOption{
		intervention.WithDefaults(c.QueryOptions()),
		intervention.WithLogger(logger),
	}
}

// StorageConfig returns the Badger configuration for the model store.
func (c *Config) StorageConfig(logger *slog.Logger) badger.Config {
	if c.Storage.InMemory {
		cfg := badger.InMemoryConfig()
		cfg.Logger = logger
		return cfg
	}
	cfg := badger.DefaultConfig(ExpandPath(c.Storage.Path))
	cfg.Logger = logger
	return cfg
}

// TelemetryConfig returns the telemetry bootstrap configuration.
func (c *Config) TelemetryConfig() telemetry.Config {
	t := c.Telemetry
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = t.ServiceName
	cfg.TraceExporter = t.TraceExporter
	cfg.MetricExporter = t.MetricExporter
	cfg.OTLPEndpoint = t.OTLPEndpoint
	cfg.OTLPInsecure = t.OTLPInsecure
	cfg.SampleRate = t.SampleRate
	return cfg
}

// LoggingConfig returns the logger configuration for service.
func (c *Config) LoggingConfig(service string) logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{
		Level:   level,
		JSON:    c.Logging.JSON,
		LogDir:  c.Logging.Dir,
		Service: service,
		Quiet:   c.Logging.Quiet,
	}
}
