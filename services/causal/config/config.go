// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the causal service configuration.
//
// Defaults are embedded (defaults.yaml). A YAML file named explicitly or
// by the CAUSAL_CONFIG environment variable is layered on top: keys it
// sets replace the defaults, keys it omits keep them. The merged result
// is validated before use, and converters turn each section into the
// options of the component it configures.
//
// Thread Safety:
//
//	Config values are plain data; Load is safe for concurrent use.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// EnvConfigPath names a YAML file to load when Load gets no path.
	EnvConfigPath = "CAUSAL_CONFIG"

	// MaxYAMLFileSize bounds configuration files.
	MaxYAMLFileSize = 1024 * 1024
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// =============================================================================
// Types
// =============================================================================

// Config is the root configuration document.
type Config struct {
	Builder      BuilderConfig      `yaml:"builder"`
	Fitter       FitterConfig       `yaml:"fitter"`
	Intervention InterventionConfig `yaml:"intervention"`
	Storage      StorageConfig      `yaml:"storage"`
	Server       ServerConfig       `yaml:"server"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// BuilderConfig configures graph construction.
type BuilderConfig struct {
	Recursion     string   `yaml:"recursion" validate:"oneof=collapse reject"`
	SinkFunctions []string `yaml:"sink_functions" validate:"dive,required"`
	MaxNodes      int      `yaml:"max_nodes" validate:"gte=1"`
}

// FitterConfig configures mechanism fitting.
type FitterConfig struct {
	Quality       string       `yaml:"quality" validate:"oneof=fast good better"`
	R2Threshold   float64      `yaml:"r2_threshold" validate:"gte=0,lte=1"`
	TrainFraction float64      `yaml:"train_fraction" validate:"gt=0,lt=1"`
	Seed          uint64       `yaml:"seed"`
	MinRows       int          `yaml:"min_rows" validate:"gte=2"`
	Workers       int          `yaml:"workers" validate:"gte=0"`
	Families      []string     `yaml:"families" validate:"dive,oneof=linear empirical additive"`
	Worker        WorkerConfig `yaml:"worker"`
}

// WorkerConfig selects where dynamic fitting runs.
type WorkerConfig struct {
	// Mode is "inprocess" or "subprocess".
	Mode string `yaml:"mode" validate:"oneof=inprocess subprocess"`

	// Command overrides the worker argv. Empty runs this executable's
	// fit-worker subcommand.
	Command []string `yaml:"command"`

	// Timeout bounds one worker run.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// InterventionConfig sets the default query options.
type InterventionConfig struct {
	NumSamples         int    `yaml:"num_samples" validate:"gte=2,lte=1000000"`
	BootstrapResamples int    `yaml:"bootstrap_resamples" validate:"gte=1"`
	Seed               uint64 `yaml:"seed"`
}

// StorageConfig configures the fitted-model store.
type StorageConfig struct {
	// Path is the Badger directory. Supports ~ expansion.
	Path string `yaml:"path" validate:"required_without=InMemory"`

	// InMemory keeps models in memory only.
	InMemory bool `yaml:"in_memory"`

	// CacheSize bounds the decoded-model cache in front of the store.
	CacheSize int `yaml:"cache_size" validate:"gte=1"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr         string        `yaml:"addr" validate:"required"`
	Mode         string        `yaml:"mode" validate:"oneof=debug release test"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" validate:"gt=0"`

	// RateLimit caps fit and impact requests per second. Zero disables it.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`

	// RateBurst is the limiter bucket size. Zero means twice RateLimit.
	RateBurst int `yaml:"rate_burst" validate:"gte=0"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" validate:"required"`
	TraceExporter  string  `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure   bool    `yaml:"otlp_insecure"`
	SampleRate     float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
	MetricExporter string  `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
	Quiet bool   `yaml:"quiet"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the embedded defaults.
func Default() (*Config, error) {
	return Parse(nil)
}

// Load returns the defaults overlaid with the file at path.
//
// Description:
//
//	An empty path falls back to $CAUSAL_CONFIG; if that is unset too the
//	embedded defaults are returned unchanged.
//
// Inputs:
//
//	path - YAML file path, or "".
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - File, YAML or validation error (validation wraps ErrInvalidConfig).
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return Default()
	}
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse overlays YAML data on the embedded defaults and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := decodeStrict(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := decodeStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// decodeStrict decodes data over cfg, rejecting unknown keys.
func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	abs, err := filepath.Abs(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxYAMLFileSize)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return data, nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
