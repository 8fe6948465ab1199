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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianCausal/services/causal"
	"github.com/AleutianAI/AleutianCausal/services/causal/ast"
	"github.com/AleutianAI/AleutianCausal/services/causal/fit"
	"github.com/AleutianAI/AleutianCausal/services/causal/intervention"
	"github.com/AleutianAI/AleutianCausal/services/causal/storage/badger"
)

// maxInputFileSize caps module, call graph and trace files.
const maxInputFileSize = 256 * 1024 * 1024

// openService opens the configured model store and wraps it in a Service.
// The returned close function releases the store.
func (a *app) openService() (*causal.Service, func() error, error) {
	store, err := badger.OpenModelStore(a.cfg.StorageConfig(a.slog()))
	if err != nil {
		return nil, nil, fmt.Errorf("opening model store: %w", err)
	}
	svc, err := a.newService(store)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return svc, store.Close, nil
}

// newService creates a Service over store using the loaded configuration.
func (a *app) newService(store causal.ModelStore) (*causal.Service, error) {
	logger := a.slog()
	return causal.NewService(store,
		causal.WithBuilderOptions(a.cfg.BuilderOptions(logger)...),
		causal.WithFitDefaults(a.cfg.FitOptions()),
		causal.WithFitter(fit.NewFitter(a.cfg.FitterOptions(logger)...)),
		causal.WithEngine(intervention.NewEngine(a.cfg.EngineOptions(logger)...)),
		causal.WithCacheSize(a.cfg.Storage.CacheSize),
		causal.WithLogger(logger),
	)
}

// buildInput holds the structural input flags shared by build and fit.
type buildInput struct {
	modules     []string
	callGraph   string
	controlFlow string
	recursion   string
	sinks       []string
}

// request reads the input files into a BuildRequest. Several module files
// are merged into one compilation unit.
func (in *buildInput) request() (*causal.BuildRequest, error) {
	if len(in.modules) == 0 {
		return nil, errors.New("at least one --module file is required")
	}
	mods := make([]*ast.Module, 0, len(in.modules))
	for _, path := range in.modules {
		var m ast.Module
		if err := readJSONFile(path, &m); err != nil {
			return nil, err
		}
		mods = append(mods, &m)
	}
	module := mods[0]
	if len(mods) > 1 {
		merged, err := ast.Merge(mods...)
		if err != nil {
			return nil, err
		}
		module = merged
	}

	req := &causal.BuildRequest{
		Module:        module,
		Recursion:     in.recursion,
		SinkFunctions: in.sinks,
	}
	if in.callGraph != "" {
		req.CallGraph = &ast.CallGraph{}
		if err := readJSONFile(in.callGraph, req.CallGraph); err != nil {
			return nil, err
		}
	}
	if in.controlFlow != "" {
		req.ControlFlow = &ast.ControlFlow{}
		if err := readJSONFile(in.controlFlow, req.ControlFlow); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// readTraces reads a CSV file, or a JSON {columns, rows} file when the
// extension is .json.
func readTraces(path string) (*fit.Traces, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var t fit.Traces
		if err := readJSONFile(path, &t); err != nil {
			return nil, err
		}
		return &t, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening traces: %w", err)
	}
	defer f.Close()
	return fit.ReadCSV(io.LimitReader(f, maxInputFileSize))
}

// readFile reads a whole input file, rejecting oversized ones.
func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxInputFileSize {
		return nil, fmt.Errorf("%s too large: %d bytes (max %d)", path, info.Size(), maxInputFileSize)
	}
	return os.ReadFile(path)
}

func readJSONFile(path string, v any) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseAssignments parses repeated --set flags of the form node=value.
// Values are numbers or true/false.
func parseAssignments(sets []string) (map[string]any, error) {
	out := make(map[string]any, len(sets))
	for _, s := range sets {
		key, raw, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		raw = strings.TrimSpace(raw)
		if !ok || key == "" || raw == "" {
			return nil, fmt.Errorf("invalid --set %q: expected node=value", s)
		}
		switch raw {
		case "true":
			out[key] = true
			continue
		case "false":
			out[key] = false
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --set %q: value must be a number or true/false", s)
		}
		out[key] = f
	}
	return out, nil
}
