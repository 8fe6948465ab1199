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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCausal/services/causal"
	"github.com/AleutianAI/AleutianCausal/services/causal/fit"
	"github.com/AleutianAI/AleutianCausal/services/causal/model"
	"github.com/AleutianAI/AleutianCausal/services/causal/storage/badger"
)

func addBuildFlags(cmd *cobra.Command, in *buildInput) {
	cmd.Flags().StringSliceVarP(&in.modules, "module", "m", nil,
		"Module JSON file (repeat to merge several compilation units)")
	cmd.Flags().StringVar(&in.callGraph, "call-graph", "", "Call graph JSON file")
	cmd.Flags().StringVar(&in.controlFlow, "control-flow", "", "Control flow JSON file")
	cmd.Flags().StringVar(&in.recursion, "recursion", "", "Override builder.recursion (collapse, reject)")
	cmd.Flags().StringSliceVar(&in.sinks, "sink", nil, "Extra sink function names")
	_ = cmd.MarkFlagRequired("module")
}

// =============================================================================
// BUILD
// =============================================================================

func newBuildCmd(a *app) *cobra.Command {
	var in buildInput
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a causal graph and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := in.request()
			if err != nil {
				return err
			}
			svc, err := a.newService(noStore{})
			if err != nil {
				return err
			}
			result, err := svc.BuildGraph(cmd.Context(), req)
			if err != nil {
				return err
			}
			for _, w := range result.Warnings {
				a.slog().Warn("Build warning", "warning", w)
			}
			return writeJSON(cmd.OutOrStdout(), causal.BuildResponse{
				Graph:    result.Graph,
				Warnings: result.Warnings,
				Stats:    result.Stats,
			})
		},
	}
	addBuildFlags(cmd, &in)
	return cmd
}

// noStore is the ModelStore for commands that never persist.
type noStore struct{}

var errNoStore = errors.New("no model store configured")

func (noStore) Put(context.Context, *model.FittedCausalModel) error { return errNoStore }

func (noStore) Get(context.Context, string) (*model.FittedCausalModel, error) {
	return nil, errNoStore
}

func (noStore) Delete(context.Context, string) error { return errNoStore }

func (noStore) List(context.Context) ([]model.Summary, error) { return nil, errNoStore }

// =============================================================================
// FIT
// =============================================================================

func newFitCmd(a *app) *cobra.Command {
	var (
		in      buildInput
		traces  string
		static  bool
		quality string
		out     string
	)
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Build a graph, fit mechanisms and store the model",
		Long: `Builds a causal graph from the module files and fits one mechanism per
node. With --traces the mechanisms are learned from the data and validated
on a held-out split; without traces they are inferred from the code.

The model is stored in the configured model store. With --out it is also
written to a file that "causal impact --model-file" can read.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			buildReq, err := in.request()
			if err != nil {
				return err
			}
			req := &causal.CreateModelRequest{BuildRequest: *buildReq}
			if traces != "" {
				if req.Traces, err = readTraces(traces); err != nil {
					return err
				}
			}
			if static || quality != "" {
				req.Fit = &fit.Options{StaticOnly: static, Quality: fit.Quality(quality)}
			}

			svc, closeStore, err := a.openService()
			if err != nil {
				return err
			}
			defer closeStore()

			m, warnings, err := svc.CreateModel(cmd.Context(), req)
			if err != nil {
				return err
			}
			if out != "" {
				data, err := model.Marshal(m)
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return fmt.Errorf("writing model: %w", err)
				}
			}
			return writeJSON(cmd.OutOrStdout(), causal.ModelResponse{
				Summary:       m.Summarize(),
				Metadata:      m.Metadata,
				BuildWarnings: warnings,
			})
		},
	}
	addBuildFlags(cmd, &in)
	cmd.Flags().StringVarP(&traces, "traces", "t", "", "Trace file (CSV with node-id header, or JSON {columns, rows})")
	cmd.Flags().BoolVar(&static, "static", false, "Infer mechanisms from code even when traces are given")
	cmd.Flags().StringVar(&quality, "quality", "", "Override fitter.quality (fast, good, better)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Also write the model to this file")
	return cmd
}

// =============================================================================
// IMPACT
// =============================================================================

func newImpactCmd(a *app) *cobra.Command {
	var (
		modelFile string
		sets      []string
		samples   int
		seed      uint64
		bootstrap int
		observe   []string
	)
	cmd := &cobra.Command{
		Use:   "impact [model-id]",
		Short: "Estimate the effect of forcing nodes to fixed values",
		Example: `  causal impact 3f2a... --set var:rate=2
  causal impact --model-file model.json --set var:enabled=false --observe ret:main`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			if len(values) == 0 {
				return errors.New("at least one --set node=value is required")
			}
			req := &causal.ImpactRequest{
				Interventions:      values,
				NumSamples:         samples,
				BootstrapResamples: bootstrap,
				Observe:            observe,
			}
			if cmd.Flags().Changed("seed") {
				req.Seed = &seed
			}

			svc, id, closeStore, err := a.impactTarget(args, modelFile)
			if err != nil {
				return err
			}
			defer closeStore()

			est, err := svc.EstimateImpact(cmd.Context(), id, req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), est)
		},
	}
	cmd.Flags().StringVarP(&modelFile, "model-file", "f", "", "Read the model from a file instead of the store")
	cmd.Flags().StringArrayVarP(&sets, "set", "s", nil, "Intervention node=value (repeatable)")
	cmd.Flags().IntVarP(&samples, "samples", "n", 0, "Override intervention.num_samples")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Override intervention.seed")
	cmd.Flags().IntVar(&bootstrap, "bootstrap", 0, "Override intervention.bootstrap_resamples")
	cmd.Flags().StringSliceVar(&observe, "observe", nil, "Extra nodes to report")
	return cmd
}

// impactTarget resolves the model to query: a stored id, or a model file
// loaded into a private in-memory store.
func (a *app) impactTarget(args []string, modelFile string) (*causal.Service, string, func() error, error) {
	switch {
	case modelFile != "" && len(args) > 0:
		return nil, "", nil, errors.New("give either a model id or --model-file, not both")
	case modelFile != "":
		data, err := readFile(modelFile)
		if err != nil {
			return nil, "", nil, err
		}
		m, err := model.Unmarshal(data)
		if err != nil {
			return nil, "", nil, err
		}
		store, err := badger.OpenModelStore(badger.InMemoryConfig())
		if err != nil {
			return nil, "", nil, err
		}
		if err := store.Put(context.Background(), m); err != nil {
			_ = store.Close()
			return nil, "", nil, err
		}
		svc, err := a.newService(store)
		if err != nil {
			_ = store.Close()
			return nil, "", nil, err
		}
		return svc, m.ID, store.Close, nil
	case len(args) == 1:
		svc, closeStore, err := a.openService()
		if err != nil {
			return nil, "", nil, err
		}
		return svc, args[0], closeStore, nil
	default:
		return nil, "", nil, errors.New("a model id or --model-file is required")
	}
}
