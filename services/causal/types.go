// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package causal

import (
	"github.com/AleutianAI/AleutianCausal/services/causal/ast"
	"github.com/AleutianAI/AleutianCausal/services/causal/builder"
	"github.com/AleutianAI/AleutianCausal/services/causal/fit"
	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
	"github.com/AleutianAI/AleutianCausal/services/causal/model"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// BuildRequest is the request body for POST /v1/causal/graphs.
type BuildRequest struct {
	// Module is the structural representation of the code. Required.
	Module *ast.Module `json:"module" binding:"required"`

	// CallGraph adds caller → callee edges. Optional.
	CallGraph *ast.CallGraph `json:"call_graph,omitempty"`

	// ControlFlow adds branch information per function. Optional.
	ControlFlow *ast.ControlFlow `json:"control_flow,omitempty"`

	// Recursion overrides the configured recursion policy.
	Recursion string `json:"recursion,omitempty" binding:"omitempty,oneof=collapse reject"`

	// SinkFunctions adds observation sinks for this build.
	SinkFunctions []string `json:"sink_functions,omitempty"`
}

// CreateModelRequest is the request body for POST /v1/causal/models.
//
// The graph is built from the embedded BuildRequest and fitted. With no
// traces, mechanisms are inferred statically.
type CreateModelRequest struct {
	BuildRequest

	// Traces holds one column per node id. Optional.
	Traces *fit.Traces `json:"traces,omitempty"`

	// Fit overrides individual fit options; zero fields keep the
	// configured values.
	Fit *fit.Options `json:"fit,omitempty"`
}

// ImpactRequest is the request body for POST /v1/causal/models/:id/impact.
type ImpactRequest struct {
	// Interventions maps node ids or aliases to forced values (numbers
	// or booleans). Required.
	Interventions map[string]any `json:"interventions" binding:"required,min=1"`

	// NumSamples overrides the configured samples per arm.
	NumSamples int `json:"num_samples,omitempty"`

	// Seed overrides the configured seed.
	Seed *uint64 `json:"seed,omitempty"`

	// BootstrapResamples overrides the configured resample count.
	BootstrapResamples int `json:"bootstrap_resamples,omitempty"`

	// Observe lists extra nodes to report.
	Observe []string `json:"observe,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// BuildResponse is the response for POST /v1/causal/graphs.
type BuildResponse struct {
	Graph    *graph.CausalGraph `json:"graph"`
	Warnings []string           `json:"warnings,omitempty"`
	Stats    builder.BuildStats `json:"stats"`
}

// ModelResponse describes a stored model.
type ModelResponse struct {
	Summary  model.Summary  `json:"summary"`
	Metadata model.Metadata `json:"metadata"`

	// BuildWarnings are the builder warnings when the model was just
	// created. Empty on GET.
	BuildWarnings []string `json:"build_warnings,omitempty"`
}

// ListModelsResponse is the response for GET /v1/causal/models.
type ListModelsResponse struct {
	Models []model.Summary `json:"models"`
}

// HealthResponse is the response for GET /v1/causal/health.
type HealthResponse struct {
	// Status is "healthy".
	Status string `json:"status"`

	// Version is the service version.
	Version string `json:"version"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code"`

	// RequestID echoes X-Request-ID.
	RequestID string `json:"request_id,omitempty"`
}
