// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the fitted causal model: a frozen graph, one
// mechanism per node, and fit metadata. It is the unit of persistence.
package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
	"github.com/AleutianAI/AleutianCausal/services/causal/mechanism"
)

// Sentinel errors for fitted models.
var (
	// ErrInvalidModel indicates a model whose parts do not agree.
	ErrInvalidModel = errors.New("invalid causal model")

	// ErrModelNotFound is returned by model stores for unknown ids.
	ErrModelNotFound = errors.New("model not found")
)

// Status is the outcome of fitting.
type Status string

const (
	// StatusSuccess means dynamic fitting met the quality threshold.
	StatusSuccess Status = "success"

	// StatusValidationFailed means mean validation R² fell below threshold.
	// The model is still usable.
	StatusValidationFailed Status = "validation_failed"

	// StatusWarning means fitting met the threshold but with caveats
	// (dropped rows, family fallbacks).
	StatusWarning Status = "warning"

	// StatusNotValidated means a static model with no data to validate against.
	StatusNotValidated Status = "not_validated"
)

// MissingPolicyDropRows is the only missing-value policy: rows with a NaN
// in any graph column are discarded before fitting.
const MissingPolicyDropRows = "drop_rows"

// Metadata describes how a model was fit.
type Metadata struct {
	// Status is the fit outcome.
	Status Status `json:"status"`

	// StaticOnly is true when mechanisms were inferred from code alone.
	StaticOnly bool `json:"static_only"`

	// Quality is the quality preset used.
	Quality string `json:"quality,omitempty"`

	// TraceCount is the number of rows used after dropping.
	TraceCount int `json:"trace_count"`

	// DroppedRows is the number of rows discarded for missing values.
	DroppedRows int `json:"dropped_rows"`

	// MissingPolicy is the missing-value policy applied.
	MissingPolicy string `json:"missing_policy,omitempty"`

	// NodeR2 is the validation R² per fitted non-root node.
	NodeR2 map[string]float64 `json:"node_r2,omitempty"`

	// MeanR2 is the mean of NodeR2. Zero for static models, 1 for a dynamic
	// fit with no non-root nodes.
	MeanR2 float64 `json:"mean_r2"`

	// R2Threshold is the quality threshold MeanR2 was compared against.
	R2Threshold float64 `json:"r2_threshold"`

	// Families records the selected family per node.
	Families map[string]mechanism.Type `json:"families,omitempty"`

	// DefaultedNodes lists static nodes whose definition could not be
	// inferred and received unit coefficients.
	DefaultedNodes []string `json:"defaulted_nodes,omitempty"`

	// Warnings are human-readable caveats.
	Warnings []string `json:"warnings,omitempty"`

	// Seed is the seed used for the train/validation split.
	Seed uint64 `json:"seed"`

	// FittedAtMilli is the Unix timestamp in milliseconds of the fit.
	FittedAtMilli int64 `json:"fitted_at_milli"`

	// DurationMilli is how long fitting took.
	DurationMilli int64 `json:"duration_milli"`
}

// FittedCausalModel is a causal graph with a mechanism for every node.
//
// Thread Safety:
//
//	Immutable after construction. Safe for concurrent use.
type FittedCausalModel struct {
	ID         string
	Graph      *graph.CausalGraph
	Mechanisms map[string]mechanism.Mechanism
	Metadata   Metadata
}

// Validate checks that every node has a mechanism whose parents match the
// graph's canonical parent order and whose domain matches the node.
func (m *FittedCausalModel) Validate() error {
	if m.Graph == nil {
		return fmt.Errorf("%w: missing graph", ErrInvalidModel)
	}
	for _, n := range m.Graph.Nodes() {
		mech, ok := m.Mechanisms[n.ID]
		if !ok || mech == nil {
			return fmt.Errorf("%w: no mechanism for node %s", ErrInvalidModel, n.ID)
		}
		want := m.Graph.Parents(n.ID)
		got := mech.Parents()
		if len(want) != len(got) {
			return fmt.Errorf("%w: node %s mechanism has %d parents, graph has %d",
				ErrInvalidModel, n.ID, len(got), len(want))
		}
		for i := range want {
			if want[i] != got[i] {
				return fmt.Errorf("%w: node %s parent %d is %s, graph has %s",
					ErrInvalidModel, n.ID, i, got[i], want[i])
			}
		}
		if mech.Domain() != n.Domain {
			return fmt.Errorf("%w: node %s mechanism domain %s, node domain %s",
				ErrInvalidModel, n.ID, mech.Domain(), n.Domain)
		}
	}
	if len(m.Mechanisms) != m.Graph.NodeCount() {
		return fmt.Errorf("%w: %d mechanisms for %d nodes", ErrInvalidModel, len(m.Mechanisms), m.Graph.NodeCount())
	}
	return nil
}

// document is the serialized form.
type document struct {
	ID         string                        `json:"id"`
	Graph      *graph.CausalGraph            `json:"graph"`
	Mechanisms map[string]mechanism.Envelope `json:"mechanisms"`
	Metadata   Metadata                      `json:"metadata"`
}

// Marshal serializes a model to JSON.
//
// Description:
//
//	Produces {"id", "graph": <node-link>, "mechanisms": {id: {type, params}},
//	"metadata"}. Floats use the shortest representation that round-trips,
//	so Unmarshal(Marshal(m)) behaves identically to m.
func Marshal(m *FittedCausalModel) ([]byte, error) {
	if m == nil || m.Graph == nil {
		return nil, fmt.Errorf("%w: nothing to marshal", ErrInvalidModel)
	}
	envs, err := mechanism.EncodeAll(m.Mechanisms)
	if err != nil {
		return nil, fmt.Errorf("marshal model %s: %w", m.ID, err)
	}
	return json.Marshal(document{
		ID:         m.ID,
		Graph:      m.Graph,
		Mechanisms: envs,
		Metadata:   m.Metadata,
	})
}

// Unmarshal restores a model serialized by Marshal and validates it.
func Unmarshal(data []byte) (*FittedCausalModel, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal model: %w", err)
	}
	if doc.Graph == nil {
		return nil, fmt.Errorf("%w: document has no graph", ErrInvalidModel)
	}
	mechs, err := mechanism.DecodeAll(doc.Mechanisms)
	if err != nil {
		return nil, fmt.Errorf("unmarshal model %s: %w", doc.ID, err)
	}
	m := &FittedCausalModel{
		ID:         doc.ID,
		Graph:      doc.Graph,
		Mechanisms: mechs,
		Metadata:   doc.Metadata,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Summary is a compact description for listings and API responses.
type Summary struct {
	ID            string  `json:"id"`
	Status        Status  `json:"status"`
	StaticOnly    bool    `json:"static_only"`
	NodeCount     int     `json:"node_count"`
	EdgeCount     int     `json:"edge_count"`
	MeanR2        float64 `json:"mean_r2"`
	FittedAtMilli int64   `json:"fitted_at_milli"`
}

// Summarize returns a Summary of the model.
func (m *FittedCausalModel) Summarize() Summary {
	return Summary{
		ID:            m.ID,
		Status:        m.Metadata.Status,
		StaticOnly:    m.Metadata.StaticOnly,
		NodeCount:     m.Graph.NodeCount(),
		EdgeCount:     m.Graph.EdgeCount(),
		MeanR2:        m.Metadata.MeanR2,
		FittedAtMilli: m.Metadata.FittedAtMilli,
	}
}
