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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"

	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
	"github.com/AleutianAI/AleutianCausal/services/causal/mechanism"
	"github.com/AleutianAI/AleutianCausal/services/causal/model"
)

// WireStatus is the response discriminator of the worker protocol.
type WireStatus string

const (
	WireSuccess          WireStatus = "success"
	WireValidationFailed WireStatus = "validation_failed"
	WireWarning          WireStatus = "warning"
	WireFailed           WireStatus = "error"
)

// Error kinds carried in WireError.Kind.
const (
	wireKindData    = "data"
	wireKindFitting = "fitting"
)

// WireRequest is written to the worker's stdin.
type WireRequest struct {
	Graph   *graph.CausalGraph `json:"graph"`
	Traces  *Traces            `json:"traces"`
	Options Options            `json:"options"`
}

// WireValidation carries validation scores.
type WireValidation struct {
	MeanR2    float64            `json:"mean_r2"`
	PerNodeR2 map[string]float64 `json:"per_node_r2"`
}

// WireMetadata carries data-handling details.
type WireMetadata struct {
	TraceCount  int      `json:"trace_count"`
	DroppedRows int      `json:"dropped_rows"`
	Warnings    []string `json:"warnings,omitempty"`
}

// WireError describes a failed fit.
type WireError struct {
	Message string   `json:"message"`
	Trace   string   `json:"trace,omitempty"`
	Kind    string   `json:"kind,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Missing []string `json:"missing,omitempty"`
	NodeID  string   `json:"node_id,omitempty"`
}

// WireResponse is read from the worker's stdout.
type WireResponse struct {
	Status     WireStatus                    `json:"status"`
	Mechanisms map[string]mechanism.Envelope `json:"mechanisms,omitempty"`
	Validation WireValidation                `json:"validation"`
	Families   map[string]mechanism.Type     `json:"families,omitempty"`
	Metadata   WireMetadata                  `json:"metadata"`
	Error      *WireError                    `json:"error,omitempty"`
}

// newWireResponse converts a dynamic result into a response.
func newWireResponse(res *DynamicResult, threshold float64) (*WireResponse, error) {
	envs, err := mechanism.EncodeAll(res.Mechanisms)
	if err != nil {
		return nil, err
	}
	status := WireSuccess
	switch dynamicStatus(res, threshold) {
	case model.StatusValidationFailed:
		status = WireValidationFailed
	case model.StatusWarning:
		status = WireWarning
	}
	return &WireResponse{
		Status:     status,
		Mechanisms: envs,
		Validation: WireValidation{MeanR2: res.MeanR2(), PerNodeR2: res.NodeR2},
		Families:   res.Families,
		Metadata: WireMetadata{
			TraceCount:  res.TraceCount,
			DroppedRows: res.DroppedRows,
			Warnings:    res.Warnings,
		},
	}, nil
}

// errorResponse converts a fit error into a response.
func errorResponse(err error, trace string) *WireResponse {
	we := &WireError{Message: err.Error(), Trace: trace, Kind: wireKindFitting, Reason: err.Error()}
	var dataErr *DataError
	var fitErr *FittingError
	switch {
	case errors.As(err, &dataErr):
		we.Kind = wireKindData
		we.Missing = dataErr.Missing
		we.Reason = dataErr.Reason
	case errors.As(err, &fitErr):
		we.NodeID = fitErr.NodeID
		we.Reason = fitErr.Reason
		if fitErr.Cause != nil {
			we.Reason += ": " + fitErr.Cause.Error()
		}
	}
	return &WireResponse{Status: WireFailed, Error: we}
}

// result converts a response back into a dynamic result or typed error.
func (r *WireResponse) result() (*DynamicResult, error) {
	if r.Status == WireFailed {
		if r.Error == nil {
			return nil, &FittingError{Reason: "worker reported an error without details"}
		}
		if r.Error.Kind == wireKindData {
			return nil, &DataError{Missing: r.Error.Missing, Reason: r.Error.Reason}
		}
		return nil, &FittingError{NodeID: r.Error.NodeID, Reason: r.Error.Reason}
	}
	switch r.Status {
	case WireSuccess, WireValidationFailed, WireWarning:
	default:
		return nil, &FittingError{Reason: fmt.Sprintf("unknown worker status %q", r.Status)}
	}
	mechs, err := mechanism.DecodeAll(r.Mechanisms)
	if err != nil {
		return nil, &FittingError{Reason: "decoding worker mechanisms", Cause: err}
	}
	return &DynamicResult{
		Mechanisms:  mechs,
		NodeR2:      r.Validation.PerNodeR2,
		Families:    r.Families,
		TraceCount:  r.Metadata.TraceCount,
		DroppedRows: r.Metadata.DroppedRows,
		Warnings:    r.Metadata.Warnings,
	}, nil
}

// ServeWire runs one worker exchange: it reads a WireRequest from in, fits
// in-process, and writes a WireResponse to out.
//
// Description:
//
//	Fit failures, malformed requests and panics are reported in the
//	response with status "error"; the returned error is non-nil only when
//	the response itself cannot be written. Logs go to logger, never to out.
func ServeWire(ctx context.Context, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	resp := serve(ctx, in, logger)
	enc := json.NewEncoder(out)
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("writing worker response: %w", err)
	}
	return nil
}

func serve(ctx context.Context, in io.Reader, logger *slog.Logger) (resp *WireResponse) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("fit worker panicked", "panic", p)
			resp = errorResponse(fmt.Errorf("worker panic: %v", p), string(debug.Stack()))
		}
	}()

	var req WireRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return errorResponse(&FittingError{Reason: "malformed worker request", Cause: err}, "")
	}
	if req.Graph == nil {
		return errorResponse(&FittingError{Reason: "worker request has no graph"}, "")
	}
	if req.Traces == nil {
		return errorResponse(&DataError{Reason: "worker request has no traces"}, "")
	}
	opts := withDefaults(req.Options)
	if err := opts.Validate(); err != nil {
		return errorResponse(&FittingError{Reason: "invalid worker options", Cause: err}, "")
	}

	logger.Debug("fit worker request",
		"nodes", req.Graph.NodeCount(),
		"rows", req.Traces.Len(),
		"quality", opts.Quality,
	)
	res, err := fitDynamic(ctx, req.Graph, req.Traces, opts)
	if err != nil {
		logger.Debug("fit worker failed", "error", err)
		return errorResponse(err, "")
	}
	r, err := newWireResponse(res, opts.minR2())
	if err != nil {
		return errorResponse(&FittingError{Reason: "encoding mechanisms", Cause: err}, "")
	}
	return r
}
