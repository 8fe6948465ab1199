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
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCausal/services/causal/ast"
	"github.com/AleutianAI/AleutianCausal/services/causal/fit"
	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
	"github.com/AleutianAI/AleutianCausal/services/causal/intervention"
	"github.com/AleutianAI/AleutianCausal/services/causal/model"
)

// Handlers contains the HTTP handlers for the causal service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleBuildGraph handles POST /v1/causal/graphs.
//
// Description:
//
//	Builds a causal graph from the structural representation without
//	fitting or storing it.
//
// Request Body:
//
//	BuildRequest
//
// Response:
//
//	200 OK: BuildResponse
//	400 Bad Request: Malformed body or invalid module
//	422 Unprocessable Entity: Graph could not be built
func (h *Handlers) HandleBuildGraph(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleBuildGraph")

	var req BuildRequest
	if !bindJSON(c, &req, requestID, logger) {
		return
	}

	result, err := h.svc.BuildGraph(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err, requestID, logger, "Graph build failed")
		return
	}

	logger.Info("Graph built",
		"nodes", result.Graph.NodeCount(),
		"edges", result.Graph.EdgeCount(),
		"warnings", len(result.Warnings))

	c.JSON(http.StatusOK, BuildResponse{
		Graph:    result.Graph,
		Warnings: result.Warnings,
		Stats:    result.Stats,
	})
}

// HandleCreateModel handles POST /v1/causal/models.
//
// Description:
//
//	Builds a graph, fits mechanisms from the supplied traces (or
//	statically when none are given) and stores the model.
//
// Request Body:
//
//	CreateModelRequest
//
// Response:
//
//	201 Created: ModelResponse
//	400 Bad Request: Malformed body, invalid module, bad traces or options
//	422 Unprocessable Entity: Graph could not be built
//	500 Internal Server Error: Fitting or storage failure
func (h *Handlers) HandleCreateModel(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCreateModel")

	var req CreateModelRequest
	if !bindJSON(c, &req, requestID, logger) {
		return
	}

	m, warnings, err := h.svc.CreateModel(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err, requestID, logger, "Model creation failed")
		return
	}

	logger.Info("Model created",
		"model_id", m.ID,
		"status", m.Metadata.Status,
		"static_only", m.Metadata.StaticOnly)

	c.JSON(http.StatusCreated, ModelResponse{
		Summary:       m.Summarize(),
		Metadata:      m.Metadata,
		BuildWarnings: warnings,
	})
}

// HandleListModels handles GET /v1/causal/models.
//
// Response:
//
//	200 OK: ListModelsResponse, newest first
func (h *Handlers) HandleListModels(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListModels")

	models, err := h.svc.ListModels(c.Request.Context())
	if err != nil {
		writeError(c, err, requestID, logger, "List models failed")
		return
	}
	c.JSON(http.StatusOK, ListModelsResponse{Models: models})
}

// HandleGetModel handles GET /v1/causal/models/:id.
//
// Response:
//
//	200 OK: ModelResponse
//	404 Not Found: Unknown model
func (h *Handlers) HandleGetModel(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetModel")

	m, err := h.svc.GetModel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, requestID, logger, "Get model failed")
		return
	}
	c.JSON(http.StatusOK, ModelResponse{
		Summary:  m.Summarize(),
		Metadata: m.Metadata,
	})
}

// HandleGetModelGraph handles GET /v1/causal/models/:id/graph.
//
// Response:
//
//	200 OK: the model's causal graph
//	404 Not Found: Unknown model
func (h *Handlers) HandleGetModelGraph(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetModelGraph")

	m, err := h.svc.GetModel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, requestID, logger, "Get model graph failed")
		return
	}
	c.JSON(http.StatusOK, m.Graph)
}

// HandleDeleteModel handles DELETE /v1/causal/models/:id.
//
// Response:
//
//	204 No Content: Deleted
//	404 Not Found: Unknown model
func (h *Handlers) HandleDeleteModel(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleDeleteModel")

	id := c.Param("id")
	if err := h.svc.DeleteModel(c.Request.Context(), id); err != nil {
		writeError(c, err, requestID, logger, "Delete model failed")
		return
	}
	logger.Info("Model deleted", "model_id", id)
	c.Status(http.StatusNoContent)
}

// HandleEstimateImpact handles POST /v1/causal/models/:id/impact.
//
// Description:
//
//	Forces the given nodes to fixed values and reports the effect on
//	every downstream node with bootstrap confidence intervals.
//
// Request Body:
//
//	ImpactRequest
//
// Response:
//
//	200 OK: intervention.ImpactEstimate
//	400 Bad Request: Malformed body or invalid intervention
//	404 Not Found: Unknown model or node
func (h *Handlers) HandleEstimateImpact(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleEstimateImpact")

	var req ImpactRequest
	if !bindJSON(c, &req, requestID, logger) {
		return
	}

	id := c.Param("id")
	est, err := h.svc.EstimateImpact(c.Request.Context(), id, &req)
	if err != nil {
		writeError(c, err, requestID, logger, "Impact estimation failed")
		return
	}

	logger.Info("Impact estimated",
		"model_id", id,
		"interventions", len(est.Intervention),
		"effects", len(est.Effects),
		"duration_us", est.DurationMicro)

	c.JSON(http.StatusOK, est)
}

// HandleHealth handles GET /v1/causal/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// bindJSON decodes the body into req, writing a 400 or 413 on failure.
func bindJSON(c *gin.Context, req any, requestID string, logger *slog.Logger) bool {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return true
	}
	logger.Warn("Invalid request body", "error", err)

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:     "Request body too large",
			Code:      "REQUEST_TOO_LARGE",
			RequestID: requestID,
		})
		return false
	}
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     "Invalid request body",
		Code:      "INVALID_REQUEST",
		RequestID: requestID,
	})
	return false
}

// writeError maps err to a status and code and writes the response.
func writeError(c *gin.Context, err error, requestID string, logger *slog.Logger, msg string) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, "error", err, "code", code)
	} else {
		logger.Warn(msg, "error", err, "code", code)
	}
	c.JSON(status, ErrorResponse{
		Error:     err.Error(),
		Code:      code,
		RequestID: requestID,
	})
}

// errorStatus maps service errors to HTTP status codes and error codes.
// Order matters: a GraphBuildError can wrap ast.ErrInvalidModule.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrModelNotFound):
		return http.StatusNotFound, "MODEL_NOT_FOUND"
	case errors.Is(err, graph.ErrNodeNotFound):
		return http.StatusNotFound, "NODE_NOT_FOUND"
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, ast.ErrInvalidModule):
		return http.StatusBadRequest, "INVALID_MODULE"
	case errors.Is(err, graph.ErrCyclicGraph):
		return http.StatusUnprocessableEntity, "CYCLIC_GRAPH"
	case errors.Is(err, graph.ErrGraphBuild):
		return http.StatusUnprocessableEntity, "GRAPH_BUILD_FAILED"
	case errors.Is(err, fit.ErrData):
		return http.StatusBadRequest, "DATA_ERROR"
	case errors.Is(err, fit.ErrInvalidOptions):
		return http.StatusBadRequest, "INVALID_OPTIONS"
	case errors.Is(err, intervention.ErrInvalidIntervention):
		return http.StatusBadRequest, "INVALID_INTERVENTION"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, fit.ErrFitting):
		return http.StatusInternalServerError, "FITTING_FAILED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// requestIDKey holds the request id on the gin context.
const requestIDKey = "causal.request_id"

// getOrCreateRequestID returns the request id for c. The first call takes
// X-Request-ID from the request, or generates one, and echoes it on the
// response; later calls return the same id.
func getOrCreateRequestID(c *gin.Context) string {
	if requestID := c.GetString(requestIDKey); requestID != "" {
		return requestID
	}
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDKey, requestID)
	c.Header("X-Request-ID", requestID)
	return requestID
}

// requestIDMiddleware assigns the request id before any handler or
// middleware writes a response.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		getOrCreateRequestID(c)
		c.Next()
	}
}
