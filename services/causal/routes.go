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
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// ServiceName names the otelgin server spans.
	ServiceName string

	// MaxBodyBytes caps request bodies. Zero disables the cap.
	MaxBodyBytes int64

	// RateLimit caps fit and impact requests per second. Zero disables it.
	RateLimit float64

	// RateBurst is the limiter bucket size. Zero means twice RateLimit.
	RateBurst int

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler

	// AccessLog enables gin's request logger.
	AccessLog bool
}

// RegisterRoutes registers all causal routes with the router.
//
// Description:
//
//	Registers all /v1/causal/* endpoints with the given Gin router group.
//	limit wraps the compute-heavy endpoints (model creation and impact
//	queries) and may be nil. Every response carries X-Request-ID.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//	limit - Optional middleware for compute-heavy endpoints
//
// Endpoints:
//
//	POST   /v1/causal/graphs - Build a causal graph
//	POST   /v1/causal/models - Build, fit and store a model
//	GET    /v1/causal/models - List stored models
//	GET    /v1/causal/models/:id - Get a model summary
//	GET    /v1/causal/models/:id/graph - Get a model's graph
//	DELETE /v1/causal/models/:id - Delete a model
//	POST   /v1/causal/models/:id/impact - Estimate intervention impact
//	GET    /v1/causal/health - Health check
//
// Example:
//
//	svc, _ := causal.NewService(store)
//	v1 := router.Group("/v1")
//	causal.RegisterRoutes(v1, causal.NewHandlers(svc), nil)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers, limit gin.HandlerFunc) {
	heavy := []gin.HandlerFunc{}
	if limit != nil {
		heavy = append(heavy, limit)
	}

	causal := rg.Group("/causal", requestIDMiddleware())
	{
		causal.POST("/graphs", handlers.HandleBuildGraph)

		causal.POST("/models", append(heavy, handlers.HandleCreateModel)...)
		causal.GET("/models", handlers.HandleListModels)
		causal.GET("/models/:id", handlers.HandleGetModel)
		causal.GET("/models/:id/graph", handlers.HandleGetModelGraph)
		causal.DELETE("/models/:id", handlers.HandleDeleteModel)
		causal.POST("/models/:id/impact", append(heavy, handlers.HandleEstimateImpact)...)

		causal.GET("/health", handlers.HandleHealth)
	}
}

// NewRouter creates a gin engine serving the causal API.
//
// Description:
//
//	Installs request ids, recovery, OpenTelemetry tracing and body
//	limits, registers the /v1/causal routes and, when a handler is
//	given, /metrics.
func NewRouter(svc *Service, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(requestIDMiddleware(), gin.Recovery())
	if opts.AccessLog {
		router.Use(gin.Logger())
	}
	if opts.ServiceName != "" {
		router.Use(otelgin.Middleware(opts.ServiceName))
	}
	if opts.MaxBodyBytes > 0 {
		router.Use(bodyLimit(opts.MaxBodyBytes))
	}

	var limit gin.HandlerFunc
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = max(1, int(opts.RateLimit*2))
		}
		limit = rateLimit(rate.NewLimiter(rate.Limit(opts.RateLimit), burst))
	}

	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(svc), limit)

	if opts.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}
	return router
}

// bodyLimit caps request bodies at n bytes.
func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

// rateLimit rejects requests once limiter has no tokens left.
func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:     "Rate limit exceeded",
				Code:      "RATE_LIMITED",
				RequestID: getOrCreateRequestID(c),
			})
			return
		}
		c.Next()
	}
}
