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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCausal/services/causal/ast"
	"github.com/AleutianAI/AleutianCausal/services/causal/fit"
	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
	"github.com/AleutianAI/AleutianCausal/services/causal/intervention"
	"github.com/AleutianAI/AleutianCausal/services/causal/model"
	"github.com/AleutianAI/AleutianCausal/services/causal/storage/badger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// FIXTURES
// =============================================================================

// chainModule is X → Y → Z with Y = 2X + 1 and Z = Y − 3.
func chainModule() *ast.Module {
	return &ast.Module{
		Path: "chain.go",
		Variables: []ast.Variable{
			{Name: "X", Type: ast.TypeFloat},
			{Name: "Y", Init: ast.Bin("+", ast.Bin("*", ast.Num(2), ast.Ident("X")), ast.Num(1))},
			{Name: "Z", Init: ast.Bin("-", ast.Ident("Y"), ast.Num(3))},
		},
	}
}

// cyclicModule has A and B defined in terms of each other.
func cyclicModule() *ast.Module {
	return &ast.Module{
		Path: "cycle.go",
		Variables: []ast.Variable{
			{Name: "A", Init: ast.Bin("+", ast.Ident("B"), ast.Num(1))},
			{Name: "B", Init: ast.Bin("*", ast.Ident("A"), ast.Num(2))},
		},
	}
}

func newTestService(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	store, err := badger.OpenModelStore(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc, err := NewService(store, opts...)
	require.NoError(t, err)
	return svc
}

func setupTestRouter(svc *Service) *gin.Engine {
	router := gin.New()
	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(svc), nil)
	return router
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func createChainModel(t *testing.T, router http.Handler) ModelResponse {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/v1/causal/models", CreateModelRequest{
		BuildRequest: BuildRequest{Module: chainModule()},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[ModelResponse](t, w)
}

// =============================================================================
// HANDLER TESTS
// =============================================================================

func TestHandlers_HandleHealth(t *testing.T) {
	router := setupTestRouter(newTestService(t))

	w := doJSON(t, router, http.MethodGet, "/v1/causal/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
}

func TestHandlers_RequestIDEchoed(t *testing.T) {
	router := setupTestRouter(newTestService(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/causal/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = doJSON(t, router, http.MethodGet, "/v1/causal/health", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"), "generated when absent")

	w = doJSON(t, router, http.MethodGet, "/v1/causal/models/nope", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, w.Header().Get("X-Request-ID"), resp.RequestID)
}

func TestHandlers_HandleBuildGraph(t *testing.T) {
	router := setupTestRouter(newTestService(t))

	w := doJSON(t, router, http.MethodPost, "/v1/causal/graphs", BuildRequest{Module: chainModule()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Graph *graph.CausalGraph `json:"graph"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Graph)
	assert.Equal(t, []string{"var:X", "var:Y", "var:Z"}, resp.Graph.NodeIDs())
	assert.Equal(t, []string{"var:Y"}, resp.Graph.Parents("var:Z"))
}

func TestHandlers_HandleBuildGraph_Errors(t *testing.T) {
	router := setupTestRouter(newTestService(t))

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"malformed json", "{", http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing module", `{"recursion":"collapse"}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad recursion policy", BuildRequest{Module: chainModule(), Recursion: "unroll"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{
			"invalid module",
			BuildRequest{Module: &ast.Module{Path: "dup.go", Variables: []ast.Variable{{Name: "A"}, {Name: "A"}}}},
			http.StatusBadRequest, "INVALID_MODULE",
		},
		{"cycle", BuildRequest{Module: cyclicModule()}, http.StatusUnprocessableEntity, "CYCLIC_GRAPH"},
		{"empty module", BuildRequest{Module: &ast.Module{Path: "empty.go"}}, http.StatusUnprocessableEntity, "GRAPH_BUILD_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/v1/causal/graphs", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestHandlers_ModelLifecycle(t *testing.T) {
	router := setupTestRouter(newTestService(t))

	created := createChainModel(t, router)
	id := created.Summary.ID
	require.NotEmpty(t, id)
	assert.Equal(t, model.StatusNotValidated, created.Summary.Status)
	assert.True(t, created.Summary.StaticOnly)
	assert.Equal(t, 3, created.Summary.NodeCount)

	w := doJSON(t, router, http.MethodGet, "/v1/causal/models/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decode[ModelResponse](t, w).Summary.ID)

	w = doJSON(t, router, http.MethodGet, "/v1/causal/models/"+id+"/graph", nil)
	require.Equal(t, http.StatusOK, w.Code)
	g := decode[*graph.CausalGraph](t, w)
	assert.Equal(t, []string{"var:X"}, g.Roots())

	w = doJSON(t, router, http.MethodGet, "/v1/causal/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[ListModelsResponse](t, w)
	require.Len(t, list.Models, 1)
	assert.Equal(t, id, list.Models[0].ID)

	w = doJSON(t, router, http.MethodDelete, "/v1/causal/models/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/causal/models/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "MODEL_NOT_FOUND", decode[ErrorResponse](t, w).Code)

	w = doJSON(t, router, http.MethodDelete, "/v1/causal/models/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_ListModels_EmptyIsArray(t *testing.T) {
	router := setupTestRouter(newTestService(t))

	w := doJSON(t, router, http.MethodGet, "/v1/causal/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"models":[]}`, w.Body.String())
}

func TestHandlers_CreateModel_WithTraces(t *testing.T) {
	router := setupTestRouter(newTestService(t))

	n := 200
	cols := map[string][]float64{"var:X": make([]float64, n), "var:Y": make([]float64, n), "var:Z": make([]float64, n)}
	for i := range n {
		x := float64(i%37) / 3
		cols["var:X"][i] = x
		cols["var:Y"][i] = 2*x + 1 + 0.01*float64(i%5)
		cols["var:Z"][i] = cols["var:Y"][i] - 3
	}
	traces, err := fit.NewTraces(cols)
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodPost, "/v1/causal/models", CreateModelRequest{
		BuildRequest: BuildRequest{Module: chainModule()},
		Traces:       traces,
		Fit:          &fit.Options{Quality: fit.QualityFast},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[ModelResponse](t, w)
	assert.False(t, resp.Summary.StaticOnly)
	assert.Equal(t, model.StatusSuccess, resp.Summary.Status)
	assert.Equal(t, n, resp.Metadata.TraceCount)
	assert.Greater(t, resp.Summary.MeanR2, 0.95)
}

func TestHandlers_CreateModel_Errors(t *testing.T) {
	router := setupTestRouter(newTestService(t))

	short, err := fit.NewTraces(map[string][]float64{"var:X": {1, 2, 3}, "var:Y": {3, 5, 7}})
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   CreateModelRequest
		status int
		code   string
	}{
		{
			"missing trace column",
			CreateModelRequest{BuildRequest: BuildRequest{Module: chainModule()}, Traces: short},
			http.StatusBadRequest, "DATA_ERROR",
		},
		{
			"bad fit options",
			CreateModelRequest{BuildRequest: BuildRequest{Module: chainModule()}, Fit: &fit.Options{Quality: "best"}},
			http.StatusBadRequest, "INVALID_OPTIONS",
		},
		{
			"cyclic module",
			CreateModelRequest{BuildRequest: BuildRequest{Module: cyclicModule()}},
			http.StatusUnprocessableEntity, "CYCLIC_GRAPH",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/v1/causal/models", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestHandlers_HandleEstimateImpact(t *testing.T) {
	router := setupTestRouter(newTestService(t))
	id := createChainModel(t, router).Summary.ID

	seed := uint64(7)
	w := doJSON(t, router, http.MethodPost, "/v1/causal/models/"+id+"/impact", ImpactRequest{
		Interventions:      map[string]any{"var:X": 5},
		NumSamples:         200,
		BootstrapResamples: 20,
		Seed:               &seed,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	est := decode[intervention.ImpactEstimate](t, w)
	assert.Equal(t, id, est.ModelID)
	assert.Equal(t, 200, est.NumSamples)
	assert.Equal(t, 20, est.BootstrapResamples)
	assert.Equal(t, map[string]float64{"var:X": 5}, est.Intervention)
	require.Contains(t, est.Effects, "var:Z")
	assert.InDelta(t, 11, est.Effects["var:Y"].InterventionMean, 1e-9)
	assert.InDelta(t, 8, est.Effects["var:Z"].InterventionMean, 1e-9)
	assert.True(t, est.Effects["var:Z"].Downstream)

	again := doJSON(t, router, http.MethodPost, "/v1/causal/models/"+id+"/impact", ImpactRequest{
		Interventions:      map[string]any{"var:X": 5},
		NumSamples:         200,
		BootstrapResamples: 20,
		Seed:               &seed,
	})
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, est.Effects, decode[intervention.ImpactEstimate](t, again).Effects)
}

func TestHandlers_HandleEstimateImpact_Errors(t *testing.T) {
	router := setupTestRouter(newTestService(t))
	id := createChainModel(t, router).Summary.ID
	path := "/v1/causal/models/" + id + "/impact"

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"no interventions", path, `{"interventions":{}}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing interventions", path, `{}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"non-numeric value", path, `{"interventions":{"var:X":"high"}}`, http.StatusBadRequest, "INVALID_INTERVENTION"},
		{"unknown node", path, `{"interventions":{"var:nope":1}}`, http.StatusNotFound, "NODE_NOT_FOUND"},
		{"too few samples", path, `{"interventions":{"var:X":1},"num_samples":1}`, http.StatusBadRequest, "INVALID_INTERVENTION"},
		{"unknown model", "/v1/causal/models/nope/impact", `{"interventions":{"var:X":1}}`, http.StatusNotFound, "MODEL_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
		})
	}
}

// =============================================================================
// ROUTER TESTS
// =============================================================================

func TestNewRouter_BodyLimit(t *testing.T) {
	router := NewRouter(newTestService(t), RouterOptions{MaxBodyBytes: 64})

	body := `{"module":{"path":"` + strings.Repeat("x", 256) + `"}}`
	w := doJSON(t, router, http.MethodPost, "/v1/causal/graphs", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "REQUEST_TOO_LARGE", decode[ErrorResponse](t, w).Code)
}

func TestNewRouter_RateLimit(t *testing.T) {
	router := NewRouter(newTestService(t), RouterOptions{RateLimit: 0.001, RateBurst: 1})

	first := doJSON(t, router, http.MethodPost, "/v1/causal/models", CreateModelRequest{
		BuildRequest: BuildRequest{Module: chainModule()},
	})
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	second := doJSON(t, router, http.MethodPost, "/v1/causal/models", CreateModelRequest{
		BuildRequest: BuildRequest{Module: chainModule()},
	})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	limited := decode[ErrorResponse](t, second)
	assert.Equal(t, "RATE_LIMITED", limited.Code)
	assert.NotEmpty(t, limited.RequestID)
	assert.Equal(t, second.Header().Get("X-Request-ID"), limited.RequestID)

	w := doJSON(t, router, http.MethodGet, "/v1/causal/models", nil)
	assert.Equal(t, http.StatusOK, w.Code, "reads are not rate limited")
}

func TestNewRouter_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "causal_up 1\n")
	})
	router := NewRouter(newTestService(t), RouterOptions{ServiceName: "causal-test", MetricsHandler: metrics})

	w := doJSON(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "causal_up 1")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = doJSON(t, router, http.MethodGet, "/v1/causal/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// =============================================================================
// SERVICE TESTS
// =============================================================================

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(nil)
	assert.ErrorIs(t, err, ErrNoStore)
}

// countingStore counts Get calls on the wrapped store.
type countingStore struct {
	ModelStore
	gets int
}

func (s *countingStore) Get(ctx context.Context, id string) (*model.FittedCausalModel, error) {
	s.gets++
	return s.ModelStore.Get(ctx, id)
}

func TestService_GetModelUsesCache(t *testing.T) {
	inner, err := badger.OpenModelStore(badger.InMemoryConfig())
	require.NoError(t, err)
	defer inner.Close()
	store := &countingStore{ModelStore: inner}

	svc, err := NewService(store, WithCacheSize(1))
	require.NoError(t, err)
	ctx := context.Background()

	a, _, err := svc.CreateModel(ctx, &CreateModelRequest{BuildRequest: BuildRequest{Module: chainModule()}})
	require.NoError(t, err)

	_, err = svc.GetModel(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, store.gets, "freshly created models are cached")

	b, _, err := svc.CreateModel(ctx, &CreateModelRequest{BuildRequest: BuildRequest{Module: chainModule()}})
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)

	got, err := svc.GetModel(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, 1, store.gets, "evicted models are reloaded from the store")

	require.NoError(t, svc.DeleteModel(ctx, a.ID))
	_, err = svc.GetModel(ctx, a.ID)
	assert.ErrorIs(t, err, model.ErrModelNotFound)
}

func TestService_BuildGraphOverrides(t *testing.T) {
	svc := newTestService(t, WithBuilderOptions())
	ctx := context.Background()

	_, err := svc.BuildGraph(ctx, &BuildRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.BuildGraph(ctx, &BuildRequest{Module: cyclicModule(), Recursion: "reject"})
	assert.ErrorIs(t, err, graph.ErrCyclicGraph)
}

func TestMergeFitOptions(t *testing.T) {
	base := fit.DefaultOptions()
	assert.Equal(t, base, mergeFitOptions(base, nil))

	got := mergeFitOptions(base, &fit.Options{Quality: fit.QualityBetter, Seed: 9, StaticOnly: true})
	assert.Equal(t, fit.QualityBetter, got.Quality)
	assert.Equal(t, uint64(9), got.Seed)
	assert.True(t, got.StaticOnly)
	assert.Equal(t, base.R2Threshold, got.R2Threshold)
	assert.Equal(t, base.MinRows, got.MinRows)

	got = mergeFitOptions(base, &fit.Options{R2Threshold: fit.Threshold(0)})
	require.NotNil(t, got.R2Threshold)
	assert.Zero(t, *got.R2Threshold, "an explicit zero threshold overrides the default")
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrap: %w", model.ErrModelNotFound), http.StatusNotFound, "MODEL_NOT_FOUND"},
		{&graph.GraphBuildError{Reason: "invalid module", Cause: ast.ValidationError{Field: "f", Message: "m"}}, http.StatusBadRequest, "INVALID_MODULE"},
		{graph.NewGraphBuildError("no root"), http.StatusUnprocessableEntity, "GRAPH_BUILD_FAILED"},
		{fmt.Errorf("x: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "TIMEOUT"},
		{fit.ErrFitting, http.StatusInternalServerError, "FITTING_FAILED"},
		{fmt.Errorf("disk full"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := errorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
