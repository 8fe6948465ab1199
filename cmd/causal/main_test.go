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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCausal/services/causal"
	"github.com/AleutianAI/AleutianCausal/services/causal/ast"
	"github.com/AleutianAI/AleutianCausal/services/causal/fit"
	"github.com/AleutianAI/AleutianCausal/services/causal/intervention"
	"github.com/AleutianAI/AleutianCausal/services/causal/model"
)

// =============================================================================
// FIXTURES
// =============================================================================

const testConfig = `
storage:
  in_memory: true
logging:
  quiet: true
`

func writeFile(t *testing.T, dir, name string, v any) string {
	t.Helper()
	path := filepath.Join(dir, name)
	var data []byte
	if s, ok := v.(string); ok {
		data = []byte(s)
	} else {
		var err error
		data, err = json.Marshal(v)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// chainFiles writes X → Y → Z (Y = 2X + 1, Z = Y − 3) as two modules so
// the merge path is exercised, plus a config file.
func chainFiles(t *testing.T) (dir, cfg string, modules []string) {
	t.Helper()
	dir = t.TempDir()
	cfg = writeFile(t, dir, "causal.yaml", testConfig)
	a := &ast.Module{Path: "a.go", Variables: []ast.Variable{
		{Name: "X", Type: ast.TypeFloat},
		{Name: "Y", Init: ast.Bin("+", ast.Bin("*", ast.Num(2), ast.Ident("X")), ast.Num(1))},
	}}
	b := &ast.Module{Path: "b.go", Variables: []ast.Variable{
		{Name: "Z", Init: ast.Bin("-", ast.Ident("Y"), ast.Num(3))},
	}}
	return dir, cfg, []string{writeFile(t, dir, "a.json", a), writeFile(t, dir, "b.json", b)}
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// =============================================================================
// COMMAND TESTS
// =============================================================================

func TestBuildCmd_MergesModules(t *testing.T) {
	_, cfg, mods := chainFiles(t)

	out, err := run(t, "", "build", "--config", cfg, "-m", mods[0], "-m", mods[1])
	require.NoError(t, err)

	var resp struct {
		Graph struct {
			Nodes []struct {
				ID string `json:"id"`
			} `json:"nodes"`
		} `json:"graph"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	ids := make([]string, 0, len(resp.Graph.Nodes))
	for _, n := range resp.Graph.Nodes {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []string{"var:X", "var:Y", "var:Z"}, ids)
}

func TestBuildCmd_RequiresModule(t *testing.T) {
	_, cfg, _ := chainFiles(t)
	_, err := run(t, "", "build", "--config", cfg)
	assert.Error(t, err)
}

func TestFitThenImpactFromFile(t *testing.T) {
	dir, cfg, mods := chainFiles(t)
	modelPath := filepath.Join(dir, "model.json")

	out, err := run(t, "", "fit", "--config", cfg, "-m", mods[0], "-m", mods[1], "--out", modelPath)
	require.NoError(t, err)

	var created causal.ModelResponse
	require.NoError(t, json.Unmarshal([]byte(out), &created), out)
	assert.True(t, created.Summary.StaticOnly)
	assert.Equal(t, model.StatusNotValidated, created.Summary.Status)

	data, err := os.ReadFile(modelPath)
	require.NoError(t, err)
	m, err := model.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, created.Summary.ID, m.ID)

	out, err = run(t, "", "impact", "--config", cfg, "--model-file", modelPath,
		"--set", "var:X=5", "--samples", "100", "--bootstrap", "10", "--seed", "3")
	require.NoError(t, err)

	var est intervention.ImpactEstimate
	require.NoError(t, json.Unmarshal([]byte(out), &est), out)
	assert.Equal(t, m.ID, est.ModelID)
	assert.Equal(t, uint64(3), est.Seed)
	assert.InDelta(t, 8, est.Effects["var:Z"].InterventionMean, 1e-9)
}

func TestFitCmd_WithCSVTraces(t *testing.T) {
	dir, cfg, mods := chainFiles(t)

	var csv strings.Builder
	csv.WriteString("var:X,var:Y,var:Z\n")
	for i := range 100 {
		x := float64(i%23) / 2
		y := 2*x + 1
		csv.WriteString(strings.Join([]string{ftoa(x), ftoa(y), ftoa(y - 3)}, ",") + "\n")
	}
	traces := writeFile(t, dir, "traces.csv", csv.String())

	out, err := run(t, "", "fit", "--config", cfg, "-m", mods[0], "-m", mods[1], "-t", traces, "--quality", "fast")
	require.NoError(t, err)

	var created causal.ModelResponse
	require.NoError(t, json.Unmarshal([]byte(out), &created), out)
	assert.False(t, created.Summary.StaticOnly)
	assert.Equal(t, 100, created.Metadata.TraceCount)
}

func TestImpactCmd_Errors(t *testing.T) {
	dir, cfg, _ := chainFiles(t)
	modelPath := filepath.Join(dir, "absent.json")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no set", []string{"impact", "--config", cfg, "some-id"}, "--set"},
		{"id and file", []string{"impact", "--config", cfg, "--model-file", modelPath, "--set", "x=1", "some-id"}, "not both"},
		{"no target", []string{"impact", "--config", cfg, "--set", "x=1"}, "required"},
		{"bad value", []string{"impact", "--config", cfg, "--set", "x=high", "some-id"}, "number"},
		{"unknown model", []string{"impact", "--config", cfg, "--set", "x=1", "some-id"}, "model not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, "", tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestModelsListCmd_Empty(t *testing.T) {
	_, cfg, _ := chainFiles(t)
	out, err := run(t, "", "models", "list", "--config", cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"models":[]}`, out)
}

func TestWorkerCmd_MalformedRequest(t *testing.T) {
	_, cfg, _ := chainFiles(t)
	out, err := run(t, "{", fit.WorkerSubcommand, "--config", cfg)
	require.NoError(t, err, "protocol errors are reported on stdout")

	var resp fit.WireResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, fit.WireFailed, resp.Status)
	require.NotNil(t, resp.Error)
}

func TestBadConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "bad.yaml", "fitter:\n  quality: best\n")
	_, err := run(t, "", "models", "list", "--config", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestLogLevelOverride(t *testing.T) {
	_, cfg, _ := chainFiles(t)
	_, err := run(t, "", "models", "list", "--config", cfg, "--log-level", "verbose")
	assert.Error(t, err)
}

// =============================================================================
// HELPER TESTS
// =============================================================================

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"var:x=2.5", " flag = true ", "var:n=-3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"var:x": 2.5, "flag": true, "var:n": -3.0}, got)

	for _, bad := range []string{"x", "=1", "x=", "x=abc"} {
		_, err := parseAssignments([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestReadTraces_JSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "t.json", `{"columns":["var:X","var:Y"],"rows":[[1,3],[2,null]]}`)

	tr, err := readTraces(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"var:X", "var:Y"}, tr.Columns)
	assert.Equal(t, 2, tr.Len())
}

func ftoa(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}
