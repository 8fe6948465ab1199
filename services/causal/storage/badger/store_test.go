// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCausal/services/causal/graph"
	"github.com/AleutianAI/AleutianCausal/services/causal/mechanism"
	"github.com/AleutianAI/AleutianCausal/services/causal/model"
)

func testModel(t *testing.T, id string, fittedAt int64) *model.FittedCausalModel {
	t.Helper()
	g := graph.NewCausalGraph()
	for _, n := range []string{"var:x", "var:y"} {
		require.NoError(t, g.AddNode(&graph.CausalNode{ID: n, Kind: graph.NodeKindVariable}))
	}
	_, err := g.AddEdge("var:x", "var:y", graph.EdgeKindDataFlow)
	require.NoError(t, err)
	g.Freeze()

	return &model.FittedCausalModel{
		ID:    id,
		Graph: g,
		Mechanisms: map[string]mechanism.Mechanism{
			"var:x": mechanism.NewUnknown(graph.DomainContinuous),
			"var:y": &mechanism.Linear{
				ParentIDs:    []string{"var:x"},
				Coefficients: []float64{2},
				Intercept:    1,
				Dom:          graph.DomainContinuous,
			},
		},
		Metadata: model.Metadata{
			Status:        model.StatusNotValidated,
			StaticOnly:    true,
			FittedAtMilli: fittedAt,
		},
	}
}

func newStore(t *testing.T) *ModelStore {
	t.Helper()
	store, err := OpenModelStore(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestModelStore_PutGet(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	m := testModel(t, "m-1", 100)

	require.NoError(t, store.Put(ctx, m))

	got, err := store.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "m-1", got.ID)
	assert.Equal(t, m.Graph.NodeIDs(), got.Graph.NodeIDs())
	lin, ok := got.Mechanisms["var:y"].(*mechanism.Linear)
	require.True(t, ok)
	assert.Equal(t, []float64{2}, lin.Coefficients)
	assert.Equal(t, 1.0, lin.Intercept)
}

func TestModelStore_PutReplaces(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testModel(t, "m-1", 100)))
	replaced := testModel(t, "m-1", 200)
	replaced.Metadata.Status = model.StatusWarning
	require.NoError(t, store.Put(ctx, replaced))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.StatusWarning, list[0].Status)
	assert.Equal(t, int64(200), list[0].FittedAtMilli)
}

func TestModelStore_GetMissing(t *testing.T) {
	store := newStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestModelStore_Delete(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, testModel(t, "m-1", 100)))

	require.NoError(t, store.Delete(ctx, "m-1"))
	_, err := store.Get(ctx, "m-1")
	assert.ErrorIs(t, err, ErrModelNotFound)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.ErrorIs(t, store.Delete(ctx, "m-1"), ErrModelNotFound)
}

func TestModelStore_ListOrder(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, testModel(t, "b", 100)))
	require.NoError(t, store.Put(ctx, testModel(t, "a", 100)))
	require.NoError(t, store.Put(ctx, testModel(t, "c", 300)))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
	assert.Equal(t, "b", list[2].ID)
	assert.Equal(t, 2, list[0].NodeCount)
	assert.Equal(t, 1, list[0].EdgeCount)
}

func TestModelStore_EmptyListIsNotNil(t *testing.T) {
	list, err := newStore(t).List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestModelStore_RejectsNil(t *testing.T) {
	err := newStore(t).Put(context.Background(), nil)
	assert.ErrorIs(t, err, model.ErrInvalidModel)
}

func TestModelStore_CanceledContext(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.Put(ctx, testModel(t, "m-1", 1)), context.Canceled)
	_, err := store.List(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestModelStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := OpenModelStore(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, testModel(t, "durable", 100)))
	require.NoError(t, store.Close())

	reopened, err := OpenModelStore(DefaultConfig(dir))
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, "durable", got.ID)
}

func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(Config{})
	assert.Error(t, err)
}

func TestGCRunner_ValidatesAndStops(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	assert.True(t, db.InMemory())

	_, err = newGCRunner(db.db, 0, 0.5, nil)
	assert.Error(t, err)
	_, err = newGCRunner(db.db, time.Second, 1.5, nil)
	assert.Error(t, err)

	runner, err := newGCRunner(db.db, 10*time.Millisecond, 0.5, nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	runner.stop()
	runner.stop()
}

func TestDB_WithTxn(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	}))

	var got []byte
	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		got, err = item.ValueCopy(nil)
		return err
	}))
	assert.Equal(t, []byte("v"), got)
}
