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
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCausal/services/causal/model"
	"github.com/AleutianAI/AleutianCausal/services/causal/telemetry"
)

const (
	tracerName = "aleutian.causal.storage"

	modelPrefix   = "model:"
	summaryPrefix = "summary:"
)

// ErrModelNotFound is returned when no model has the requested id.
var ErrModelNotFound = model.ErrModelNotFound

// ModelStore persists fitted models.
//
// Each model is stored twice in one transaction: the full document under
// "model:<id>" (model.Marshal format) and its model.Summary under
// "summary:<id>", so List never decodes graphs.
//
// Thread Safety: Safe for concurrent use.
type ModelStore struct {
	db *DB
}

// NewModelStore wraps an open DB. The store does not own db.
func NewModelStore(db *DB) *ModelStore {
	return &ModelStore{db: db}
}

// OpenModelStore opens a DB with cfg and wraps it. Close releases both.
func OpenModelStore(cfg Config) (*ModelStore, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return &ModelStore{db: db}, nil
}

// Close closes the underlying database.
func (s *ModelStore) Close() error {
	return s.db.Close()
}

// Put stores m, replacing any model with the same id.
func (s *ModelStore) Put(ctx context.Context, m *model.FittedCausalModel) (err error) {
	if m == nil {
		return fmt.Errorf("%w: nil model", model.ErrInvalidModel)
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "ModelStore.Put",
		trace.WithAttributes(attribute.String("causal.model_id", m.ID)))
	defer func() { finishSpan(span, err) }()

	doc, err := model.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding model %s: %w", m.ID, err)
	}
	summary, err := json.Marshal(m.Summarize())
	if err != nil {
		return fmt.Errorf("encoding summary %s: %w", m.ID, err)
	}

	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte(modelPrefix+m.ID), doc); err != nil {
			return fmt.Errorf("storing model %s: %w", m.ID, err)
		}
		if err := txn.Set([]byte(summaryPrefix+m.ID), summary); err != nil {
			return fmt.Errorf("storing summary %s: %w", m.ID, err)
		}
		return nil
	})
}

// Get loads the model with the given id.
//
// Outputs:
//
//	*model.FittedCausalModel - The decoded, validated model.
//	error - ErrModelNotFound, or a storage or decode error.
func (s *ModelStore) Get(ctx context.Context, id string) (m *model.FittedCausalModel, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "ModelStore.Get",
		trace.WithAttributes(attribute.String("causal.model_id", id)))
	defer func() { finishSpan(span, err) }()

	var doc []byte
	err = s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(modelPrefix + id))
		if err != nil {
			return err
		}
		doc, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", id, err)
	}
	return model.Unmarshal(doc)
}

// Delete removes the model with the given id.
func (s *ModelStore) Delete(ctx context.Context, id string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "ModelStore.Delete",
		trace.WithAttributes(attribute.String("causal.model_id", id)))
	defer func() { finishSpan(span, err) }()

	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(modelPrefix + id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrModelNotFound, id)
			}
			return err
		}
		if err := txn.Delete([]byte(modelPrefix + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(summaryPrefix + id))
	})
}

// List returns summaries of all stored models, newest first, ties by id.
func (s *ModelStore) List(ctx context.Context) (out []model.Summary, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "ModelStore.List")
	defer func() { finishSpan(span, err) }()

	out = []model.Summary{}
	err = s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(summaryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var sum model.Summary
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sum)
			}); err != nil {
				return fmt.Errorf("decoding summary %s: %w", it.Item().Key(), err)
			}
			out = append(out, sum)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].FittedAtMilli != out[j].FittedAtMilli {
			return out[i].FittedAtMilli > out[j].FittedAtMilli
		}
		return out[i].ID < out[j].ID
	})
	span.SetAttributes(attribute.Int("causal.model_count", len(out)))
	return out, nil
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanOK(span)
	}
	span.End()
}
