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
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Traces is a table of observed node values, one column per node id and
// one row per execution. Missing values are NaN.
type Traces struct {
	Columns []string
	Rows    [][]float64
}

// NewTraces builds a table from column-major data. All columns must have
// the same length.
func NewTraces(columns map[string][]float64) (*Traces, error) {
	names := make([]string, 0, len(columns))
	n := -1
	for name, vals := range columns {
		if n >= 0 && len(vals) != n {
			return nil, &DataError{Reason: fmt.Sprintf("column %s has %d values, expected %d", name, len(vals), n)}
		}
		n = len(vals)
		names = append(names, name)
	}
	sort.Strings(names)

	t := &Traces{Columns: names}
	for i := 0; i < n; i++ {
		row := make([]float64, len(names))
		for j, name := range names {
			row[j] = columns[name][i]
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Len returns the number of rows.
func (t *Traces) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Validate checks that column names are unique and rows are rectangular.
func (t *Traces) Validate() error {
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c == "" {
			return &DataError{Reason: "empty column name"}
		}
		if seen[c] {
			return &DataError{Reason: "duplicate column " + c}
		}
		seen[c] = true
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return &DataError{Reason: fmt.Sprintf("row %d has %d values for %d columns", i, len(row), len(t.Columns))}
		}
	}
	return nil
}

type tracesJSON struct {
	Columns []string     `json:"columns"`
	Rows    [][]*float64 `json:"rows"`
}

// MarshalJSON encodes missing (NaN) values as null.
func (t *Traces) MarshalJSON() ([]byte, error) {
	out := tracesJSON{Columns: t.Columns, Rows: make([][]*float64, len(t.Rows))}
	for i, row := range t.Rows {
		enc := make([]*float64, len(row))
		for j, v := range row {
			if math.IsNaN(v) {
				continue
			}
			if math.IsInf(v, 0) {
				return nil, &DataError{Reason: fmt.Sprintf("row %d column %s is infinite", i, t.Columns[j])}
			}
			v := v
			enc[j] = &v
		}
		out.Rows[i] = enc
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes null values as NaN.
func (t *Traces) UnmarshalJSON(data []byte) error {
	var in tracesJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	t.Columns = in.Columns
	t.Rows = make([][]float64, len(in.Rows))
	for i, row := range in.Rows {
		dec := make([]float64, len(row))
		for j, v := range row {
			if v == nil {
				dec[j] = math.NaN()
			} else {
				dec[j] = *v
			}
		}
		t.Rows[i] = dec
	}
	return nil
}

// ReadCSV reads traces from CSV with a header row of node ids. Empty
// cells and "NaN"/"NA"/"null" are missing values; "true"/"false" are 1/0.
func ReadCSV(r io.Reader) (*Traces, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &DataError{Reason: "csv has no header"}
		}
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	t := &Traces{Columns: header}

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv line %d: %w", line, err)
		}
		row := make([]float64, len(rec))
		for j, cell := range rec {
			v, err := parseCell(cell)
			if err != nil {
				return nil, &DataError{Reason: fmt.Sprintf("line %d column %s: %v", line, header[j], err)}
			}
			row[j] = v
		}
		t.Rows = append(t.Rows, row)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func parseCell(cell string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "", "nan", "na", "null":
		return math.NaN(), nil
	case "true":
		return 1, nil
	case "false":
		return 0, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
	if err != nil {
		return 0, err
	}
	if math.IsInf(v, 0) {
		return 0, fmt.Errorf("infinite value %q", cell)
	}
	return v, nil
}
