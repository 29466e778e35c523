// Package result holds the immutable query result model, its wire codec and
// the ordered result store that publishes selection changes.
package result

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/schema"
)

// QueryResult is one executed query's schema and rows. It is immutable: every
// accessor returns a copy, and a reload with new data is a new QueryResult.
type QueryResult struct {
	id            int64
	query         string
	elapsedMillis float64
	columns       []schema.Column
	rows          [][]any
	errs          map[string]string
	receivedAt    time.Time
}

// Spec carries the fields used to construct a QueryResult.
type Spec struct {
	ID            int64
	Query         string
	ElapsedMillis float64
	Columns       []schema.Column
	Rows          [][]any
	Errors        map[string]string
	ReceivedAt    time.Time
}

// New validates spec and builds an immutable result from a deep copy of it.
func New(spec Spec) (*QueryResult, error) {
	for i, col := range spec.Columns {
		if !col.Type.Valid() {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: column %d (%q) has unknown type %q", errors.ErrInvalidData, i, col.Name, col.Type),
				"QueryResult", "New", "validate columns")
		}
	}
	for i, row := range spec.Rows {
		if len(row) != len(spec.Columns) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: row %d has %d cells, want %d", errors.ErrInvalidData, i, len(row), len(spec.Columns)),
				"QueryResult", "New", "validate rows")
		}
	}

	rows := make([][]any, len(spec.Rows))
	for i, row := range spec.Rows {
		rows[i] = slices.Clone(row)
	}

	return &QueryResult{
		id:            spec.ID,
		query:         spec.Query,
		elapsedMillis: spec.ElapsedMillis,
		columns:       slices.Clone(spec.Columns),
		rows:          rows,
		errs:          maps.Clone(spec.Errors),
		receivedAt:    spec.ReceivedAt,
	}, nil
}

// MustNew is New for fixtures; it panics on invalid input.
func MustNew(spec Spec) *QueryResult {
	r, err := New(spec)
	if err != nil {
		panic(err)
	}
	return r
}

// ID returns the caller-assigned result identifier.
func (r *QueryResult) ID() int64 { return r.id }

// Query returns the query text.
func (r *QueryResult) Query() string { return r.query }

// ElapsedMillis returns the query runtime in milliseconds.
func (r *QueryResult) ElapsedMillis() float64 { return r.elapsedMillis }

// ReceivedAt returns when the result arrived, zero if unknown.
func (r *QueryResult) ReceivedAt() time.Time { return r.receivedAt }

// Columns returns a copy of the column schema.
func (r *QueryResult) Columns() []schema.Column { return slices.Clone(r.columns) }

// NumColumns returns the column count.
func (r *QueryResult) NumColumns() int { return len(r.columns) }

// NumRows returns the row count.
func (r *QueryResult) NumRows() int { return len(r.rows) }

// Row returns a copy of row i.
func (r *QueryResult) Row(i int) []any { return slices.Clone(r.rows[i]) }

// Rows returns a copy of all rows.
func (r *QueryResult) Rows() [][]any {
	rows := make([][]any, len(r.rows))
	for i, row := range r.rows {
		rows[i] = slices.Clone(row)
	}
	return rows
}

// Cell returns the value at row i, column j without copying the row.
func (r *QueryResult) Cell(i, j int) any { return r.rows[i][j] }

// Errors returns a copy of the error details reported for the query, if any.
func (r *QueryResult) Errors() map[string]string { return maps.Clone(r.errs) }

// Failed reports whether the query returned an error instead of rows.
func (r *QueryResult) Failed() bool { return len(r.errs) > 0 }

// HasType reports whether any column has a type in types.
func (r *QueryResult) HasType(types ...schema.LogicalType) bool {
	return schema.HasType(r.columns, types...)
}

// String returns a short description for logs.
func (r *QueryResult) String() string {
	return fmt.Sprintf("result#%d(%d cols, %d rows)", r.id, len(r.columns), len(r.rows))
}
