package result

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/schema"
)

func newTestDecoder(t *testing.T, opts ...DecoderOption) *Decoder {
	t.Helper()
	d, err := NewDecoder(opts...)
	require.NoError(t, err)
	return d
}

func TestDecoder_Decode(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	d := newTestDecoder(t, WithClock(clock))

	payload := `{
		"id": 4,
		"query": "select day, hits, ratio from traffic",
		"runtime": 12.5,
		"columns": [
			{"name": "day", "type": "timestamptz"},
			{"name": "hits", "type": "int8"},
			{"name": "ratio", "type": "float8"}
		],
		"data": [
			["2024-02-01T00:00:00Z", 10, 0.5],
			["2024-02-02T00:00:00Z", 12, 0.75]
		]
	}`

	r, err := d.Decode([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, int64(4), r.ID())
	assert.Equal(t, 12.5, r.ElapsedMillis())
	assert.Equal(t, clock.Now(), r.ReceivedAt())

	wantColumns := []schema.Column{
		{Name: "day", Type: schema.Date},
		{Name: "hits", Type: schema.Integer},
		{Name: "ratio", Type: schema.Float},
	}
	if diff := cmp.Diff(wantColumns, r.Columns()); diff != "" {
		t.Errorf("columns mismatch (-want +got):\n%s", diff)
	}

	wantRows := [][]any{
		{"2024-02-01T00:00:00Z", int64(10), 0.5},
		{"2024-02-02T00:00:00Z", int64(12), 0.75},
	}
	if diff := cmp.Diff(wantRows, r.Rows()); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestDecoder_DecodeErrorEvent(t *testing.T) {
	d := newTestDecoder(t)

	r, err := d.Decode([]byte(`{"id": 9, "query": "selec 1", "columns": [], "data": null,
		"error": {"severity": "ERROR", "message": "syntax error at or near \"selec\""}}`))
	require.NoError(t, err)

	assert.True(t, r.Failed())
	assert.Equal(t, "ERROR", r.Errors()["severity"])
	assert.Zero(t, r.NumColumns())
}

func TestDecoder_Malformed(t *testing.T) {
	d := newTestDecoder(t)

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{"id": `},
		{"missing columns", `{"id": 1, "query": "select 1", "data": [[1]]}`},
		{"missing id", `{"query": "select 1", "columns": []}`},
		{"fractional id", `{"id": 1.5, "query": "select 1", "columns": []}`},
		{"column without type", `{"id": 1, "query": "q", "columns": [{"name": "a"}]}`},
		{"negative runtime", `{"id": 1, "query": "q", "runtime": -1, "columns": []}`},
		{"ragged row", `{"id": 1, "query": "q", "columns": [{"name": "a", "type": "int4"}], "data": [[1, 2]]}`},
		{"array payload", `[1, 2, 3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := d.Decode([]byte(tt.payload))
			assert.Nil(t, r)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrMalformedResult)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestDecoder_CustomTokens(t *testing.T) {
	d := newTestDecoder(t, WithTokens(schema.NewTokens(map[string]string{"ts": "date"})))

	r, err := d.Decode([]byte(`{"id": 1, "query": "q", "columns": [{"name": "at", "type": "ts"}], "data": []}`))
	require.NoError(t, err)
	assert.Equal(t, schema.Date, r.Columns()[0].Type)
}

func TestEncode_RoundTripThroughDecoder(t *testing.T) {
	payload, err := Encode(&Message{
		ID:      3,
		Query:   "select name, total from sales",
		Runtime: 1.25,
		Columns: []WireColumn{{Name: "name", Type: "text"}, {Name: "total", Type: "numeric"}},
		Data:    [][]any{{"east", 10.5}},
	})
	require.NoError(t, err)

	r, err := newTestDecoder(t).Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "east", r.Cell(0, 0))
	assert.Equal(t, 10.5, r.Cell(0, 1))
}

func TestEncode_EmptyColumnsStayArray(t *testing.T) {
	payload, err := Encode(&Message{ID: 1, Query: "create table t()"})
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"columns":[]`)

	_, err = newTestDecoder(t).Decode(payload)
	assert.NoError(t, err)
}

func TestNew_RejectsInvalidSpec(t *testing.T) {
	_, err := New(Spec{ID: 1, Columns: []schema.Column{{Name: "a", Type: "blob"}}})
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	_, err = New(Spec{ID: 1, Columns: []schema.Column{{Name: "a", Type: schema.Text}}, Rows: [][]any{{}}})
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestQueryResult_IsImmutable(t *testing.T) {
	rows := [][]any{{int64(1)}}
	r := MustNew(Spec{ID: 1, Columns: []schema.Column{{Name: "n", Type: schema.Integer}}, Rows: rows})

	rows[0][0] = int64(99)
	assert.Equal(t, int64(1), r.Cell(0, 0))

	copied := r.Rows()
	copied[0][0] = int64(42)
	assert.Equal(t, int64(1), r.Cell(0, 0))

	cols := r.Columns()
	cols[0].Name = "changed"
	assert.Equal(t, "n", r.Columns()[0].Name)
}
