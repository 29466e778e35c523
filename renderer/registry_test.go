package renderer

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/result"
	"github.com/msakrejda/cartographer/schema"
)

type reloadable struct{}

func (reloadable) Reload(*result.QueryResult) error { return nil }

func descriptor(name string, accepts func(*result.QueryResult) bool) *Descriptor {
	return &Descriptor{
		Name:    name,
		Accepts: accepts,
		Create: func(Surface, *result.QueryResult) (Instance, error) {
			return reloadable{}, nil
		},
	}
}

func acceptAll(*result.QueryResult) bool { return true }

func numericOnly(r *result.QueryResult) bool {
	return r.HasType(schema.Numeric...)
}

func textResult() *result.QueryResult {
	return result.MustNew(result.Spec{
		ID:      1,
		Columns: []schema.Column{{Name: "name", Type: schema.Text}},
		Rows:    [][]any{{"a"}},
	})
}

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name string
		desc *Descriptor
	}{
		{"nil descriptor", nil},
		{"empty name", descriptor("", acceptAll)},
		{"nil accepts", descriptor("x", nil)},
		{"nil factory", &Descriptor{Name: "x", Accepts: acceptAll}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.desc)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrConfiguration)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestRegistry_RejectsDuplicateNames(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(descriptor("table", acceptAll)))

	err := reg.Register(descriptor("table", acceptAll))
	assert.ErrorIs(t, err, errors.ErrConfiguration)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_CompatibleKeepsRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(descriptor("line", numericOnly)))
	require.NoError(t, reg.Register(descriptor("table", acceptAll)))
	require.NoError(t, reg.Register(descriptor("grid", acceptAll)))

	compatible := reg.Compatible(textResult())
	names := make([]string, len(compatible))
	for i, d := range compatible {
		names[i] = d.Name
	}
	assert.Equal(t, []string{"table", "grid"}, names)
	assert.Equal(t, []string{"line", "table", "grid"}, reg.Names())
	assert.Nil(t, reg.Compatible(nil))
}

func TestRegistry_Lookup(t *testing.T) {
	reg := NewRegistry()
	d := descriptor("table", acceptAll)
	require.NoError(t, reg.Register(d))

	got, ok := reg.Lookup("table")
	require.True(t, ok)
	assert.Same(t, d, got)

	_, ok = reg.Lookup("pie")
	assert.False(t, ok)
}

func TestDescriptor_CanReload(t *testing.T) {
	d := descriptor("table", acceptAll)
	assert.False(t, d.CanReload(reloadable{}), "flag off")

	d.SupportsIncrementalReload = true
	assert.True(t, d.CanReload(reloadable{}))
	assert.False(t, d.CanReload(struct{}{}), "no Reload method")

	var none *Descriptor
	assert.False(t, none.CanReload(reloadable{}))
	assert.Equal(t, "<none>", none.String())
}

func TestMemorySurface(t *testing.T) {
	s := NewMemorySurface()
	_, err := s.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, s.Len())
	assert.Equal(t, "hello", s.String())

	s.Clear()
	assert.Zero(t, s.Len())
	assert.Equal(t, 1, s.Clears())
}

func TestTerminalSurface(t *testing.T) {
	var out bytes.Buffer
	s := NewTerminalSurface(&out, false)

	_, err := s.Write([]byte("frame"))
	require.NoError(t, err)
	assert.Equal(t, 5, s.Len())

	require.NoError(t, s.Repaint())
	assert.Equal(t, "frame\n----\nframe", out.String())

	s.Clear()
	assert.Zero(t, s.Len())
}

func TestCellConversions(t *testing.T) {
	f, ok := Float(int64(3))
	assert.True(t, ok)
	assert.Equal(t, 3.0, f)

	f, ok = Float("2.5")
	assert.True(t, ok)
	assert.Equal(t, 2.5, f)

	_, ok = Float(nil)
	assert.False(t, ok)

	for _, v := range []any{"NaN", "Infinity", "-inf", math.NaN(), math.Inf(1), float32(math.Inf(-1))} {
		_, ok = Float(v)
		assert.False(t, ok, "%v", v)
	}

	ts, ok := Time("2024-02-01")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), ts)

	ts, ok = Time("2024-02-01T10:00:00Z")
	require.True(t, ok)
	assert.Equal(t, 10, ts.Hour())

	_, ok = Time("yesterday")
	assert.False(t, ok)

	assert.Equal(t, "NULL", String(nil))
	assert.Equal(t, "1.5", String(1.5))
	assert.Equal(t, "7", String(int64(7)))
}
