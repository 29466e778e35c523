package rendererregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/renderer"
)

func TestRegister_DefaultOrder(t *testing.T) {
	reg := renderer.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Equal(t, []string{"line", "bar", "table"}, reg.Names())
}

func TestRegisterOrdered(t *testing.T) {
	reg := renderer.NewRegistry()
	require.NoError(t, RegisterOrdered(reg, []string{"table", "bar"}))
	assert.Equal(t, []string{"table", "bar"}, reg.Names())
}

func TestRegisterOrdered_Errors(t *testing.T) {
	tests := []struct {
		name  string
		reg   *renderer.Registry
		names []string
	}{
		{"nil registry", nil, DefaultOrder},
		{"empty list", renderer.NewRegistry(), nil},
		{"unknown renderer", renderer.NewRegistry(), []string{"pie"}},
		{"duplicate renderer", renderer.NewRegistry(), []string{"table", "table"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RegisterOrdered(tt.reg, tt.names)
			require.Error(t, err)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestBuiltinsIsCopy(t *testing.T) {
	names := Builtins()
	names[0] = "changed"
	assert.Equal(t, "line", DefaultOrder[0])
}
