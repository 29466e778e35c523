// Package rendererregistry registers the built-in renderers with a registry.
package rendererregistry

import (
	"errors"
	"fmt"

	pkgerrors "github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/renderer"
	"github.com/msakrejda/cartographer/renderer/bar"
	"github.com/msakrejda/cartographer/renderer/line"
	"github.com/msakrejda/cartographer/renderer/table"
)

// DefaultOrder is the registration order of the default viewer. Charts come
// before the table so the table is only the default when nothing else fits.
var DefaultOrder = []string{line.Name, bar.Name, table.Name}

var builtins = map[string]func(*renderer.Registry) error{
	line.Name:  line.Register,
	bar.Name:   bar.Register,
	table.Name: table.Register,
}

// Builtins returns the names of every built-in renderer in default order.
func Builtins() []string {
	return append([]string(nil), DefaultOrder...)
}

// Register registers every built-in renderer in DefaultOrder.
func Register(registry *renderer.Registry) error {
	return RegisterOrdered(registry, DefaultOrder)
}

// RegisterOrdered registers the named built-in renderers in the given order.
func RegisterOrdered(registry *renderer.Registry, names []string) error {
	// Nil registry is a programming error (fatal), not invalid input
	if registry == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"RendererRegistry", "Register", "registry validation")
	}
	if len(names) == 0 {
		return pkgerrors.WrapFatal(
			fmt.Errorf("%w: no renderers configured", pkgerrors.ErrConfiguration),
			"RendererRegistry", "Register", "renderer list validation")
	}

	for _, name := range names {
		register, ok := builtins[name]
		if !ok {
			return pkgerrors.WrapFatal(
				fmt.Errorf("%w: unknown renderer %q", pkgerrors.ErrConfiguration, name),
				"RendererRegistry", "Register", "renderer lookup")
		}
		if err := register(registry); err != nil {
			return pkgerrors.WrapFatal(err, "RendererRegistry", "Register", name+" renderer registration")
		}
	}
	return nil
}
