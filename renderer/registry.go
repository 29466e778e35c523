package renderer

import (
	"fmt"
	"slices"
	"sync"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/result"
)

// Registry holds renderer descriptors in registration order. Order is
// significant: the first compatible renderer is the default choice.
type Registry struct {
	mu          sync.RWMutex
	descriptors []*Descriptor
	byName      map[string]*Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Descriptor)}
}

// Register appends d. Registration problems are configuration errors and
// match errors.ErrConfiguration.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil {
		return configError("descriptor validation", "descriptor is nil")
	}
	if d.Name == "" {
		return configError("name validation", "renderer name is empty")
	}
	if d.Accepts == nil {
		return configError("accepts validation", fmt.Sprintf("renderer %q has no accepts predicate", d.Name))
	}
	if d.Create == nil {
		return configError("factory validation", fmt.Sprintf("renderer %q has no factory", d.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[d.Name]; exists {
		return configError("duplicate renderer check", fmt.Sprintf("renderer %q is already registered", d.Name))
	}
	r.descriptors = append(r.descriptors, d)
	r.byName[d.Name] = d
	return nil
}

// Compatible returns the descriptors that accept res, in registration order.
func (r *Registry) Compatible(res *result.QueryResult) []*Descriptor {
	if res == nil {
		return nil
	}

	r.mu.RLock()
	descriptors := slices.Clone(r.descriptors)
	r.mu.RUnlock()

	compatible := make([]*Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if d.Accepts(res) {
			compatible = append(compatible, d)
		}
	}
	return compatible
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Descriptors returns every descriptor in registration order.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.descriptors)
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.descriptors))
	for i, d := range r.descriptors {
		names[i] = d.Name
	}
	return names
}

// Len returns the number of registered renderers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descriptors)
}

func configError(action, detail string) error {
	return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrConfiguration, detail), "Registry", "Register", action)
}
