package process

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Factory populates a freshly created process from its parameter.
type Factory func(ctx context.Context, p *Process, param string) error

// Registry maps definitions to factories. A definition is the string
// persisted in process records to describe how to rebuild a process.
type Registry struct {
	factories map[string]Factory
	lk        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(definition string, f Factory) error {
	if err := ValidateName(definition); err != nil {
		return err
	}
	r.lk.Lock()
	defer r.lk.Unlock()
	if _, ok := r.factories[definition]; ok {
		return fmt.Errorf("%w: definition %s", ErrNameConflict, definition)
	}
	r.factories[definition] = f
	return nil
}

// Load creates process name from definition. The process is closed if
// its factory fails.
func (r *Registry) Load(ctx context.Context, name, definition, param string) (*Process, error) {
	r.lk.RLock()
	f, ok := r.factories[definition]
	r.lk.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, definition)
	}

	p, err := New(name)
	if err != nil {
		return nil, err
	}
	if err := f(ctx, p, param); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("process: factory %s failed for %s: %w", definition, name, err)
	}
	return p, nil
}

func (r *Registry) Definitions() []string {
	r.lk.RLock()
	defer r.lk.RUnlock()
	defs := make([]string, 0, len(r.factories))
	for d := range r.factories {
		defs = append(defs, d)
	}
	sort.Strings(defs)
	return defs
}
