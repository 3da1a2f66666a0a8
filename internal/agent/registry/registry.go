// Package registry maps module type names to worker constructors.
// Modules are statically linked into the agent binary; a manifest's
// "type" field selects the constructor when the host loads it.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aiori-io/aiori/internal/agent/worker"
)

// ErrUnknownType is returned when no factory is registered for a type.
var ErrUnknownType = errors.New("registry: unknown module type")

// Factory constructs a worker from its resolved context.
type Factory func(wctx *worker.Context) (worker.Worker, error)

// Registry holds the known module factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register installs a factory for a module type.
func (r *Registry) Register(typeName string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typeName]; exists {
		return fmt.Errorf("registry: module type %q already registered", typeName)
	}
	r.factories[typeName] = factory
	return nil
}

// Build constructs a worker of the given type.
func (r *Registry) Build(typeName string, wctx *worker.Context) (worker.Worker, error) {
	r.mu.RLock()
	factory, ok := r.factories[typeName]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	return factory(wctx)
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for name := range r.factories {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
