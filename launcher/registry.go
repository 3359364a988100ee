package launcher

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Launcher.
type Factory func(opts Options) (Launcher, error)

// Registry maps launcher names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory.
// Returns an error if a factory with the same name is already registered.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("launcher %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// New builds the launcher registered under name.
func (r *Registry) New(name string, opts Options) (Launcher, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("launcher %q not registered (have %v)", name, r.Names())
	}
	l, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("create launcher %s: %w", name, err)
	}
	return l, nil
}

// Names returns the registered launcher names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Unregister removes a factory by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; !exists {
		return fmt.Errorf("launcher %q not found", name)
	}
	delete(r.factories, name)
	return nil
}
