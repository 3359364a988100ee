package plan

import (
	"sort"
	"sync"

	"github.com/GoCodeAlone/rollout/internal/errs"
)

// Registry holds the plans of one service instance.
type Registry struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{plans: make(map[string]*Plan)}
}

// Register adds a plan.
// Returns an error if a plan with the same name is already registered.
func (r *Registry) Register(p *Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plans[p.Name()]; exists {
		return errs.New(errs.CodeConflict, "plan %q already registered", p.Name())
	}
	r.plans[p.Name()] = p
	return nil
}

// Get returns a plan by name.
func (r *Registry) Get(name string) (*Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[name]
	if !ok {
		return nil, errs.NotFound("plan", name)
	}
	return p, nil
}

// List returns all plans ordered by name.
func (r *Registry) List() []*Plan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Plan, 0, len(r.plans))
	for _, p := range r.plans {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Names returns the registered plan names in order.
func (r *Registry) Names() []string {
	plans := r.List()
	names := make([]string, len(plans))
	for i, p := range plans {
		names[i] = p.Name()
	}
	return names
}
