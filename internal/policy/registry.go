package policy

import (
	"fmt"
	"sort"
)

// Registry holds all watch policies.
type Registry struct {
	policies map[string]WatchPolicy
}

// NewRegistry creates a registry with all built-in policies.
func NewRegistry() *Registry {
	r := &Registry{
		policies: make(map[string]WatchPolicy),
	}

	r.Register(NewGoPolicy())
	r.Register(NewWebPolicy())

	return r
}

// NewRegistryWithPolicies creates a registry with custom policies (for testing).
func NewRegistryWithPolicies(policies ...WatchPolicy) *Registry {
	r := &Registry{
		policies: make(map[string]WatchPolicy),
	}
	for _, p := range policies {
		r.Register(p)
	}
	return r
}

// Register adds a policy to the registry.
func (r *Registry) Register(p WatchPolicy) {
	r.policies[p.ID()] = p
}

// Get returns a policy by ID.
func (r *Registry) Get(id string) (WatchPolicy, bool) {
	p, ok := r.policies[id]
	return p, ok
}

// Select returns the policies named by ids, in the given order.
func (r *Registry) Select(ids []string) ([]WatchPolicy, error) {
	out := make([]WatchPolicy, 0, len(ids))
	for _, id := range ids {
		p, ok := r.policies[id]
		if !ok {
			return nil, fmt.Errorf("unknown watch policy %q (known: %v)", id, r.List())
		}
		out = append(out, p)
	}
	return out, nil
}

// List returns all policy IDs, sorted.
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.policies))
	for id := range r.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
