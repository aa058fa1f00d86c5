package platform

import (
	"fmt"
	"sort"
)

// Registry maps destination kinds to their capability implementations. Built
// once at startup; read-only afterwards.
type Registry struct {
	caps map[string]Capability
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register binds a capability to a destination kind, replacing any previous
// binding.
func (r *Registry) Register(kind string, cap Capability) {
	if kind == "" || cap == nil {
		return
	}
	r.caps[kind] = cap
}

// Lookup returns the capability for a destination kind.
func (r *Registry) Lookup(kind string) (Capability, error) {
	cap, ok := r.caps[kind]
	if !ok {
		return nil, fmt.Errorf("no capability registered for destination %q", kind)
	}
	return cap, nil
}

// Kinds lists the registered destination kinds, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.caps))
	for k := range r.caps {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
