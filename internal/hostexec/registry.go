package hostexec

import (
	"fmt"
	"sort"
	"sync"
)

// Info describes a registered backend for the API.
type Info struct {
	Name   string `json:"name"`
	Target string `json:"target"`
	Active bool   `json:"active"`
}

// Registry holds the configured execution strategies and which one is in use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	active   string
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend under the given strategy name.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
}

// Activate selects the strategy that Active returns.
func (r *Registry) Activate(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; !ok {
		return fmt.Errorf("backend %q is not registered", name)
	}
	r.active = name
	return nil
}

// Resolve returns the backend registered under name.
func (r *Registry) Resolve(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", name)
	}
	return b, nil
}

// Active returns the selected execution backend.
func (r *Registry) Active() (Backend, error) {
	r.mu.RLock()
	name := r.active
	r.mu.RUnlock()
	if name == "" {
		return nil, fmt.Errorf("no backend activated")
	}
	return r.Resolve(name)
}

// List returns all registered backends sorted by name for a stable API
// response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.backends))
	for name, b := range r.backends {
		infos = append(infos, Info{
			Name:   name,
			Target: b.Target(),
			Active: name == r.active,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
