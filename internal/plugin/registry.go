package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the explicit set of plugins a scanner process can load
// (§4.6, §9). Registration rejects duplicate names rather than
// silently overwriting — the §9 open question resolved in favor of
// failing loudly.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds p, keyed by its Info().Name. Returns an error if that
// name is already registered.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Info().Name
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("plugin: %q already registered", name)
	}
	r.plugins[name] = p
	return nil
}

// Get looks up a plugin by name.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Names lists every registered plugin name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Enabled returns the registered plugins whose name is set true in
// enabled, in stable (sorted) order, for a scanner's config-driven
// plugin selection (§4.7, §4.9).
func (r *Registry) Enabled(enabled map[string]bool) []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		if enabled[n] {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	out := make([]Plugin, 0, len(names))
	for _, n := range names {
		out = append(out, r.plugins[n])
	}
	return out
}

// NewStockRegistry builds a Registry pre-loaded with the standard
// plugin set (§4.6's plugin table).
func NewStockRegistry() *Registry {
	r := NewRegistry()
	for _, p := range []Plugin{
		NewSQLBasic(),
		NewCommandBasic(),
		NewDirectoryBasic(),
		NewIncludeBasic(),
		NewFileUploadBasic(),
		NewXXEBasic(),
	} {
		if err := r.Register(p); err != nil {
			panic(err) // stock plugin names are compile-time constants
		}
	}
	return r
}
