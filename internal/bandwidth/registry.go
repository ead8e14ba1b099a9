package bandwidth

import (
	"sort"
	"sync"
)

// Scope selects whether marketplaces share one window
type Scope string

const (
	ScopeGlobal         Scope = "global"
	ScopePerMarketplace Scope = "per_marketplace"
)

// Registry hands out monitors by marketplace name
type Registry struct {
	scope      Scope
	thresholds Thresholds

	mu       sync.Mutex
	global   *Monitor
	monitors map[string]*Monitor
}

// NewRegistry creates a registry. An unknown scope is treated as global.
func NewRegistry(scope Scope, thresholds Thresholds) *Registry {
	if scope != ScopePerMarketplace {
		scope = ScopeGlobal
	}
	return &Registry{
		scope:      scope,
		thresholds: thresholds,
		global:     NewMonitor(thresholds),
		monitors:   make(map[string]*Monitor),
	}
}

// Scope returns the configured scope
func (r *Registry) Scope() Scope { return r.scope }

// For returns the monitor that throttles the given marketplace
func (r *Registry) For(marketplace string) *Monitor {
	if r.scope == ScopeGlobal {
		return r.global
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.monitors[marketplace]
	if !ok {
		m = NewMonitor(r.thresholds)
		r.monitors[marketplace] = m
	}
	return m
}

// Stats returns a snapshot per window, keyed "global" or by marketplace
func (r *Registry) Stats() map[string]Stats {
	if r.scope == ScopeGlobal {
		return map[string]Stats{"global": r.global.Stats()}
	}
	r.mu.Lock()
	names := make([]string, 0, len(r.monitors))
	for name := range r.monitors {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]Stats, len(names))
	for _, name := range names {
		out[name] = r.For(name).Stats()
	}
	return out
}
