package marketplace

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Registry holds the adapter of every enabled marketplace
type Registry struct {
	mu       sync.RWMutex
	adapters map[Marketplace]Adapter
}

// NewRegistry creates an empty adapter registry
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[Marketplace]Adapter),
	}
}

// Register adds an adapter. Each marketplace can be registered once.
func (r *Registry) Register(adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mp := adapter.Marketplace()
	if mp == "" {
		return fmt.Errorf("adapter marketplace cannot be empty")
	}

	if _, exists := r.adapters[mp]; exists {
		return fmt.Errorf("adapter %s is already registered", mp)
	}

	r.adapters[mp] = adapter
	return nil
}

// Get returns the adapter of a marketplace
func (r *Registry) Get(mp Marketplace) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, exists := r.adapters[mp]
	if !exists {
		return nil, fmt.Errorf("adapter %s not found", mp)
	}

	return adapter, nil
}

// List returns the registered marketplaces in priority order
func (r *Registry) List() []Marketplace {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Marketplace, 0, len(r.adapters))
	for _, mp := range All() {
		if _, ok := r.adapters[mp]; ok {
			result = append(result, mp)
		}
	}
	return result
}

// Has checks if a marketplace has an adapter
func (r *Registry) Has(mp Marketplace) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.adapters[mp]
	return exists
}

// Configured is the per-marketplace input of BuildRegistry
type Configured struct {
	Marketplace Marketplace
	Settings    Settings
	Recorder    RequestRecorder
}

// BuildRegistry creates and registers one adapter per configured marketplace
func BuildRegistry(configured []Configured, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry()
	for _, c := range configured {
		adapter, err := New(c.Marketplace, c.Settings, c.Recorder, logger)
		if err != nil {
			return nil, err
		}
		if err := r.Register(adapter); err != nil {
			return nil, err
		}
	}
	return r, nil
}
