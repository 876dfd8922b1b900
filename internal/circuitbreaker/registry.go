package circuitbreaker

import (
	"sync"

	"github.com/gantrygw/gantry/internal/config"
)

// Registry holds one breaker per backend. Breakers carry failure counts
// across config reloads, so the registry outlives any single snapshot
// and hands out existing instances on repeat lookups.
type Registry struct {
	breakers sync.Map
	opts     []Option
}

// NewRegistry creates a registry. The options are applied to every
// breaker it creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{opts: opts}
}

// GetOrCreate returns the backend's breaker, creating it on first use.
// Backends with the breaker disabled get nil; callers then dispatch
// directly.
func (r *Registry) GetOrCreate(name string, cfg config.CircuitBreakerConfig) *Breaker {
	if !cfg.Enabled {
		return nil
	}

	if value, ok := r.breakers.Load(name); ok {
		return value.(*Breaker)
	}

	breaker := New(name, cfg, r.opts...)
	actual, _ := r.breakers.LoadOrStore(name, breaker)
	return actual.(*Breaker)
}

// Get returns the backend's breaker, or nil when none exists yet.
func (r *Registry) Get(name string) *Breaker {
	value, ok := r.breakers.Load(name)
	if !ok {
		return nil
	}
	return value.(*Breaker)
}
