package backend

import (
	"sort"

	"github.com/gantrygw/gantry/internal/config"
)

// Registry holds the pools of one configuration snapshot. It is
// immutable after construction; a reload builds a fresh registry and
// the gateway swaps it in whole, so lookups never take a lock.
type Registry struct {
	pools map[string]*Pool
}

// NewRegistry builds a pool per configured backend.
func NewRegistry(backends map[string]config.BackendConfig) (*Registry, error) {
	pools := make(map[string]*Pool, len(backends))
	for name, cfg := range backends {
		pool, err := NewPool(name, cfg)
		if err != nil {
			return nil, err
		}
		pools[name] = pool
	}
	return &Registry{pools: pools}, nil
}

// Get returns the named pool.
func (r *Registry) Get(name string) (*Pool, bool) {
	pool, ok := r.pools[name]
	return pool, ok
}

// All returns every pool sorted by name.
func (r *Registry) All() []*Pool {
	pools := make([]*Pool, 0, len(r.pools))
	for _, pool := range r.pools {
		pools = append(pools, pool)
	}
	sort.Slice(pools, func(i, j int) bool {
		return pools[i].Name() < pools[j].Name()
	})
	return pools
}

// Len returns the number of pools.
func (r *Registry) Len() int {
	return len(r.pools)
}
