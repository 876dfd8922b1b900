package backend

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/util"
)

// Pool is one named backend: its endpoints plus the health check and
// circuit breaker settings that apply to them. Endpoints are fixed for
// the life of the pool; a config reload builds a new pool.
type Pool struct {
	name      string
	endpoints []*Endpoint

	health  config.HealthCheckConfig
	breaker config.CircuitBreakerConfig

	next atomic.Uint64

	// Smooth weighted round-robin state, indexed like endpoints.
	wrrMu      sync.Mutex
	wrrCurrent []int
}

// NewPool builds a pool from a validated backend config. Weights
// default to 1 when the weights list is absent.
func NewPool(name string, cfg config.BackendConfig) (*Pool, error) {
	endpoints := make([]*Endpoint, 0, len(cfg.Servers))
	for i, server := range cfg.Servers {
		weight := 1
		if i < len(cfg.Weights) {
			weight = cfg.Weights[i]
		}
		endpoint, err := NewEndpoint(server, weight)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, endpoint)
	}

	return &Pool{
		name:       name,
		endpoints:  endpoints,
		health:     cfg.HealthCheck,
		breaker:    cfg.CircuitBreaker,
		wrrCurrent: make([]int, len(endpoints)),
	}, nil
}

// Name returns the backend name.
func (p *Pool) Name() string {
	return p.name
}

// Endpoints returns all endpoints, healthy or not.
func (p *Pool) Endpoints() []*Endpoint {
	return p.endpoints
}

// HealthCheck returns the pool's health check settings.
func (p *Pool) HealthCheck() config.HealthCheckConfig {
	return p.health
}

// CircuitBreaker returns the pool's breaker settings.
func (p *Pool) CircuitBreaker() config.CircuitBreakerConfig {
	return p.breaker
}

// HealthyCount returns how many endpoints are in rotation.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, e := range p.endpoints {
		if e.Healthy() {
			n++
		}
	}
	return n
}

// healthySubset returns endpoints currently in rotation, preserving
// configuration order.
func (p *Pool) healthySubset() []*Endpoint {
	healthy := make([]*Endpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if e.Healthy() {
			healthy = append(healthy, e)
		}
	}
	return healthy
}

// Select picks an endpoint among those currently healthy using the
// given strategy. An empty or unknown strategy falls back to round
// robin. When every endpoint is out of rotation the caller gets a
// NoHealthyEndpointError and must not dispatch.
func (p *Pool) Select(strategy string) (*Endpoint, error) {
	switch strategy {
	case config.StrategyLeastConnections:
		return p.selectLeastConnections()
	case config.StrategyRandom:
		return p.selectRandom()
	case config.StrategyWeightedRoundRobin:
		return p.selectWeighted()
	default:
		return p.selectRoundRobin()
	}
}

func (p *Pool) selectRoundRobin() (*Endpoint, error) {
	healthy := p.healthySubset()
	if len(healthy) == 0 {
		return nil, &util.NoHealthyEndpointError{Backend: p.name}
	}

	idx := p.next.Add(1) - 1
	return healthy[idx%uint64(len(healthy))], nil
}

// selectLeastConnections returns the healthy endpoint with the fewest
// in-flight requests. The scan starts at a rotating offset so ties are
// shared round-robin instead of always landing on the first endpoint.
func (p *Pool) selectLeastConnections() (*Endpoint, error) {
	healthy := p.healthySubset()
	if len(healthy) == 0 {
		return nil, &util.NoHealthyEndpointError{Backend: p.name}
	}

	start := int((p.next.Add(1) - 1) % uint64(len(healthy)))

	var selected *Endpoint
	minInFlight := int64(-1)
	for i := 0; i < len(healthy); i++ {
		candidate := healthy[(start+i)%len(healthy)]
		inFlight := candidate.InFlight()
		if minInFlight < 0 || inFlight < minInFlight {
			minInFlight = inFlight
			selected = candidate
		}
	}

	return selected, nil
}

func (p *Pool) selectRandom() (*Endpoint, error) {
	healthy := p.healthySubset()
	if len(healthy) == 0 {
		return nil, &util.NoHealthyEndpointError{Backend: p.name}
	}

	return healthy[secureRandomInt(len(healthy))], nil
}

// selectWeighted implements smooth weighted round-robin: every pick
// raises each healthy endpoint's current weight by its configured
// weight, takes the highest, and lowers the winner by the total. With
// equal weights this degenerates to plain round robin.
func (p *Pool) selectWeighted() (*Endpoint, error) {
	p.wrrMu.Lock()
	defer p.wrrMu.Unlock()

	total := 0
	best := -1
	for i, e := range p.endpoints {
		if !e.Healthy() {
			continue
		}
		p.wrrCurrent[i] += e.Weight()
		total += e.Weight()
		if best < 0 || p.wrrCurrent[i] > p.wrrCurrent[best] {
			best = i
		}
	}

	if best < 0 {
		return nil, &util.NoHealthyEndpointError{Backend: p.name}
	}

	p.wrrCurrent[best] -= total
	return p.endpoints[best], nil
}

// secureRandomInt returns a random int in [0, n).
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n))
}
