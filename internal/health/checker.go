// Package health runs active HTTP probes against backend endpoints and
// moves them in and out of rotation on consecutive results.
package health

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gantrygw/gantry/internal/backend"
	"github.com/gantrygw/gantry/internal/observability"
)

// StatusFunc is called when an endpoint changes rotation state.
type StatusFunc func(backendName, endpoint string, healthy bool)

// Checker probes every endpoint of one pool. Each endpoint gets its own
// goroutine and ticker, so one slow probe never delays the schedule of
// the others.
type Checker struct {
	pool   *backend.Pool
	client *http.Client
	logger observability.Logger

	path               string
	interval           time.Duration
	timeout            time.Duration
	healthyThreshold   int
	unhealthyThreshold int

	onChange StatusFunc

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option is a functional option for configuring a Checker.
type Option func(*Checker)

// WithLogger sets the checker's logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

// WithClient sets the HTTP client used for probes. The default client
// carries the configured probe timeout.
func WithClient(client *http.Client) Option {
	return func(c *Checker) {
		c.client = client
	}
}

// WithStatusCallback sets a callback for rotation state changes.
func WithStatusCallback(fn StatusFunc) Option {
	return func(c *Checker) {
		c.onChange = fn
	}
}

// NewChecker creates a checker from the pool's health check settings.
func NewChecker(pool *backend.Pool, opts ...Option) *Checker {
	cfg := pool.HealthCheck()

	c := &Checker{
		pool:               pool,
		logger:             observability.NopLogger(),
		path:               cfg.Path,
		interval:           cfg.Interval(),
		timeout:            cfg.Timeout(),
		healthyThreshold:   cfg.HealthyThreshold,
		unhealthyThreshold: cfg.UnhealthyThreshold,
		stopCh:             make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		c.client = &http.Client{Timeout: c.timeout}
	}

	return c
}

// Start launches one probe loop per endpoint. Probing is skipped
// entirely when the pool has health checks disabled; its endpoints then
// keep their optimistic healthy state.
func (c *Checker) Start(ctx context.Context) {
	if !c.pool.HealthCheck().Enabled {
		return
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	for _, endpoint := range c.pool.Endpoints() {
		c.wg.Add(1)
		go c.probeLoop(ctx, endpoint)
	}
}

// Stop stops all probe loops and waits for them to exit.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
}

func (c *Checker) probeLoop(ctx context.Context, endpoint *backend.Endpoint) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Consecutive counters live on the loop; no shared state between
	// endpoints.
	var successes, failures int
	c.observe(ctx, endpoint, &successes, &failures)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.observe(ctx, endpoint, &successes, &failures)
		}
	}
}

// observe runs one probe and applies the threshold rules: an endpoint
// leaves rotation only after unhealthyThreshold consecutive failures
// and returns only after healthyThreshold consecutive successes.
func (c *Checker) observe(ctx context.Context, endpoint *backend.Endpoint, successes, failures *int) {
	if c.probe(ctx, endpoint) {
		*successes++
		*failures = 0
		if *successes >= c.healthyThreshold && endpoint.SetHealthy(true) {
			c.logger.Info("endpoint back in rotation",
				observability.String("backend", c.pool.Name()),
				observability.String("endpoint", endpoint.String()),
			)
			if c.onChange != nil {
				c.onChange(c.pool.Name(), endpoint.String(), true)
			}
		}
		return
	}

	*failures++
	*successes = 0
	if *failures >= c.unhealthyThreshold && endpoint.SetHealthy(false) {
		c.logger.Warn("endpoint removed from rotation",
			observability.String("backend", c.pool.Name()),
			observability.String("endpoint", endpoint.String()),
			observability.Int("consecutive_failures", *failures),
		)
		if c.onChange != nil {
			c.onChange(c.pool.Name(), endpoint.String(), false)
		}
	}
}

// probe reports whether one health check round-trip succeeded. Any 2xx
// status counts; transport errors, timeouts, and other statuses fail.
func (c *Checker) probe(ctx context.Context, endpoint *backend.Endpoint) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.ProbeURL(c.path), http.NoBody)
	if err != nil {
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
}

// Manager owns a checker per pool of one configuration snapshot.
type Manager struct {
	checkers []*Checker
}

// NewManager builds checkers for every pool in the registry.
func NewManager(registry *backend.Registry, opts ...Option) *Manager {
	pools := registry.All()
	checkers := make([]*Checker, 0, len(pools))
	for _, pool := range pools {
		checkers = append(checkers, NewChecker(pool, opts...))
	}
	return &Manager{checkers: checkers}
}

// Start starts all checkers.
func (m *Manager) Start(ctx context.Context) {
	for _, checker := range m.checkers {
		checker.Start(ctx)
	}
}

// Stop stops all checkers.
func (m *Manager) Stop() {
	for _, checker := range m.checkers {
		checker.Stop()
	}
}
