// Package gateway assembles the pieces into a running process: the
// data-plane listener carrying proxied traffic, the operational
// listener with probes and admin views, and the snapshot swap behind
// hot reloads.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gantrygw/gantry/internal/circuitbreaker"
	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/observability"
	"github.com/gantrygw/gantry/internal/proxy"
	"github.com/gantrygw/gantry/internal/ratelimit"
	"github.com/gantrygw/gantry/internal/secrets"
)

// State represents the gateway lifecycle state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Gateway owns the process lifecycle. Traffic always runs against one
// immutable snapshot; Reload builds the next snapshot off to the side
// and swaps an atomic pointer, so requests never observe a half-applied
// configuration. Breakers, the limiter store and the upstream transport
// live outside snapshots and keep their state across reloads.
type Gateway struct {
	logger          observability.Logger
	metrics         *observability.Metrics
	tracer          *observability.Tracer
	resolver        *secrets.Resolver
	version         string
	shutdownTimeout time.Duration

	breakers  *circuitbreaker.Registry
	forwarder *proxy.Forwarder

	state     atomic.Int32
	startTime time.Time
	current   atomic.Pointer[snapshot]

	mu           sync.Mutex
	bootCfg      *config.Config
	runCtx       context.Context
	runCancel    context.CancelFunc
	limiter      ratelimit.Limiter
	limiterCfg   config.RateLimitingConfig
	dataListener *Listener
	opsListener  *Listener
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the gateway's logger.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics wires the metrics registry into every stage that reports.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = metrics
	}
}

// WithTracer enables trace propagation and span creation per request.
func WithTracer(tracer *observability.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

// WithSecretsResolver replaces the default secret reference resolver.
func WithSecretsResolver(resolver *secrets.Resolver) Option {
	return func(g *Gateway) {
		g.resolver = resolver
	}
}

// WithVersion sets the version reported on the operational surface.
func WithVersion(version string) Option {
	return func(g *Gateway) {
		g.version = version
	}
}

// WithShutdownTimeout bounds graceful shutdown when Stop's context
// carries no deadline.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.shutdownTimeout = timeout
	}
}

// New creates a gateway over a validated configuration. The loader and
// watcher guarantee validity; New does not re-validate.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	g := &Gateway{
		bootCfg:         cfg,
		logger:          observability.NopLogger(),
		resolver:        secrets.NewResolver(),
		shutdownTimeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(g)
	}

	breakerOpts := []circuitbreaker.Option{circuitbreaker.WithLogger(g.logger)}
	if g.metrics != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithStateCallback(g.metrics.SetBreakerState))
	}
	g.breakers = circuitbreaker.NewRegistry(breakerOpts...)
	g.forwarder = proxy.NewForwarder(proxy.WithForwarderLogger(g.logger))

	g.state.Store(int32(StateStopped))

	return g, nil
}

// Start brings up the first snapshot and both listeners.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("gateway is not in stopped state")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cfg := g.bootCfg

	g.logger.Info("starting gateway",
		observability.Int("routes", len(cfg.Routes)),
		observability.Int("backends", len(cfg.Backends)),
	)

	// Snapshot components outlive Start's context: health probes and
	// JWKS refresh run until Stop.
	g.runCtx, g.runCancel = context.WithCancel(context.Background())

	resolved, err := g.resolveSecrets(g.runCtx, cfg)
	if err != nil {
		g.abortStart()
		return fmt.Errorf("resolving secrets: %w", err)
	}

	g.limiter = ratelimit.New(resolved.RateLimiting, g.logger)
	g.limiterCfg = resolved.RateLimiting

	snap, err := g.buildSnapshot(g.runCtx, cfg, resolved, g.limiter)
	if err != nil {
		g.abortStart()
		return fmt.Errorf("building snapshot: %w", err)
	}

	g.current.Store(snap)
	snap.health.Start(g.runCtx)

	g.dataListener = NewListener("data", joinHostPort(cfg.Server.Host, cfg.Server.Port),
		g.buildDataEngine(), WithListenerLogger(g.logger))
	if err := g.dataListener.Start(ctx); err != nil {
		snap.health.Stop()
		g.abortStart()
		return err
	}

	if cfg.Metrics.Enabled {
		g.opsListener = NewListener("ops", joinHostPort(cfg.Server.Host, cfg.Metrics.Port),
			g.buildOpsEngine(), WithListenerLogger(g.logger))
		if err := g.opsListener.Start(ctx); err != nil {
			_ = g.dataListener.Stop(ctx)
			snap.health.Stop()
			g.abortStart()
			return err
		}
	}

	g.startTime = time.Now()
	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.String("address", g.dataListener.Addr()),
	)

	return nil
}

// abortStart unwinds a partial Start. Callers hold g.mu.
func (g *Gateway) abortStart() {
	if g.runCancel != nil {
		g.runCancel()
	}
	if g.limiter != nil {
		_ = g.limiter.Close()
		g.limiter = nil
	}
	g.current.Store(nil)
	g.dataListener = nil
	g.opsListener = nil
	g.state.Store(int32(StateStopped))
}

// Stop drains the listeners, stops probing and releases stores.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("gateway is not running")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("stopping gateway")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.shutdownTimeout)
		defer cancel()
	}

	var wg sync.WaitGroup
	for _, listener := range []*Listener{g.dataListener, g.opsListener} {
		if listener == nil {
			continue
		}
		wg.Add(1)
		go func(l *Listener) {
			defer wg.Done()
			if err := l.Stop(ctx); err != nil {
				g.logger.Error("listener shutdown failed",
					observability.String("name", l.Name()),
					observability.Err(err),
				)
			}
		}(listener)
	}
	wg.Wait()

	if snap := g.current.Load(); snap != nil {
		snap.health.Stop()
	}
	g.runCancel()
	if g.limiter != nil {
		_ = g.limiter.Close()
		g.limiter = nil
	}
	g.dataListener = nil
	g.opsListener = nil

	g.state.Store(int32(StateStopped))

	g.logger.Info("gateway stopped")

	return nil
}

// Reload builds a fresh snapshot from an already validated config and
// swaps it in. In-flight requests finish on the snapshot they started
// with. Listener addresses are fixed at Start; a changed bind address
// is logged and ignored.
func (g *Gateway) Reload(cfg *config.Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.State() != StateRunning {
		return fmt.Errorf("gateway is not running")
	}

	resolved, err := g.resolveSecrets(g.runCtx, cfg)
	if err != nil {
		return fmt.Errorf("resolving secrets: %w", err)
	}

	// The limiter store survives reloads so buckets keep their fill;
	// only a storage change builds a new one.
	limiter := g.limiter
	if storageChanged(g.limiterCfg, resolved.RateLimiting) {
		limiter = ratelimit.New(resolved.RateLimiting, g.logger)
	}

	snap, err := g.buildSnapshot(g.runCtx, cfg, resolved, limiter)
	if err != nil {
		if limiter != g.limiter {
			_ = limiter.Close()
		}
		return fmt.Errorf("building snapshot: %w", err)
	}

	old := g.current.Swap(snap)
	snap.health.Start(g.runCtx)
	if old != nil {
		old.health.Stop()

		if old.cfg.Server.Host != cfg.Server.Host || old.cfg.Server.Port != cfg.Server.Port ||
			old.cfg.Metrics != cfg.Metrics {
			g.logger.Warn("listener configuration changed; restart required to apply it")
		}
	}

	if limiter != g.limiter {
		_ = g.limiter.Close()
		g.limiter = limiter
		g.limiterCfg = resolved.RateLimiting
	}

	// A later restart boots from the reloaded config, not the original.
	g.bootCfg = cfg

	g.logger.Info("configuration reloaded",
		observability.Int("routes", len(cfg.Routes)),
		observability.Int("backends", len(cfg.Backends)),
	)

	return nil
}

// storageChanged reports whether the limiter store must be rebuilt.
func storageChanged(a, b config.RateLimitingConfig) bool {
	return a.Storage != b.Storage || a.Redis != b.Redis
}

// buildDataEngine wraps the snapshot indirection in a gin engine, so
// the data plane carries the same outer shell as the ops listener.
func (g *Gateway) buildDataEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.NoRoute(gin.WrapH(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if snap := g.current.Load(); snap != nil {
			snap.handler.ServeHTTP(w, r)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})))
	return engine
}

// State returns the current gateway state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning reports whether the gateway serves traffic.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Uptime returns the time since the gateway entered Running.
func (g *Gateway) Uptime() time.Duration {
	if g.startTime.IsZero() {
		return 0
	}
	return time.Since(g.startTime)
}

// Version returns the reported build version.
func (g *Gateway) Version() string {
	return g.version
}

// Config returns the configuration behind the current snapshot.
func (g *Gateway) Config() *config.Config {
	if snap := g.current.Load(); snap != nil {
		return snap.cfg
	}
	return g.bootCfg
}

// DataAddr returns the bound data-plane address, or "" before Start.
func (g *Gateway) DataAddr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dataListener == nil {
		return ""
	}
	return g.dataListener.Addr()
}

// OpsAddr returns the bound operational address, or "" when the ops
// listener is disabled or not started.
func (g *Gateway) OpsAddr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.opsListener == nil {
		return ""
	}
	return g.opsListener.Addr()
}

// joinHostPort renders a listen address, leaving the host empty to
// bind every interface.
func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
