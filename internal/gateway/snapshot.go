package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gantrygw/gantry/internal/auth"
	"github.com/gantrygw/gantry/internal/backend"
	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/health"
	"github.com/gantrygw/gantry/internal/middleware"
	"github.com/gantrygw/gantry/internal/observability"
	"github.com/gantrygw/gantry/internal/proxy"
	"github.com/gantrygw/gantry/internal/ratelimit"
	"github.com/gantrygw/gantry/internal/router"
	"github.com/gantrygw/gantry/internal/util"
)

// snapshot is one configuration made runnable: the compiled table, the
// endpoint pools, their health manager, and the handler chain ending in
// the dispatcher. Snapshots are immutable; a reload swaps the whole
// thing.
type snapshot struct {
	cfg      *config.Config
	table    *router.Table
	backends *backend.Registry
	health   *health.Manager
	handler  http.Handler
}

// buildSnapshot compiles cfg into a snapshot. cfg keeps its secret
// references for display; resolved carries the materialized values and
// feeds component construction.
func (g *Gateway) buildSnapshot(ctx context.Context, cfg, resolved *config.Config, limiter ratelimit.Limiter) (*snapshot, error) {
	table, err := router.Compile(cfg.Routes)
	if err != nil {
		return nil, err
	}

	registry, err := backend.NewRegistry(cfg.Backends)
	if err != nil {
		return nil, err
	}

	enforcer, err := auth.NewEnforcer(ctx, resolved.Auth, auth.WithLogger(g.logger))
	if err != nil {
		return nil, err
	}

	dispatcherOpts := []proxy.Option{proxy.WithLogger(g.logger)}
	if g.metrics != nil {
		dispatcherOpts = append(dispatcherOpts, proxy.WithMetrics(g.metrics))
	}
	dispatcher := proxy.NewDispatcher(proxy.DispatcherConfig{
		Table:     table,
		Backends:  registry,
		Breakers:  g.breakers,
		Enforcer:  enforcer,
		Admission: ratelimit.NewAdmission(limiter, resolved.RateLimiting),
		Forwarder: g.forwarder,
	}, dispatcherOpts...)

	healthOpts := []health.Option{health.WithLogger(g.logger)}
	if g.metrics != nil {
		healthOpts = append(healthOpts, health.WithStatusCallback(g.metrics.SetBackendUp))
		for _, pool := range registry.All() {
			for _, endpoint := range pool.Endpoints() {
				g.metrics.SetBackendUp(pool.Name(), endpoint.String(), endpoint.Healthy())
			}
		}
	}

	return &snapshot{
		cfg:      cfg,
		table:    table,
		backends: registry,
		health:   health.NewManager(registry, healthOpts...),
		handler:  g.buildChain(cfg, dispatcher),
	}, nil
}

// buildChain assembles the data-plane middleware around the dispatcher.
// Recovery sits outermost; the client IP resolves before logging so log
// lines carry it; measurement sits closest to the dispatcher.
func (g *Gateway) buildChain(cfg *config.Config, dispatcher http.Handler) http.Handler {
	handler := dispatcher
	if g.metrics != nil {
		handler = observability.MetricsMiddleware(g.metrics)(handler)
	}
	if g.tracer != nil {
		handler = observability.TracingMiddleware(g.tracer)(handler)
	}
	handler = middleware.Logging(g.logger)(handler)
	handler = middleware.ClientIP(util.NewClientIPExtractor(cfg.Server.TrustedProxies))(handler)
	handler = middleware.RequestID()(handler)
	handler = middleware.Recovery(g.logger)(handler)
	return handler
}

// resolveSecrets materializes secret references for component
// construction. The returned copy never replaces the stored config, so
// the admin surface keeps showing references instead of values.
func (g *Gateway) resolveSecrets(ctx context.Context, cfg *config.Config) (*config.Config, error) {
	if g.resolver == nil {
		return cfg, nil
	}

	resolved := *cfg

	authCfg := resolved.Auth
	if len(authCfg.APIKeys) > 0 {
		keys := make([]config.APIKeyConfig, len(authCfg.APIKeys))
		copy(keys, authCfg.APIKeys)
		for i := range keys {
			value, err := g.resolver.Resolve(ctx, keys[i].Key)
			if err != nil {
				return nil, fmt.Errorf("auth.api_keys[%d].key: %w", i, err)
			}
			keys[i].Key = value
		}
		authCfg.APIKeys = keys
	}

	secret, err := g.resolver.Resolve(ctx, authCfg.JWT.Secret)
	if err != nil {
		return nil, fmt.Errorf("auth.jwt.secret: %w", err)
	}
	authCfg.JWT.Secret = secret
	resolved.Auth = authCfg

	password, err := g.resolver.Resolve(ctx, resolved.RateLimiting.Redis.Password)
	if err != nil {
		return nil, fmt.Errorf("rate_limiting.redis.password: %w", err)
	}
	resolved.RateLimiting.Redis.Password = password

	return &resolved, nil
}
