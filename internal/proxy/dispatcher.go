// Package proxy carries matched requests to upstream endpoints. The
// dispatcher walks each request through route matching, authorization,
// admission, the backend's breaker and balancer; the forwarder then
// performs the round trip. Every terminal failure maps onto exactly one
// entry of the error taxonomy.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gantrygw/gantry/internal/auth"
	"github.com/gantrygw/gantry/internal/backend"
	"github.com/gantrygw/gantry/internal/circuitbreaker"
	"github.com/gantrygw/gantry/internal/observability"
	"github.com/gantrygw/gantry/internal/ratelimit"
	"github.com/gantrygw/gantry/internal/router"
	"github.com/gantrygw/gantry/internal/util"
)

// DispatcherConfig collects the pipeline stages behind one dispatcher.
// Table, Backends and Forwarder are required; the rest may be nil, and
// the corresponding stage admits everything.
type DispatcherConfig struct {
	Table     *router.Table
	Backends  *backend.Registry
	Breakers  *circuitbreaker.Registry
	Enforcer  *auth.Enforcer
	Admission *ratelimit.Admission
	Forwarder *Forwarder
}

// Dispatcher is the end of the middleware chain: everything before it
// is request plumbing, everything after it is upstream I/O.
type Dispatcher struct {
	table     *router.Table
	backends  *backend.Registry
	breakers  *circuitbreaker.Registry
	enforcer  *auth.Enforcer
	admission *ratelimit.Admission
	forwarder *Forwarder
	metrics   *observability.Metrics
	logger    observability.Logger
}

// Option is a functional option for configuring a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics sink for admission rejections.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// NewDispatcher creates a dispatcher over the given pipeline stages.
func NewDispatcher(cfg DispatcherConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		table:     cfg.Table,
		backends:  cfg.Backends,
		breakers:  cfg.Breakers,
		enforcer:  cfg.Enforcer,
		admission: cfg.Admission,
		forwarder: cfg.Forwarder,
		logger:    observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.forwarder == nil {
		d.forwarder = NewForwarder()
	}

	return d
}

// ServeHTTP implements http.Handler. Stages run in a fixed order, and
// the first stage to refuse the request terminates it; only requests
// that clear them all reach an upstream.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, err := d.table.MatchRequest(r)
	if err != nil {
		d.reject(w, r, err)
		return
	}
	util.SetRoute(r.Context(), route.Pattern)
	util.SetBackend(r.Context(), route.Backend)

	identity, err := d.authorize(r, route)
	if err != nil {
		d.reject(w, r, err)
		return
	}
	r = r.WithContext(auth.ContextWithIdentity(r.Context(), identity))

	if err := d.admit(r, route, identity); err != nil {
		d.reject(w, r, err)
		return
	}

	d.dispatch(w, r, route)
}

// authorize resolves the caller identity. Without an enforcer every
// caller is anonymous, auth_required routes included.
func (d *Dispatcher) authorize(r *http.Request, route *router.Route) (*auth.Identity, error) {
	if d.enforcer == nil {
		return auth.Anonymous(), nil
	}
	return d.enforcer.Authorize(r, route.AuthRequired)
}

// admit charges the request against the global bucket and, when the
// route carries its own limit, the route bucket. Store errors admit
// the request: a broken limiter store must not take down traffic.
func (d *Dispatcher) admit(r *http.Request, route *router.Route, identity *auth.Identity) error {
	if d.admission == nil {
		return nil
	}

	subject := ""
	if identity != nil && !identity.IsAnonymous() {
		subject = identity.Subject
	}
	principal := d.admission.Principal(subject, util.ClientIPFromContext(r.Context()))

	decision, err := d.admission.Admit(r.Context(), route.Pattern, route.RateLimit, principal)
	if err != nil {
		d.logger.Error("admission check failed, admitting request",
			observability.String("route", route.Pattern),
			observability.Err(err),
		)
		return nil
	}
	if decision.Allowed {
		return nil
	}

	if d.metrics != nil {
		d.metrics.RecordRateLimitRejection(decision.Scope, route.Pattern)
	}

	limitErr := &util.RateLimitError{Scope: decision.Scope}
	if decision.Result != nil {
		limitErr.Limit = decision.Result.Limit
		limitErr.RetryAfter = decision.Result.RetryAfter
	}
	return limitErr
}

// dispatch runs the balancer and the round trip under the backend's
// breaker. Selection happens inside the breaker, so an open breaker
// rejects before any endpoint is consulted, and in-flight accounting
// brackets the whole forward so least_connections sees slow endpoints.
func (d *Dispatcher) dispatch(w http.ResponseWriter, r *http.Request, route *router.Route) {
	pool, ok := d.backends.Get(route.Backend)
	if !ok {
		// Validation rejects configs whose routes name unknown
		// backends, so this is a programming error.
		d.reject(w, r, fmt.Errorf("backend %q not in registry", route.Backend))
		return
	}

	call := func() error {
		endpoint, err := pool.Select(route.Strategy)
		if err != nil {
			return err
		}
		endpoint.Acquire()
		defer endpoint.Release()
		return d.forwarder.Forward(w, r, pool.Name(), endpoint, route.Timeout)
	}

	var err error
	var breaker *circuitbreaker.Breaker
	if d.breakers != nil {
		breaker = d.breakers.GetOrCreate(route.Backend, pool.CircuitBreaker())
	}
	if breaker != nil {
		err = breaker.Execute(call)
	} else {
		err = call()
	}
	if err == nil {
		return
	}

	var serverErr *util.ServerError
	switch {
	case errors.As(err, &serverErr):
		// The 5xx already streamed to the client; the error only fed
		// the breaker.
		d.logger.Debug("upstream returned server error",
			observability.String("backend", route.Backend),
			observability.Int("status", serverErr.StatusCode),
		)
	case errors.Is(err, context.Canceled):
		d.logger.Debug("client abandoned request",
			observability.String("route", route.Pattern),
		)
	default:
		d.reject(w, r, err)
	}
}

// reject terminates the request with the taxonomy response for err.
func (d *Dispatcher) reject(w http.ResponseWriter, r *http.Request, err error) {
	status, code := util.Classify(err)

	fields := []observability.Field{
		observability.String("method", r.Method),
		observability.String("path", r.URL.Path),
		observability.String("code", code),
		observability.Int("status", status),
		observability.Err(err),
	}
	if status >= http.StatusInternalServerError {
		d.logger.Warn("request rejected", fields...)
	} else {
		d.logger.Debug("request rejected", fields...)
	}

	util.WriteError(w, r, err)
}
