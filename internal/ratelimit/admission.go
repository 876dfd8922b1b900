package ratelimit

import (
	"context"

	"github.com/gantrygw/gantry/internal/config"
)

// Bucket scopes reported in decisions and in 429 responses.
const (
	ScopeGlobal = "global"
	ScopeRoute  = "route"
)

// Decision is the outcome of admission control for one request.
type Decision struct {
	Allowed bool

	// Scope names the bucket behind Result: the denying bucket for
	// rejected requests, the stricter consulted bucket otherwise.
	Scope string

	// Result is nil when rate limiting is disabled.
	Result *Result
}

// Admission applies the global budget and, where a route carries its
// own budget, the per-route one. Both buckets must admit; either
// denial rejects the request.
type Admission struct {
	limiter Limiter
	cfg     config.RateLimitingConfig
}

// NewAdmission wraps a limiter with the configured budgets.
func NewAdmission(limiter Limiter, cfg config.RateLimitingConfig) *Admission {
	return &Admission{limiter: limiter, cfg: cfg}
}

// Principal derives the bucket owner from the authenticated subject and
// the client address, per the configured key strategy. With the "route"
// strategy every client shares one bucket, so the principal is empty.
func (a *Admission) Principal(subject, clientIP string) string {
	switch a.cfg.KeyBy {
	case config.KeyByIP:
		return clientIP
	case config.KeyByRoute:
		return ""
	default:
		if subject != "" {
			return subject
		}
		return clientIP
	}
}

// Admit spends one token from the global bucket and, when the route has
// its own limit, one from the route bucket. A request denied by the
// route bucket still spends its global token.
func (a *Admission) Admit(ctx context.Context, routePattern string, routeLimit int, principal string) (*Decision, error) {
	if !a.cfg.Enabled {
		return &Decision{Allowed: true}, nil
	}

	global, err := a.limiter.Allow(ctx, ScopeGlobal+"|"+principal, Limit{
		RequestsPerMinute: a.cfg.DefaultRequestsPerMinute,
		Burst:             a.cfg.BurstSize,
	})
	if err != nil {
		return nil, err
	}
	if !global.Allowed {
		return &Decision{Scope: ScopeGlobal, Result: global}, nil
	}

	if routeLimit <= 0 {
		return &Decision{Allowed: true, Scope: ScopeGlobal, Result: global}, nil
	}

	route, err := a.limiter.Allow(ctx, ScopeRoute+"|"+routePattern+"|"+principal, Limit{
		RequestsPerMinute: routeLimit,
		Burst:             a.cfg.BurstSize,
	})
	if err != nil {
		return nil, err
	}
	if !route.Allowed {
		return &Decision{Scope: ScopeRoute, Result: route}, nil
	}

	if route.Remaining <= global.Remaining {
		return &Decision{Allowed: true, Scope: ScopeRoute, Result: route}, nil
	}
	return &Decision{Allowed: true, Scope: ScopeGlobal, Result: global}, nil
}
