package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/observability"
	"github.com/gantrygw/gantry/internal/util"
)

// bypassPattern is a compiled bypass path: an exact literal, or a
// prefix when the configured pattern ended in "*".
type bypassPattern struct {
	literal string
	prefix  bool
}

func (p bypassPattern) matches(path string) bool {
	if p.prefix {
		return strings.HasPrefix(path, p.literal)
	}
	return path == p.literal
}

func compileBypass(patterns []string) []bypassPattern {
	compiled := make([]bypassPattern, 0, len(patterns))
	for _, pattern := range patterns {
		if strings.HasSuffix(pattern, "*") {
			compiled = append(compiled, bypassPattern{
				literal: strings.TrimSuffix(pattern, "*"),
				prefix:  true,
			})
			continue
		}
		compiled = append(compiled, bypassPattern{literal: pattern})
	}
	return compiled
}

// Enforcer resolves the caller identity for every request. A disabled
// enforcer resolves everything to the anonymous identity, including
// routes marked auth_required.
type Enforcer struct {
	enabled bool
	header  string
	bypass  []bypassPattern
	keys    *apiKeyValidator
	bearer  *bearerValidator
	logger  observability.Logger
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithLogger sets the enforcer's logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Enforcer) {
		e.logger = logger
	}
}

// NewEnforcer builds the enforcer for the auth section. Secret
// references in cfg must already be resolved; ctx bounds the JWKS
// cache lifetime when one is configured.
func NewEnforcer(ctx context.Context, cfg config.AuthConfig, opts ...Option) (*Enforcer, error) {
	e := &Enforcer{
		enabled: cfg.Enabled,
		header:  cfg.APIKeyHeader,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !cfg.Enabled {
		return e, nil
	}

	e.bypass = compileBypass(cfg.BypassPaths)
	if len(cfg.APIKeys) > 0 {
		e.keys = newAPIKeyValidator(cfg.APIKeys)
	}
	if cfg.JWT.Secret != "" || cfg.JWT.JWKSURL != "" {
		bearer, err := newBearerValidator(ctx, cfg.JWT)
		if err != nil {
			return nil, err
		}
		e.bearer = bearer
	}

	return e, nil
}

// Authorize resolves the identity for the request. requireAuth refuses
// the anonymous fallback for routes marked auth_required.
func (e *Enforcer) Authorize(r *http.Request, requireAuth bool) (*Identity, error) {
	if !e.enabled {
		return Anonymous(), nil
	}

	for _, pattern := range e.bypass {
		if pattern.matches(r.URL.Path) {
			return Anonymous(), nil
		}
	}

	if presented := r.Header.Get(e.header); presented != "" {
		if e.keys == nil {
			return nil, fmt.Errorf("no api keys configured: %w", util.ErrUnauthorized)
		}
		identity, err := e.keys.validate(presented)
		if err != nil {
			e.logger.Warn("api key rejected",
				observability.String("path", r.URL.Path),
			)
			return nil, err
		}
		return identity, nil
	}

	if token := bearerToken(r); token != "" {
		if e.bearer == nil {
			return nil, fmt.Errorf("bearer tokens not configured: %w", util.ErrUnauthorized)
		}
		identity, err := e.bearer.validate(r.Context(), token)
		if err != nil {
			e.logger.Warn("bearer token rejected",
				observability.String("path", r.URL.Path),
				observability.Err(err),
			)
			return nil, err
		}
		return identity, nil
	}

	if requireAuth {
		return nil, fmt.Errorf("credentials required: %w", util.ErrUnauthorized)
	}
	return Anonymous(), nil
}

// bearerToken pulls the token out of the Authorization header, or
// returns "" when the header is absent or uses another scheme.
func bearerToken(r *http.Request) string {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		return ""
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(raw, prefix) {
		return ""
	}
	return strings.TrimSpace(raw[len(prefix):])
}
