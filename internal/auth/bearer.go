package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/util"
)

// jwksMinRefresh bounds how often the key set is refetched regardless
// of the document's cache headers.
const jwksMinRefresh = 15 * time.Minute

// bearerValidator verifies JWT bearer tokens against the shared secret
// or, when a JWKS URL is configured, a cached remote key set.
type bearerValidator struct {
	secret   []byte
	keys     jwk.Set
	issuer   string
	audience []string
	skew     time.Duration
}

// newBearerValidator builds the validator. Secret references in cfg
// must already be resolved; ctx bounds the initial JWKS fetch and the
// cache's background refresh.
func newBearerValidator(ctx context.Context, cfg config.JWTConfig) (*bearerValidator, error) {
	v := &bearerValidator{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		skew:     cfg.ClockSkew(),
	}

	if cfg.JWKSURL != "" {
		cache := jwk.NewCache(ctx)
		if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(jwksMinRefresh)); err != nil {
			return nil, fmt.Errorf("registering jwks url: %w", err)
		}
		if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
			return nil, fmt.Errorf("fetching jwks: %w", err)
		}
		v.keys = jwk.NewCachedSet(cache, cfg.JWKSURL)
		return v, nil
	}

	if cfg.Secret == "" {
		return nil, errors.New("bearer validation needs a secret or a jwks url")
	}
	v.secret = []byte(cfg.Secret)
	return v, nil
}

// validate parses and verifies a compact serialized token.
func (v *bearerValidator) validate(ctx context.Context, token string) (*Identity, error) {
	opts := []jwt.ParseOption{
		jwt.WithContext(ctx),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.skew),
	}
	if v.keys != nil {
		opts = append(opts, jwt.WithKeySet(v.keys, jws.WithInferAlgorithmFromKey(true)))
	} else {
		opts = append(opts, jwt.WithKey(jwa.HS256, v.secret))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if len(v.audience) > 0 {
		opts = append(opts, jwt.WithValidator(audienceValidator(v.audience)))
	}

	tok, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, fmt.Errorf("bearer token expired: %w", util.ErrTokenExpired)
		}
		return nil, fmt.Errorf("invalid bearer token: %w", util.ErrUnauthorized)
	}

	return &Identity{
		Subject:   tok.Subject(),
		Method:    MethodBearer,
		Issuer:    tok.Issuer(),
		ExpiresAt: tok.Expiration(),
		Claims:    tok.PrivateClaims(),
	}, nil
}

// audienceValidator accepts tokens whose aud claim contains any one of
// the configured audiences.
func audienceValidator(accepted []string) jwt.ValidatorFunc {
	return func(_ context.Context, tok jwt.Token) jwt.ValidationError {
		for _, want := range accepted {
			for _, got := range tok.Audience() {
				if got == want {
					return nil
				}
			}
		}
		return jwt.NewValidationError(errors.New("audience not accepted"))
	}
}
