// Package ratelimit admits or rejects requests against token buckets.
// Buckets refill continuously at the configured per-minute rate and cap
// at the burst size; a bucket lives either in process memory or in
// Redis, so several gateway instances can share one budget.
package ratelimit

import (
	"context"
	"io"
	"time"

	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/observability"
)

// Limit describes one bucket: the sustained refill rate and its
// capacity.
type Limit struct {
	RequestsPerMinute int
	Burst             int
}

// ratePerSecond converts the per-minute limit to the refill rate.
func (l Limit) ratePerSecond() float64 {
	return float64(l.RequestsPerMinute) / 60.0
}

// Result is the outcome of one admission check.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Limit echoes the bucket's requests-per-minute setting.
	Limit int

	// Remaining is the number of whole tokens left after this check.
	Remaining int

	// RetryAfter is how long until a token becomes available. Zero
	// when the request was allowed.
	RetryAfter time.Duration

	// ResetAfter is how long until the bucket is full again.
	ResetAfter time.Duration
}

// Limiter checks one key against one bucket. Implementations must be
// safe for concurrent use; Close releases background resources.
type Limiter interface {
	Allow(ctx context.Context, key string, limit Limit) (*Result, error)
	io.Closer
}

// New builds the limiter store named by the configuration.
func New(cfg config.RateLimitingConfig, logger observability.Logger) Limiter {
	if cfg.Storage == config.StorageRedis {
		return NewRedisLimiter(cfg.Redis, WithRedisLogger(logger))
	}
	return NewLocalLimiter()
}
