package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/observability"
)

var _ Limiter = (*RedisLimiter)(nil)

// keyPrefix namespaces limiter keys so the gateway can share a Redis
// database with other users.
const keyPrefix = "gantry:ratelimit:"

// tokenBucketScript refills and deducts in one atomic round trip, so
// concurrent gateway instances cannot double-spend a token between a
// read and a write.
//
// KEYS[1] bucket key
// ARGV[1] refill rate in tokens per second
// ARGV[2] burst capacity
// ARGV[3] now in unix milliseconds
// ARGV[4] tokens requested
//
// Returns {allowed, remaining, retry_after_ms, reset_after_ms}.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local data = redis.call('HMGET', key, 'tokens', 'last_update')
	local tokens = tonumber(data[1])
	local last_update = tonumber(data[2])

	if tokens == nil then
		tokens = burst
		last_update = now
	end

	local elapsed = (now - last_update) / 1000.0
	if elapsed < 0 then
		elapsed = 0
	end
	tokens = math.min(burst, tokens + (elapsed * rate))

	local allowed = 0
	local retry_ms = 0
	if tokens >= requested then
		tokens = tokens - requested
		allowed = 1
	else
		retry_ms = math.ceil((requested - tokens) / rate * 1000)
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_update', now)
	redis.call('EXPIRE', key, math.ceil(burst / rate) + 60)

	local reset_ms = math.ceil((burst - tokens) / rate * 1000)

	return {allowed, math.floor(tokens), retry_ms, reset_ms}
`)

// RedisLimiter keeps buckets in Redis so all gateway instances spend
// from the same budget. A Redis failure fails open: the request is
// admitted and the error logged, because a broken limiter store must
// not take down traffic that the upstreams could serve.
type RedisLimiter struct {
	client *redis.Client
	logger observability.Logger
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithRedisLogger sets the limiter's logger.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(l *RedisLimiter) {
		l.logger = logger
	}
}

// NewRedisLimiter connects to the configured Redis instance.
func NewRedisLimiter(cfg config.RedisConfig, opts ...RedisOption) *RedisLimiter {
	l := &RedisLimiter{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Allow runs the bucket script for the key.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit Limit) (*Result, error) {
	now := time.Now().UnixMilli()

	raw, err := tokenBucketScript.Run(ctx, l.client,
		[]string{keyPrefix + key},
		limit.ratePerSecond(), limit.Burst, now, 1,
	).Result()
	if err != nil {
		l.logger.Warn("rate limit store unavailable, admitting request",
			observability.String("key", key),
			observability.Err(err),
		)
		return &Result{Allowed: true, Limit: limit.RequestsPerMinute}, nil
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 4 {
		l.logger.Warn("unexpected rate limit script reply, admitting request",
			observability.String("key", key),
			observability.Any("reply", raw),
		)
		return &Result{Allowed: true, Limit: limit.RequestsPerMinute}, nil
	}

	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	retryMs, _ := values[2].(int64)
	resetMs, _ := values[3].(int64)

	return &Result{
		Allowed:    allowed == 1,
		Limit:      limit.RequestsPerMinute,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
		ResetAfter: time.Duration(resetMs) * time.Millisecond,
	}, nil
}

// Ping verifies the Redis connection.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
