// Package config defines the gateway configuration document, its
// defaults and validation, and the hot-reload watcher. A document that
// fails validation is never served; reloads keep the last valid one.
package config

import (
	"time"
)

// Load-balancing strategy names accepted in route configuration.
const (
	StrategyRoundRobin         = "round_robin"
	StrategyLeastConnections   = "least_connections"
	StrategyRandom             = "random"
	StrategyWeightedRoundRobin = "weighted_round_robin"
)

// Rate-limit storage backends.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Rate-limit key strategies.
const (
	KeyByClient = "client"
	KeyByIP     = "ip"
	KeyByRoute  = "route"
)

// Config is the root configuration document.
type Config struct {
	Server       ServerConfig             `yaml:"server"`
	Routes       []RouteConfig            `yaml:"routes"`
	Backends     map[string]BackendConfig `yaml:"backends"`
	RateLimiting RateLimitingConfig       `yaml:"rate_limiting"`
	Auth         AuthConfig               `yaml:"auth"`
	Logging      LoggingConfig            `yaml:"logging"`
	Metrics      MetricsConfig            `yaml:"metrics"`
	Tracing      TracingConfig            `yaml:"tracing"`
}

// ServerConfig configures the data-plane listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// TrustedProxies lists CIDR ranges whose forwarding headers are
	// honored when resolving client IPs.
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// RouteConfig is one route entry. Path patterns ending in "*" match by
// prefix; all other patterns match exactly. An empty method matches
// all methods.
type RouteConfig struct {
	Path          string `yaml:"path"`
	Method        string `yaml:"method,omitempty"`
	Backend       string `yaml:"backend"`
	LoadBalancing string `yaml:"load_balancing,omitempty"`

	// RateLimit is the per-route requests-per-minute limit. Zero means
	// the route has no route-scoped limit.
	RateLimit    int  `yaml:"rate_limit,omitempty"`
	AuthRequired bool `yaml:"auth_required,omitempty"`
	TimeoutMs    int  `yaml:"timeout_ms,omitempty"`
}

// Timeout returns the per-route upstream timeout.
func (r RouteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// BackendConfig is one named backend pool.
type BackendConfig struct {
	Servers []string `yaml:"servers"`

	// Weights are per-server weights for weighted_round_robin. When
	// absent every server weighs 1.
	Weights        []int                `yaml:"weights,omitempty"`
	HealthCheck    HealthCheckConfig    `yaml:"health_check"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// HealthCheckConfig configures active probing of one backend's
// endpoints.
type HealthCheckConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Path               string `yaml:"path,omitempty"`
	IntervalSeconds    int    `yaml:"interval_seconds,omitempty"`
	TimeoutSeconds     int    `yaml:"timeout_seconds,omitempty"`
	HealthyThreshold   int    `yaml:"healthy_threshold,omitempty"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold,omitempty"`
}

// Interval returns the probe interval.
func (h HealthCheckConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// Timeout returns the probe timeout.
func (h HealthCheckConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// CircuitBreakerConfig configures the per-backend breaker.
type CircuitBreakerConfig struct {
	Enabled                bool `yaml:"enabled"`
	FailureThreshold       int  `yaml:"failure_threshold,omitempty"`
	RecoveryTimeoutSeconds int  `yaml:"recovery_timeout_seconds,omitempty"`
}

// RecoveryTimeout returns how long an open breaker waits before
// admitting a probe.
func (c CircuitBreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

// RateLimitingConfig configures the global limiter and the store
// shared by all rate-limit scopes.
type RateLimitingConfig struct {
	Enabled bool `yaml:"enabled"`

	// DefaultRequestsPerMinute is the global per-client refill rate.
	DefaultRequestsPerMinute int `yaml:"default_requests_per_minute,omitempty"`

	// BurstSize is the bucket capacity for every scope.
	BurstSize int `yaml:"burst_size,omitempty"`

	// KeyBy selects the admission key: "client" (authenticated subject,
	// else client IP), "ip", or "route".
	KeyBy   string      `yaml:"key_by,omitempty"`
	Storage string      `yaml:"storage,omitempty"`
	Redis   RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig configures the distributed limiter store.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// AuthConfig configures the auth enforcer.
type AuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	APIKeyHeader string         `yaml:"api_key_header,omitempty"`
	APIKeys      []APIKeyConfig `yaml:"api_keys,omitempty"`
	JWT          JWTConfig      `yaml:"jwt,omitempty"`
	BypassPaths  []string       `yaml:"bypass_paths,omitempty"`
}

// APIKeyConfig is one accepted API key. Key holds the literal value or
// a secret reference; Hash holds a bcrypt hash as an alternative to
// storing the key itself.
type APIKeyConfig struct {
	Key     string `yaml:"key,omitempty"`
	Hash    string `yaml:"hash,omitempty"`
	Subject string `yaml:"subject"`
}

// JWTConfig configures bearer token verification. Secret may be a
// literal or a secret reference (env://, file://, vault://). JWKSURL
// switches verification to fetched asymmetric keys.
type JWTConfig struct {
	Secret           string   `yaml:"secret,omitempty"`
	JWKSURL          string   `yaml:"jwks_url,omitempty"`
	Issuer           string   `yaml:"issuer,omitempty"`
	Audience         []string `yaml:"audience,omitempty"`
	ClockSkewSeconds int      `yaml:"clock_skew_seconds,omitempty"`
}

// ClockSkew returns the allowed validation skew.
func (j JWTConfig) ClockSkew() time.Duration {
	return time.Duration(j.ClockSkewSeconds) * time.Second
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// MetricsConfig configures the operational listener.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port,omitempty"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`
}
