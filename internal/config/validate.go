package config

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gantrygw/gantry/internal/util"
)

var validStrategies = map[string]bool{
	StrategyRoundRobin:         true,
	StrategyLeastConnections:   true,
	StrategyRandom:             true,
	StrategyWeightedRoundRobin: true,
}

var validMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// Validate runs the fail-closed checks on a complete (defaulted)
// document. The first violation is returned as a ConfigError naming
// the offending field; a document that returns non-nil must never be
// served.
func Validate(cfg *Config) error {
	if cfg == nil {
		return util.NewConfigError("", "configuration is nil")
	}

	if err := validateServer(cfg.Server); err != nil {
		return err
	}
	if err := validateRoutes(cfg); err != nil {
		return err
	}
	if err := validateBackends(cfg.Backends); err != nil {
		return err
	}
	if err := validateRateLimiting(cfg.RateLimiting); err != nil {
		return err
	}
	if err := validateAuth(cfg.Auth); err != nil {
		return err
	}

	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		return util.NewConfigError("tracing.sampling_rate", "must be between 0 and 1")
	}
	if cfg.Metrics.Enabled {
		if err := validatePort("metrics.port", cfg.Metrics.Port); err != nil {
			return err
		}
		if cfg.Metrics.Port == cfg.Server.Port {
			return util.NewConfigError("metrics.port", "must differ from server.port")
		}
	}

	return nil
}

func validateServer(s ServerConfig) error {
	if err := validatePort("server.port", s.Port); err != nil {
		return err
	}
	for i, cidr := range s.TrustedProxies {
		if !strings.Contains(cidr, "/") {
			field := fmt.Sprintf("server.trusted_proxies[%d]", i)
			return util.NewConfigError(field, "must be a CIDR range")
		}
	}
	return nil
}

func validateRoutes(cfg *Config) error {
	seen := make(map[string]int, len(cfg.Routes))

	for i, route := range cfg.Routes {
		field := fmt.Sprintf("routes[%d]", i)

		if err := validatePathPattern(field+".path", route.Path); err != nil {
			return err
		}

		if route.Method != "" && !validMethods[strings.ToUpper(route.Method)] {
			return util.NewConfigError(field+".method", "unknown HTTP method "+route.Method)
		}

		if route.Backend == "" {
			return util.NewConfigError(field+".backend", "is required")
		}
		if _, ok := cfg.Backends[route.Backend]; !ok {
			return util.NewConfigError(field+".backend", "references undefined backend "+route.Backend)
		}

		if !validStrategies[route.LoadBalancing] {
			return util.NewConfigError(field+".load_balancing", "unknown strategy "+route.LoadBalancing)
		}

		if route.RateLimit < 0 {
			return util.NewConfigError(field+".rate_limit", "must not be negative")
		}
		if route.TimeoutMs <= 0 {
			return util.NewConfigError(field+".timeout_ms", "must be positive")
		}

		// A pattern may appear once per method, with the empty method
		// counting as its own entry.
		key := route.Path + "|" + strings.ToUpper(route.Method)
		if prev, dup := seen[key]; dup {
			return util.NewConfigError(field,
				fmt.Sprintf("duplicates routes[%d] (same path and method)", prev))
		}
		seen[key] = i
	}

	return nil
}

func validateBackends(backends map[string]BackendConfig) error {
	for name, backend := range backends {
		field := "backends." + name

		if len(backend.Servers) == 0 {
			return util.NewConfigError(field+".servers", "must list at least one server")
		}
		for i, server := range backend.Servers {
			if err := validateServerURL(fmt.Sprintf("%s.servers[%d]", field, i), server); err != nil {
				return err
			}
		}

		if len(backend.Weights) > 0 {
			if len(backend.Weights) != len(backend.Servers) {
				return util.NewConfigError(field+".weights", "must match the number of servers")
			}
			for i, w := range backend.Weights {
				if w <= 0 {
					return util.NewConfigError(fmt.Sprintf("%s.weights[%d]", field, i), "must be positive")
				}
			}
		}

		if backend.HealthCheck.Enabled {
			hc := backend.HealthCheck
			if !strings.HasPrefix(hc.Path, "/") {
				return util.NewConfigError(field+".health_check.path", "must start with /")
			}
			if hc.IntervalSeconds <= 0 {
				return util.NewConfigError(field+".health_check.interval_seconds", "must be positive")
			}
			if hc.TimeoutSeconds <= 0 {
				return util.NewConfigError(field+".health_check.timeout_seconds", "must be positive")
			}
			if hc.HealthyThreshold <= 0 {
				return util.NewConfigError(field+".health_check.healthy_threshold", "must be positive")
			}
			if hc.UnhealthyThreshold <= 0 {
				return util.NewConfigError(field+".health_check.unhealthy_threshold", "must be positive")
			}
		}

		if backend.CircuitBreaker.Enabled {
			cb := backend.CircuitBreaker
			if cb.FailureThreshold <= 0 {
				return util.NewConfigError(field+".circuit_breaker.failure_threshold", "must be positive")
			}
			if cb.RecoveryTimeoutSeconds <= 0 {
				return util.NewConfigError(field+".circuit_breaker.recovery_timeout_seconds", "must be positive")
			}
		}
	}

	return nil
}

func validateRateLimiting(rl RateLimitingConfig) error {
	if !rl.Enabled {
		return nil
	}

	if rl.DefaultRequestsPerMinute <= 0 {
		return util.NewConfigError("rate_limiting.default_requests_per_minute", "must be positive")
	}
	if rl.BurstSize <= 0 {
		return util.NewConfigError("rate_limiting.burst_size", "must be positive")
	}

	switch rl.KeyBy {
	case KeyByClient, KeyByIP, KeyByRoute:
	default:
		return util.NewConfigError("rate_limiting.key_by", "must be client, ip, or route")
	}

	switch rl.Storage {
	case StorageMemory:
	case StorageRedis:
		if rl.Redis.Address == "" {
			return util.NewConfigError("rate_limiting.redis.address", "is required for redis storage")
		}
	default:
		return util.NewConfigError("rate_limiting.storage", "must be memory or redis")
	}

	return nil
}

func validateAuth(a AuthConfig) error {
	if !a.Enabled {
		return nil
	}

	if a.APIKeyHeader == "" {
		return util.NewConfigError("auth.api_key_header", "is required")
	}

	for i, pattern := range a.BypassPaths {
		field := fmt.Sprintf("auth.bypass_paths[%d]", i)
		if err := validatePathPattern(field, pattern); err != nil {
			return err
		}
	}

	for i, key := range a.APIKeys {
		field := fmt.Sprintf("auth.api_keys[%d]", i)
		if key.Key == "" && key.Hash == "" {
			return util.NewConfigError(field, "needs key or hash")
		}
		if key.Key != "" && key.Hash != "" {
			return util.NewConfigError(field, "key and hash are mutually exclusive")
		}
		if key.Subject == "" {
			return util.NewConfigError(field+".subject", "is required")
		}
	}

	if a.JWT.ClockSkewSeconds < 0 {
		return util.NewConfigError("auth.jwt.clock_skew_seconds", "must not be negative")
	}

	return nil
}

// validatePathPattern accepts absolute paths with at most one wildcard,
// which must be the trailing character.
func validatePathPattern(field, pattern string) error {
	if pattern == "" {
		return util.NewConfigError(field, "is required")
	}
	if !strings.HasPrefix(pattern, "/") {
		return util.NewConfigError(field, "must start with /")
	}
	if i := strings.Index(pattern, "*"); i >= 0 && i != len(pattern)-1 {
		return util.NewConfigError(field, "wildcard is only valid as the trailing character")
	}
	if strings.Count(pattern, "*") > 1 {
		return util.NewConfigError(field, "at most one wildcard is allowed")
	}
	return nil
}

func validateServerURL(field, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return util.NewConfigErrorWithCause(field, "invalid URL", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return util.NewConfigError(field, "scheme must be http or https")
	}
	if parsed.Host == "" {
		return util.NewConfigError(field, "must include a host")
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return util.NewConfigError(field, "must be between 1 and 65535")
	}
	return nil
}
