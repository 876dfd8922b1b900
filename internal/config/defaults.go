package config

// Defaults applied to absent fields before validation. Thresholds and
// intervals follow the sample document shipped in configs/.
const (
	DefaultServerHost = "0.0.0.0"
	DefaultServerPort = 8080

	DefaultRouteTimeoutMs = 10000
	DefaultStrategy       = StrategyRoundRobin

	DefaultHealthPath         = "/health"
	DefaultHealthInterval     = 10
	DefaultHealthTimeout      = 2
	DefaultHealthyThreshold   = 2
	DefaultUnhealthyThreshold = 3

	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30

	DefaultRequestsPerMinute = 600
	DefaultBurstSize         = 10
	DefaultKeyBy             = KeyByClient
	DefaultStorage           = StorageMemory

	DefaultAPIKeyHeader = "X-API-Key"

	DefaultMetricsPort = 9090

	DefaultSamplingRate = 0.1
)

// DefaultConfig returns a runnable configuration with no routes.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills absent fields in place. It runs before
// validation so a minimal document is complete by the time the
// fail-closed checks see it.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultServerHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultServerPort
	}

	for i := range cfg.Routes {
		route := &cfg.Routes[i]
		if route.LoadBalancing == "" {
			route.LoadBalancing = DefaultStrategy
		}
		if route.TimeoutMs == 0 {
			route.TimeoutMs = DefaultRouteTimeoutMs
		}
	}

	for name, backend := range cfg.Backends {
		hc := &backend.HealthCheck
		if hc.Path == "" {
			hc.Path = DefaultHealthPath
		}
		if hc.IntervalSeconds == 0 {
			hc.IntervalSeconds = DefaultHealthInterval
		}
		if hc.TimeoutSeconds == 0 {
			hc.TimeoutSeconds = DefaultHealthTimeout
		}
		if hc.HealthyThreshold == 0 {
			hc.HealthyThreshold = DefaultHealthyThreshold
		}
		if hc.UnhealthyThreshold == 0 {
			hc.UnhealthyThreshold = DefaultUnhealthyThreshold
		}

		cb := &backend.CircuitBreaker
		if cb.FailureThreshold == 0 {
			cb.FailureThreshold = DefaultFailureThreshold
		}
		if cb.RecoveryTimeoutSeconds == 0 {
			cb.RecoveryTimeoutSeconds = DefaultRecoveryTimeout
		}

		cfg.Backends[name] = backend
	}

	rl := &cfg.RateLimiting
	if rl.DefaultRequestsPerMinute == 0 {
		rl.DefaultRequestsPerMinute = DefaultRequestsPerMinute
	}
	if rl.BurstSize == 0 {
		rl.BurstSize = DefaultBurstSize
	}
	if rl.KeyBy == "" {
		rl.KeyBy = DefaultKeyBy
	}
	if rl.Storage == "" {
		rl.Storage = DefaultStorage
	}

	if cfg.Auth.APIKeyHeader == "" {
		cfg.Auth.APIKeyHeader = DefaultAPIKeyHeader
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = DefaultMetricsPort
	}

	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = DefaultSamplingRate
	}
}
