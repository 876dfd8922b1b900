package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/secrets"
)

// Operational health statuses.
const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
	statusStopped  = "stopped"
)

const redactedValue = "[redacted]"

// healthReport is the body of the /health endpoint.
type healthReport struct {
	Status   string                   `json:"status"`
	State    string                   `json:"state"`
	Version  string                   `json:"version,omitempty"`
	Uptime   string                   `json:"uptime"`
	Backends map[string]backendHealth `json:"backends,omitempty"`
}

type backendHealth struct {
	Healthy int `json:"healthy"`
	Total   int `json:"total"`
}

type routeView struct {
	Pattern      string `json:"pattern"`
	Method       string `json:"method,omitempty"`
	Backend      string `json:"backend"`
	Strategy     string `json:"strategy,omitempty"`
	RateLimit    int    `json:"rate_limit,omitempty"`
	AuthRequired bool   `json:"auth_required,omitempty"`
	TimeoutMs    int64  `json:"timeout_ms,omitempty"`
}

type endpointView struct {
	URL      string `json:"url"`
	Healthy  bool   `json:"healthy"`
	Weight   int    `json:"weight"`
	InFlight int64  `json:"in_flight"`
}

type backendView struct {
	Name         string         `json:"name"`
	HealthyCount int            `json:"healthy_count"`
	Breaker      string         `json:"breaker,omitempty"`
	Endpoints    []endpointView `json:"endpoints"`
}

// buildOpsEngine assembles the operational surface: probes, metrics and
// the read-only admin view of the running snapshot.
func (g *Gateway) buildOpsEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", g.handleHealth)
	engine.GET("/ready", g.handleReady)
	engine.GET("/live", g.handleLive)
	if g.metrics != nil {
		engine.GET("/metrics", gin.WrapH(g.metrics.Handler()))
	}

	admin := engine.Group("/admin")
	admin.GET("/config", g.handleAdminConfig)
	admin.GET("/routes", g.handleAdminRoutes)
	admin.GET("/backends", g.handleAdminBackends)

	return engine
}

// handleHealth reports gateway-level health. A backend with an empty
// rotation degrades the report without failing it: other backends are
// still served.
func (g *Gateway) handleHealth(c *gin.Context) {
	report := healthReport{
		Status:  statusHealthy,
		State:   g.State().String(),
		Version: g.version,
		Uptime:  g.Uptime().Round(time.Second).String(),
	}

	if !g.IsRunning() {
		report.Status = statusStopped
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}

	if snap := g.current.Load(); snap != nil {
		report.Backends = make(map[string]backendHealth, snap.backends.Len())
		for _, pool := range snap.backends.All() {
			healthy := pool.HealthyCount()
			report.Backends[pool.Name()] = backendHealth{
				Healthy: healthy,
				Total:   len(pool.Endpoints()),
			}
			if healthy == 0 && len(pool.Endpoints()) > 0 {
				report.Status = statusDegraded
			}
		}
	}

	c.JSON(http.StatusOK, report)
}

// handleReady gates traffic admission during startup and shutdown.
func (g *Gateway) handleReady(c *gin.Context) {
	if !g.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "state": g.State().String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// handleLive answers as long as the process does.
func (g *Gateway) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// handleAdminConfig renders the active configuration with credential
// material blanked. Secret references stay visible: they are pointers,
// not secrets.
func (g *Gateway) handleAdminConfig(c *gin.Context) {
	snap := g.current.Load()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no configuration loaded"})
		return
	}
	c.YAML(http.StatusOK, redactConfig(snap.cfg))
}

// handleAdminRoutes lists the compiled routes in matching precedence.
func (g *Gateway) handleAdminRoutes(c *gin.Context) {
	snap := g.current.Load()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no configuration loaded"})
		return
	}

	routes := snap.table.Routes()
	views := make([]routeView, 0, len(routes))
	for _, route := range routes {
		views = append(views, routeView{
			Pattern:      route.Pattern,
			Method:       route.Method,
			Backend:      route.Backend,
			Strategy:     route.Strategy,
			RateLimit:    route.RateLimit,
			AuthRequired: route.AuthRequired,
			TimeoutMs:    route.Timeout.Milliseconds(),
		})
	}
	c.JSON(http.StatusOK, views)
}

// handleAdminBackends reports pool membership, rotation state and
// breaker state per backend.
func (g *Gateway) handleAdminBackends(c *gin.Context) {
	snap := g.current.Load()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no configuration loaded"})
		return
	}

	pools := snap.backends.All()
	views := make([]backendView, 0, len(pools))
	for _, pool := range pools {
		view := backendView{
			Name:         pool.Name(),
			HealthyCount: pool.HealthyCount(),
			Endpoints:    make([]endpointView, 0, len(pool.Endpoints())),
		}
		if breaker := g.breakers.Get(pool.Name()); breaker != nil {
			view.Breaker = breaker.State().String()
		}
		for _, endpoint := range pool.Endpoints() {
			view.Endpoints = append(view.Endpoints, endpointView{
				URL:      endpoint.String(),
				Healthy:  endpoint.Healthy(),
				Weight:   endpoint.Weight(),
				InFlight: endpoint.InFlight(),
			})
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, views)
}

// redactConfig blanks credential values before the config leaves the
// process.
func redactConfig(cfg *config.Config) *config.Config {
	redacted := *cfg

	authCfg := redacted.Auth
	if len(authCfg.APIKeys) > 0 {
		keys := make([]config.APIKeyConfig, len(authCfg.APIKeys))
		copy(keys, authCfg.APIKeys)
		for i := range keys {
			if keys[i].Key != "" && !secrets.IsRef(keys[i].Key) {
				keys[i].Key = redactedValue
			}
			if keys[i].Hash != "" {
				keys[i].Hash = redactedValue
			}
		}
		authCfg.APIKeys = keys
	}
	if authCfg.JWT.Secret != "" && !secrets.IsRef(authCfg.JWT.Secret) {
		authCfg.JWT.Secret = redactedValue
	}
	redacted.Auth = authCfg

	if redacted.RateLimiting.Redis.Password != "" && !secrets.IsRef(redacted.RateLimiting.Redis.Password) {
		redacted.RateLimiting.Redis.Password = redactedValue
	}

	return &redacted
}
