// Package backend holds the upstream pools the gateway dispatches to:
// parsed endpoints with health state and in-flight accounting, and the
// load balancing strategies that pick among them.
package backend

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
)

// Endpoint is a single upstream server. Health and in-flight state are
// atomics so the balancer, the health checker, and the proxy touch them
// without a shared lock.
type Endpoint struct {
	url    *url.URL
	weight int

	healthy  atomic.Bool
	inflight atomic.Int64
}

// NewEndpoint parses the server URL. Endpoints start healthy and stay
// in rotation until the health checker demotes them, so a cold start
// serves immediately instead of waiting out the first probe round.
func NewEndpoint(rawURL string, weight int) (*Endpoint, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q: scheme must be http or https", rawURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("endpoint %q: missing host", rawURL)
	}

	if weight <= 0 {
		weight = 1
	}

	e := &Endpoint{url: parsed, weight: weight}
	e.healthy.Store(true)
	return e, nil
}

// URL returns the parsed endpoint URL. Callers must not mutate it.
func (e *Endpoint) URL() *url.URL {
	return e.url
}

// String returns the endpoint URL in its configured form.
func (e *Endpoint) String() string {
	return e.url.String()
}

// Weight returns the configured balancing weight (at least 1).
func (e *Endpoint) Weight() int {
	return e.weight
}

// Healthy reports whether the endpoint is in rotation.
func (e *Endpoint) Healthy() bool {
	return e.healthy.Load()
}

// SetHealthy moves the endpoint in or out of rotation and reports
// whether the state actually changed.
func (e *Endpoint) SetHealthy(healthy bool) bool {
	return e.healthy.Swap(healthy) != healthy
}

// Acquire records an in-flight request.
func (e *Endpoint) Acquire() {
	e.inflight.Add(1)
}

// Release ends an in-flight request. It must be paired with Acquire on
// every path, including timeouts and transport failures.
func (e *Endpoint) Release() {
	e.inflight.Add(-1)
}

// InFlight returns the number of requests currently against this
// endpoint.
func (e *Endpoint) InFlight() int64 {
	return e.inflight.Load()
}

// ProbeURL joins the health check path onto the endpoint base URL.
func (e *Endpoint) ProbeURL(path string) string {
	base := strings.TrimSuffix(e.url.String(), "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
