// Package helpers provides common utilities for gantry integration
// tests: disposable upstreams with request counters and a gateway
// runner bound to ephemeral ports.
package helpers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/gateway"
)

// Upstream is a disposable backend. Data requests and health probes are
// counted separately so tests can assert on traffic without the probe
// schedule polluting the numbers.
type Upstream struct {
	Server *httptest.Server

	body      string
	dataHits  atomic.Int64
	probeHits atomic.Int64
	failing   atomic.Bool
}

// NewUpstream starts an upstream answering 200 with body on every path
// and wires its shutdown into the test cleanup. Probes hit /health.
func NewUpstream(t *testing.T, body string) *Upstream {
	t.Helper()

	u := &Upstream{body: body}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			u.probeHits.Add(1)
			if u.failing.Load() {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		u.dataHits.Add(1)
		if u.failing.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(u.body))
	}))
	t.Cleanup(u.Server.Close)
	return u
}

// URL returns the upstream base URL.
func (u *Upstream) URL() string {
	return u.Server.URL
}

// DataHits returns the number of proxied requests seen, probes excluded.
func (u *Upstream) DataHits() int64 {
	return u.dataHits.Load()
}

// ProbeHits returns the number of health probes seen.
func (u *Upstream) ProbeHits() int64 {
	return u.probeHits.Load()
}

// SetFailing switches the upstream between healthy and failing. While
// failing, data requests answer 500 and probes answer 503.
func (u *Upstream) SetFailing(failing bool) {
	u.failing.Store(failing)
}

// StartGateway starts a gateway over cfg and stops it on test cleanup.
// cfg should bind port 0 so parallel tests never collide.
func StartGateway(t *testing.T, cfg *config.Config, opts ...gateway.Option) *gateway.Gateway {
	t.Helper()

	gw, err := gateway.New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(func() {
		if gw.IsRunning() {
			_ = gw.Stop(context.Background())
		}
	})
	return gw
}

// Get performs a GET with optional headers and returns status and body.
func Get(t *testing.T, url string, headers map[string]string) (int, string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}
