package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracerConfig{ServiceName: "gantry", Enabled: false})
	require.NoError(t, err)

	ctx, span := tracer.StartSpan(context.Background(), "select")
	assert.NotNil(t, ctx)
	span.End()

	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNewTracerEnabledWithoutEndpoint(t *testing.T) {
	// Enabled with no endpoint installs a provider with no exporter,
	// useful for sampling and propagation without shipping spans.
	tracer, err := NewTracer(TracerConfig{
		ServiceName:  "gantry",
		Enabled:      true,
		SamplingRate: 0.5,
	})
	require.NoError(t, err)
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	_, span := tracer.StartSpan(context.Background(), "probe")
	span.End()
}

func TestTracingMiddleware(t *testing.T) {
	tracer, err := NewTracer(TracerConfig{ServiceName: "gantry", Enabled: false})
	require.NoError(t, err)

	var sawRequest bool
	handler := TracingMiddleware(tracer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRequest = true
		w.WriteHeader(http.StatusBadGateway)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, sawRequest)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestInjectTraceContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	InjectTraceContext(context.Background(), req)
	// No active span: nothing to inject, and nothing to panic on.
}
