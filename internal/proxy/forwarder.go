package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gantrygw/gantry/internal/auth"
	"github.com/gantrygw/gantry/internal/backend"
	"github.com/gantrygw/gantry/internal/observability"
	"github.com/gantrygw/gantry/internal/util"
)

// hopHeaders are connection-scoped and stripped before forwarding.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// subjectHeader carries the authenticated subject to the backend. It is
// set by the gateway alone; inbound values are dropped.
const subjectHeader = "X-Auth-Subject"

// Forwarder performs the upstream round trip for dispatched requests:
// plain HTTP through httputil.ReverseProxy, websocket upgrades through
// a bidirectional relay. One shared transport pools connections across
// all backends.
type Forwarder struct {
	transport     http.RoundTripper
	flushInterval time.Duration
	logger        observability.Logger
	ws            *websocketRelay
}

// ForwarderOption is a functional option for configuring a Forwarder.
type ForwarderOption func(*Forwarder)

// WithForwarderLogger sets the forwarder's logger.
func WithForwarderLogger(logger observability.Logger) ForwarderOption {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithTransport replaces the default upstream transport.
func WithTransport(transport http.RoundTripper) ForwarderOption {
	return func(f *Forwarder) {
		f.transport = transport
	}
}

// WithFlushInterval sets the response flush interval. The default of -1
// flushes immediately, so streaming responses are not buffered.
func WithFlushInterval(interval time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		f.flushInterval = interval
	}
}

// NewForwarder creates a forwarder with a pooled transport.
func NewForwarder(opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		transport:     defaultTransport(),
		flushInterval: -1,
		logger:        observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(f)
	}

	f.ws = &websocketRelay{logger: f.logger, transport: f.transport}
	return f
}

// defaultTransport mirrors http.DefaultTransport with a larger per-host
// idle pool, since every upstream call in the process shares this one
// transport.
func defaultTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Forward proxies the request to the endpoint and reports how the round
// trip went. The upstream response streams to the client unchanged, 5xx
// included; a ServerError return then tells the caller the backend
// answered but is failing. Transport errors and timeouts return before
// anything is written, so the caller still owns the response.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, backendName string, endpoint *backend.Endpoint, timeout time.Duration) error {
	if websocket.IsWebSocketUpgrade(r) {
		return f.ws.forward(w, r, backendName, endpoint, timeout)
	}

	ctx := r.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	var transportErr error
	var upstreamStatus int

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			f.director(req, endpoint.URL(), r)
		},
		Transport:     f.transport,
		FlushInterval: f.flushInterval,
		ModifyResponse: func(resp *http.Response) error {
			upstreamStatus = resp.StatusCode
			return nil
		},
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, err error) {
			// Leave the response untouched; the dispatcher writes the
			// error envelope after classification.
			transportErr = err
		},
	}

	proxy.ServeHTTP(w, r)

	switch {
	case transportErr != nil:
		return classify(ctx, backendName, endpoint.String(), timeout, transportErr)
	case upstreamStatus >= http.StatusInternalServerError:
		return util.NewServerError(upstreamStatus)
	default:
		return nil
	}
}

// classify maps a transport failure onto the error taxonomy. The route
// deadline expiring is the upstream's timeout however the transport
// reports it; a canceled context is the client hanging up, which the
// caller ignores.
func classify(ctx context.Context, backendName, endpoint string, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("upstream %s (%s) exceeded %v: %w", backendName, endpoint, timeout, util.ErrUpstreamTimeout)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("upstream %s (%s) timed out: %w", backendName, endpoint, util.ErrUpstreamTimeout)
	}

	return &util.UpstreamError{Backend: backendName, Endpoint: endpoint, Cause: err}
}

// director rewrites the outbound request for the chosen endpoint. The
// inbound path and query pass through; an endpoint base path is joined
// in front.
func (f *Forwarder) director(req *http.Request, target *url.URL, inbound *http.Request) {
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	if target.Path != "" && target.Path != "/" {
		req.URL.Path = singleJoiningSlash(target.Path, req.URL.Path)
	}

	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	if clientIP, _, err := net.SplitHostPort(inbound.RemoteAddr); err == nil {
		if prior := inbound.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		req.Header.Set("X-Forwarded-For", clientIP)
	}

	if inbound.TLS != nil {
		req.Header.Set("X-Forwarded-Proto", "https")
	} else {
		req.Header.Set("X-Forwarded-Proto", "http")
	}

	req.Header.Set("X-Forwarded-Host", inbound.Host)

	if requestID := util.RequestIDFromContext(inbound.Context()); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	req.Header.Del(subjectHeader)
	if identity, ok := auth.IdentityFromContext(inbound.Context()); ok && !identity.IsAnonymous() {
		req.Header.Set(subjectHeader, identity.Subject)
	}

	observability.InjectTraceContext(inbound.Context(), req)

	req.Host = target.Host
}

// singleJoiningSlash joins two path segments with exactly one slash.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
