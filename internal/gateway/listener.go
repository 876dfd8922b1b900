package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gantrygw/gantry/internal/observability"
)

// Listener runs one HTTP server over a bound TCP socket. The gateway
// keeps two: the data plane and, when metrics are enabled, the
// operational listener.
type Listener struct {
	name    string
	addr    string
	handler http.Handler
	logger  observability.Logger

	server  *http.Server
	ln      net.Listener
	running atomic.Bool
}

// ListenerOption is a functional option for configuring a listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the listener's logger.
func WithListenerLogger(logger observability.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// NewListener creates a listener for addr serving handler.
func NewListener(name, addr string, handler http.Handler, opts ...ListenerOption) *Listener {
	l := &Listener{
		name:    name,
		addr:    addr,
		handler: handler,
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Name returns the listener name.
func (l *Listener) Name() string {
	return l.name
}

// Addr returns the bound address. Before Start, or after a failed one,
// it is the configured address; afterwards it is the actual socket
// address, which differs when port 0 let the kernel pick.
func (l *Listener) Addr() string {
	if l.ln == nil {
		return l.addr
	}
	return l.ln.Addr().String()
}

// Start binds the socket and begins serving in the background.
func (l *Listener) Start(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("listener %s is already running", l.name)
	}

	l.server = &http.Server{
		Handler:           l.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		l.running.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}
	l.ln = ln

	l.logger.Info("listener started",
		observability.String("name", l.name),
		observability.String("address", ln.Addr().String()),
	)

	go l.serve(ln)

	return nil
}

// serve blocks on the accept loop until shutdown.
func (l *Listener) serve(ln net.Listener) {
	if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.logger.Error("listener error",
			observability.String("name", l.name),
			observability.Err(err),
		)
	}
	l.running.Store(false)
}

// Stop drains in-flight requests until ctx expires, then closes
// whatever is left.
func (l *Listener) Stop(ctx context.Context) error {
	if !l.running.Load() {
		return nil
	}

	l.logger.Info("stopping listener",
		observability.String("name", l.name),
	)

	if err := l.server.Shutdown(ctx); err != nil {
		if closeErr := l.server.Close(); closeErr != nil {
			return fmt.Errorf("listener %s shutdown: %w (close: %v)", l.name, err, closeErr)
		}
		return fmt.Errorf("listener %s shutdown: %w", l.name, err)
	}

	return nil
}
