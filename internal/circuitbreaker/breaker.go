// Package circuitbreaker shields unhealthy backends behind per-backend
// breakers. A backend's breaker opens once enough failures accumulate
// inside a rolling window, rejects calls while open, and probes with a
// single request after the recovery timeout.
package circuitbreaker

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"

	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/observability"
	"github.com/gantrygw/gantry/internal/util"
)

// StateFunc is called on state transitions. The state value matches the
// gauge encoding: 0 closed, 1 half-open, 2 open.
type StateFunc func(backend string, state int)

// Breaker wraps one backend's gobreaker instance.
type Breaker struct {
	name          string
	cb            *gobreaker.CircuitBreaker
	logger        observability.Logger
	stateCallback StateFunc
}

// Option is a functional option for configuring a Breaker.
type Option func(*Breaker)

// WithLogger sets the breaker's logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithStateCallback sets a callback for state transitions.
func WithStateCallback(fn StateFunc) Option {
	return func(b *Breaker) {
		b.stateCallback = fn
	}
}

// New creates a breaker for the named backend. The breaker trips once
// FailureThreshold failures accumulate within the rolling counting
// window, successes in between notwithstanding; the window expiring
// clears the count. After RecoveryTimeout it admits exactly one probe:
// a successful probe closes the breaker, a failed one reopens it for
// another timeout.
//
// An endpoint roster with no healthy members is the health checker's
// problem, not the backend's, so ErrNoHealthyEndpoint does not count
// as a failure. Neither does the client abandoning the request.
func New(name string, cfg config.CircuitBreakerConfig, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(b)
	}

	threshold := safeIntToUint32(cfg.FailureThreshold)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.RecoveryTimeout(),
		Timeout:     cfg.RecoveryTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, util.ErrNoHealthyEndpoint) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info("circuit breaker state change",
				observability.String("backend", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			if b.stateCallback != nil {
				b.stateCallback(name, stateGauge(to))
			}
		},
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// safeIntToUint32 clamps the configured threshold into uint32 range.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n)
}

// stateGauge maps gobreaker states onto the gauge encoding.
func stateGauge(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return observability.BreakerStateOpen
	case gobreaker.StateHalfOpen:
		return observability.BreakerStateHalfOpen
	default:
		return observability.BreakerStateClosed
	}
}

// Execute runs fn under the breaker. A rejection by the breaker itself,
// whether open or already probing in half-open, surfaces as a
// CircuitOpenError; fn's own error passes through untouched so the
// caller can classify it.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &util.CircuitOpenError{Backend: b.name}
		}
		return err
	}
	return nil
}

// Name returns the backend this breaker protects.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
