package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/util"
)

var errUpstream = errors.New("upstream exploded")

func newTestBreaker(threshold, recoverySeconds int, opts ...Option) *Breaker {
	return New("users", config.CircuitBreakerConfig{
		Enabled:                true,
		FailureThreshold:       threshold,
		RecoveryTimeoutSeconds: recoverySeconds,
	}, opts...)
}

func failTimes(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := b.Execute(func() error { return errUpstream })
		require.ErrorIs(t, err, errUpstream)
	}
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(3, 30)
	failTimes(t, b, 3)
	require.Equal(t, gobreaker.StateOpen, b.State())

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrCircuitOpen)
	assert.False(t, called, "open breaker must not invoke the call")

	var open *util.CircuitOpenError
	require.True(t, errors.As(err, &open))
	assert.Equal(t, "users", open.Backend)
}

func TestFailuresAccumulateAcrossSuccesses(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(3, 30)

	// Successes interleaved with failures do not rescue the backend:
	// the window total is what trips the breaker.
	failTimes(t, b, 1)
	require.NoError(t, b.Execute(func() error { return nil }))
	failTimes(t, b, 1)
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, gobreaker.StateClosed, b.State())

	failTimes(t, b, 1)
	assert.Equal(t, gobreaker.StateOpen, b.State())
}

func TestWindowExpiryClearsFailureCount(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(3, 1)

	failTimes(t, b, 2)
	assert.Equal(t, gobreaker.StateClosed, b.State())

	// Let the counting window roll over; the stale failures no longer
	// count toward the threshold.
	time.Sleep(1100 * time.Millisecond)

	failTimes(t, b, 2)
	assert.Equal(t, gobreaker.StateClosed, b.State())

	failTimes(t, b, 1)
	assert.Equal(t, gobreaker.StateOpen, b.State())
}

func TestNoHealthyEndpointIsNotAFailure(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(2, 30)

	for i := 0; i < 10; i++ {
		err := b.Execute(func() error {
			return &util.NoHealthyEndpointError{Backend: "users"}
		})
		require.ErrorIs(t, err, util.ErrNoHealthyEndpoint)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State(),
		"an empty roster is the health checker's problem, not the breaker's")

	failTimes(t, b, 2)
	assert.Equal(t, gobreaker.StateOpen, b.State())
}

func TestClientCancelIsNotAFailure(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(2, 30)

	for i := 0; i < 5; i++ {
		err := b.Execute(func() error {
			return fmt.Errorf("copying response: %w", context.Canceled)
		})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerRecoversThroughProbe(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(2, 1)
	failTimes(t, b, 2)
	require.Equal(t, gobreaker.StateOpen, b.State())

	time.Sleep(1100 * time.Millisecond)

	// First call after the recovery timeout is the probe.
	probed := false
	err := b.Execute(func() error {
		probed = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, probed)
	assert.Equal(t, gobreaker.StateClosed, b.State())

	require.NoError(t, b.Execute(func() error { return nil }))
}

func TestFailedProbeReopens(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(2, 1)
	failTimes(t, b, 2)

	time.Sleep(1100 * time.Millisecond)

	err := b.Execute(func() error { return errUpstream })
	require.ErrorIs(t, err, errUpstream)
	require.Equal(t, gobreaker.StateOpen, b.State())

	err = b.Execute(func() error { return nil })
	assert.ErrorIs(t, err, util.ErrCircuitOpen)
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(2, 1)
	failTimes(t, b, 2)

	time.Sleep(1100 * time.Millisecond)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- b.Execute(func() error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered

	// While the probe is in flight, further calls are rejected.
	err := b.Execute(func() error { return nil })
	assert.ErrorIs(t, err, util.ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestStateCallbackSeesTransitions(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var states []int
	b := newTestBreaker(2, 1, WithStateCallback(func(backend string, state int) {
		assert.Equal(t, "users", backend)
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	}))

	failTimes(t, b, 2)
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, b.Execute(func() error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, 2, states[0], "first transition is closed to open")
	assert.Equal(t, 0, states[len(states)-1], "last transition closes the breaker")
}

func TestExecutePassesErrorsThrough(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(5, 30)
	err := b.Execute(func() error { return util.NewServerError(502) })

	var serverErr *util.ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, 502, serverErr.StatusCode)
}
