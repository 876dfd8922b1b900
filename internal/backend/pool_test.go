package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/util"
)

func newTestPool(t *testing.T, servers []string, weights []int) *Pool {
	t.Helper()
	pool, err := NewPool("users", config.BackendConfig{
		Servers: servers,
		Weights: weights,
	})
	require.NoError(t, err)
	return pool
}

func threeEndpointPool(t *testing.T) *Pool {
	t.Helper()
	return newTestPool(t, []string{
		"http://10.0.0.1:9001",
		"http://10.0.0.2:9001",
		"http://10.0.0.3:9001",
	}, nil)
}

func TestNewEndpointValidation(t *testing.T) {
	t.Parallel()

	_, err := NewEndpoint("ftp://10.0.0.1:21", 1)
	assert.Error(t, err)

	_, err = NewEndpoint("http://", 1)
	assert.Error(t, err)

	_, err = NewEndpoint("://bad", 1)
	assert.Error(t, err)

	e, err := NewEndpoint("http://10.0.0.1:9001", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Weight())
	assert.True(t, e.Healthy())
	assert.Equal(t, int64(0), e.InFlight())
}

func TestEndpointProbeURL(t *testing.T) {
	t.Parallel()

	e, err := NewEndpoint("http://10.0.0.1:9001", 1)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.1:9001/health", e.ProbeURL("/health"))
	assert.Equal(t, "http://10.0.0.1:9001/health", e.ProbeURL("health"))
}

func TestRoundRobinExactDistribution(t *testing.T) {
	t.Parallel()

	pool := threeEndpointPool(t)
	counts := make(map[string]int)
	for i := 0; i < 300; i++ {
		e, err := pool.Select(config.StrategyRoundRobin)
		require.NoError(t, err)
		counts[e.String()]++
	}

	require.Len(t, counts, 3)
	for endpoint, n := range counts {
		assert.Equal(t, 100, n, endpoint)
	}
}

func TestRoundRobinSkipsUnhealthy(t *testing.T) {
	t.Parallel()

	pool := threeEndpointPool(t)
	down := pool.Endpoints()[1]
	down.SetHealthy(false)

	counts := make(map[string]int)
	for i := 0; i < 100; i++ {
		e, err := pool.Select(config.StrategyRoundRobin)
		require.NoError(t, err)
		counts[e.String()]++
	}

	assert.NotContains(t, counts, down.String())
	assert.Equal(t, 50, counts[pool.Endpoints()[0].String()])
	assert.Equal(t, 50, counts[pool.Endpoints()[2].String()])

	// Recovery puts the endpoint back in rotation.
	down.SetHealthy(true)
	seen := make(map[string]bool)
	for i := 0; i < 9; i++ {
		e, err := pool.Select(config.StrategyRoundRobin)
		require.NoError(t, err)
		seen[e.String()] = true
	}
	assert.True(t, seen[down.String()])
}

func TestLeastConnectionsPicksLeastLoaded(t *testing.T) {
	t.Parallel()

	pool := threeEndpointPool(t)
	endpoints := pool.Endpoints()
	endpoints[0].Acquire()
	endpoints[0].Acquire()
	endpoints[1].Acquire()

	e, err := pool.Select(config.StrategyLeastConnections)
	require.NoError(t, err)
	assert.Same(t, endpoints[2], e)
}

func TestLeastConnectionsTiesRotate(t *testing.T) {
	t.Parallel()

	pool := threeEndpointPool(t)
	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		e, err := pool.Select(config.StrategyLeastConnections)
		require.NoError(t, err)
		seen[e.String()] = true
	}
	assert.Len(t, seen, 3, "ties should be shared, not pinned to one endpoint")
}

func TestReleaseRebalancesLeastConnections(t *testing.T) {
	t.Parallel()

	pool := threeEndpointPool(t)
	loaded := pool.Endpoints()[0]

	for i := 0; i < 5; i++ {
		loaded.Acquire()
	}
	for i := 0; i < 6; i++ {
		e, err := pool.Select(config.StrategyLeastConnections)
		require.NoError(t, err)
		assert.NotSame(t, loaded, e)
	}

	for i := 0; i < 5; i++ {
		loaded.Release()
	}
	require.Equal(t, int64(0), loaded.InFlight())

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		e, err := pool.Select(config.StrategyLeastConnections)
		require.NoError(t, err)
		seen[e.String()] = true
	}
	assert.True(t, seen[loaded.String()], "released endpoint should rejoin the tie rotation")
}

func TestRandomSelectsOnlyHealthy(t *testing.T) {
	t.Parallel()

	pool := threeEndpointPool(t)
	down := pool.Endpoints()[2]
	down.SetHealthy(false)

	counts := make(map[string]int)
	for i := 0; i < 200; i++ {
		e, err := pool.Select(config.StrategyRandom)
		require.NoError(t, err)
		counts[e.String()]++
	}

	assert.NotContains(t, counts, down.String())
	assert.Positive(t, counts[pool.Endpoints()[0].String()])
	assert.Positive(t, counts[pool.Endpoints()[1].String()])
}

func TestWeightedSmoothSequence(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, []string{
		"http://10.0.0.1:9001",
		"http://10.0.0.2:9001",
		"http://10.0.0.3:9001",
	}, []int{5, 1, 1})

	endpoints := pool.Endpoints()
	want := []*Endpoint{
		endpoints[0], endpoints[0], endpoints[1], endpoints[0],
		endpoints[2], endpoints[0], endpoints[0],
	}

	// The smooth sequence spreads the heavy endpoint instead of
	// bursting it, and repeats every sum-of-weights picks.
	for cycle := 0; cycle < 3; cycle++ {
		for i, expected := range want {
			e, err := pool.Select(config.StrategyWeightedRoundRobin)
			require.NoError(t, err)
			assert.Same(t, expected, e, "cycle %d pick %d", cycle, i)
		}
	}
}

func TestWeightedEqualWeightsRotate(t *testing.T) {
	t.Parallel()

	pool := threeEndpointPool(t)
	counts := make(map[string]int)
	for i := 0; i < 30; i++ {
		e, err := pool.Select(config.StrategyWeightedRoundRobin)
		require.NoError(t, err)
		counts[e.String()]++
	}
	for endpoint, n := range counts {
		assert.Equal(t, 10, n, endpoint)
	}
}

func TestWeightedSkipsUnhealthy(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, []string{
		"http://10.0.0.1:9001",
		"http://10.0.0.2:9001",
	}, []int{9, 1})

	pool.Endpoints()[0].SetHealthy(false)
	for i := 0; i < 5; i++ {
		e, err := pool.Select(config.StrategyWeightedRoundRobin)
		require.NoError(t, err)
		assert.Same(t, pool.Endpoints()[1], e)
	}
}

func TestSelectAllUnhealthy(t *testing.T) {
	t.Parallel()

	strategies := []string{
		config.StrategyRoundRobin,
		config.StrategyLeastConnections,
		config.StrategyRandom,
		config.StrategyWeightedRoundRobin,
	}

	for _, strategy := range strategies {
		t.Run(strategy, func(t *testing.T) {
			pool := threeEndpointPool(t)
			for _, e := range pool.Endpoints() {
				e.SetHealthy(false)
			}

			_, err := pool.Select(strategy)
			require.Error(t, err)
			assert.ErrorIs(t, err, util.ErrNoHealthyEndpoint)
		})
	}
}

func TestSelectUnknownStrategyFallsBackToRoundRobin(t *testing.T) {
	t.Parallel()

	pool := threeEndpointPool(t)
	counts := make(map[string]int)
	for i := 0; i < 30; i++ {
		e, err := pool.Select("made_up")
		require.NoError(t, err)
		counts[e.String()]++
	}
	for endpoint, n := range counts {
		assert.Equal(t, 10, n, endpoint)
	}
}

func TestSetHealthyReportsTransitions(t *testing.T) {
	t.Parallel()

	e, err := NewEndpoint("http://10.0.0.1:9001", 1)
	require.NoError(t, err)

	assert.False(t, e.SetHealthy(true), "already healthy")
	assert.True(t, e.SetHealthy(false), "healthy to unhealthy")
	assert.False(t, e.SetHealthy(false), "already unhealthy")
	assert.True(t, e.SetHealthy(true), "unhealthy to healthy")
}
