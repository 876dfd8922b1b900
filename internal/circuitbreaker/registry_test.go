package circuitbreaker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrygw/gantry/internal/config"
)

func TestRegistryReturnsSameInstance(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	cfg := config.CircuitBreakerConfig{
		Enabled:                true,
		FailureThreshold:       5,
		RecoveryTimeoutSeconds: 30,
	}

	first := registry.GetOrCreate("users", cfg)
	require.NotNil(t, first)
	second := registry.GetOrCreate("users", cfg)
	assert.Same(t, first, second)

	other := registry.GetOrCreate("orders", cfg)
	assert.NotSame(t, first, other)
}

func TestRegistryDisabledBackendGetsNil(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	b := registry.GetOrCreate("users", config.CircuitBreakerConfig{Enabled: false})
	assert.Nil(t, b)
	assert.Nil(t, registry.Get("users"))
}

func TestRegistryGetWithoutCreate(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	assert.Nil(t, registry.Get("ghosts"))

	cfg := config.CircuitBreakerConfig{
		Enabled:                true,
		FailureThreshold:       5,
		RecoveryTimeoutSeconds: 30,
	}
	created := registry.GetOrCreate("users", cfg)
	assert.Same(t, created, registry.Get("users"))
}
