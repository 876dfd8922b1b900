package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrygw/gantry/internal/config"
)

func TestRegistryFromConfig(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry(map[string]config.BackendConfig{
		"users": {
			Servers: []string{"http://10.0.0.1:9001", "http://10.0.0.2:9001"},
		},
		"orders": {
			Servers: []string{"http://10.0.1.1:9002"},
			Weights: []int{4},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, registry.Len())

	users, ok := registry.Get("users")
	require.True(t, ok)
	assert.Len(t, users.Endpoints(), 2)

	orders, ok := registry.Get("orders")
	require.True(t, ok)
	assert.Equal(t, 4, orders.Endpoints()[0].Weight())

	_, ok = registry.Get("ghosts")
	assert.False(t, ok)

	all := registry.All()
	require.Len(t, all, 2)
	assert.Equal(t, "orders", all[0].Name())
	assert.Equal(t, "users", all[1].Name())
}

func TestRegistryRejectsBadServerURL(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(map[string]config.BackendConfig{
		"users": {Servers: []string{"not a url"}},
	})
	require.Error(t, err)
}
