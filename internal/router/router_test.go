package router

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/util"
)

func compileTable(t *testing.T, cfgs ...config.RouteConfig) *Table {
	t.Helper()
	table, err := Compile(cfgs)
	require.NoError(t, err)
	return table
}

func TestMatchPrecedence(t *testing.T) {
	t.Parallel()

	table := compileTable(t,
		config.RouteConfig{Path: "/*", Backend: "fallback"},
		config.RouteConfig{Path: "/api/*", Backend: "api"},
		config.RouteConfig{Path: "/api/v1/*", Backend: "v1"},
		config.RouteConfig{Path: "/api/v1/users", Backend: "users"},
	)

	tests := []struct {
		path    string
		backend string
	}{
		{"/api/v1/users", "users"},
		{"/api/v1/users/42", "v1"},
		{"/api/v1/", "v1"},
		{"/api/v2/orders", "api"},
		{"/api/", "api"},
		{"/healthz", "fallback"},
		{"/", "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			route, err := table.Match("GET", tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.backend, route.Backend)
		})
	}
}

func TestMatchMethodRestriction(t *testing.T) {
	t.Parallel()

	table := compileTable(t,
		config.RouteConfig{Path: "/api/v1/orders", Method: "post", Backend: "writer"},
		config.RouteConfig{Path: "/api/*", Backend: "reader"},
	)

	route, err := table.Match("POST", "/api/v1/orders")
	require.NoError(t, err)
	assert.Equal(t, "writer", route.Backend)

	// A method mismatch does not shadow less specific routes.
	route, err = table.Match("GET", "/api/v1/orders")
	require.NoError(t, err)
	assert.Equal(t, "reader", route.Backend)
}

func TestMethodRestrictionRanksAboveUnrestricted(t *testing.T) {
	t.Parallel()

	table := compileTable(t,
		config.RouteConfig{Path: "/api/v1/orders", Backend: "any"},
		config.RouteConfig{Path: "/api/v1/orders", Method: "DELETE", Backend: "admin"},
	)

	route, err := table.Match("DELETE", "/api/v1/orders")
	require.NoError(t, err)
	assert.Equal(t, "admin", route.Backend)

	route, err = table.Match("GET", "/api/v1/orders")
	require.NoError(t, err)
	assert.Equal(t, "any", route.Backend)
}

func TestLiteralLengthOutranksMethodRestriction(t *testing.T) {
	t.Parallel()

	// Specificity is decided by the literal prefix alone; a method
	// restriction on a shorter pattern must not shadow a longer one.
	table := compileTable(t,
		config.RouteConfig{Path: "/api/*", Method: "GET", Backend: "broad"},
		config.RouteConfig{Path: "/api/users/*", Backend: "narrow"},
	)

	route, err := table.Match("GET", "/api/users/42")
	require.NoError(t, err)
	assert.Equal(t, "narrow", route.Backend)

	route, err = table.Match("GET", "/api/orders/7")
	require.NoError(t, err)
	assert.Equal(t, "broad", route.Backend)
}

func TestPrefixBoundaries(t *testing.T) {
	t.Parallel()

	table := compileTable(t,
		config.RouteConfig{Path: "/api/v1/*", Backend: "v1"},
	)

	for _, path := range []string{"/api/v1/", "/api/v1/users", "/api/v1/users/42/orders"} {
		route, err := table.Match("GET", path)
		require.NoError(t, err, path)
		assert.Equal(t, "v1", route.Backend)
	}

	// The literal prefix includes the slash before the wildcard, so the
	// bare segment and lookalike paths fall through.
	for _, path := range []string{"/api/v1", "/api/v10/users", "/api/v2/"} {
		_, err := table.Match("GET", path)
		assert.Error(t, err, path)
	}
}

func TestMatchNotFound(t *testing.T) {
	t.Parallel()

	table := compileTable(t,
		config.RouteConfig{Path: "/api/*", Backend: "api"},
	)

	_, err := table.Match("GET", "/other")
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrNotFound)

	var notFound *util.RouteNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "GET", notFound.Method)
	assert.Equal(t, "/other", notFound.Path)
}

func TestEmptyTableMatchesNothing(t *testing.T) {
	t.Parallel()

	table := compileTable(t)
	_, err := table.Match("GET", "/")
	assert.ErrorIs(t, err, util.ErrNotFound)
	assert.Equal(t, 0, table.Len())
}

func TestCompileRejectsBadPatterns(t *testing.T) {
	t.Parallel()

	for _, pattern := range []string{"api/users", "/a*b", "/a/*/b", "*"} {
		_, err := Compile([]config.RouteConfig{{Path: pattern, Backend: "b"}})
		assert.Error(t, err, pattern)
	}
}

func TestMatchIsDeterministic(t *testing.T) {
	t.Parallel()

	cfgs := []config.RouteConfig{
		{Path: "/api/v1/*", Backend: "first"},
		{Path: "/api/v1/*", Backend: "second"},
	}

	// Equal specificity keeps configuration order on every compile.
	for i := 0; i < 20; i++ {
		table := compileTable(t, cfgs...)
		route, err := table.Match("GET", "/api/v1/users")
		require.NoError(t, err)
		assert.Equal(t, "first", route.Backend)
	}
}

func TestRouteCarriesConfig(t *testing.T) {
	t.Parallel()

	table := compileTable(t, config.RouteConfig{
		Path:          "/api/v1/*",
		Backend:       "users",
		LoadBalancing: config.StrategyLeastConnections,
		RateLimit:     120,
		AuthRequired:  true,
		TimeoutMs:     2500,
	})

	route, err := table.Match("GET", "/api/v1/users")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/*", route.Pattern)
	assert.Equal(t, config.StrategyLeastConnections, route.Strategy)
	assert.Equal(t, 120, route.RateLimit)
	assert.True(t, route.AuthRequired)
	assert.Equal(t, 2500*time.Millisecond, route.Timeout)
}

func TestMatchRequest(t *testing.T) {
	t.Parallel()

	table := compileTable(t,
		config.RouteConfig{Path: "/api/*", Backend: "api"},
	)

	req := httptest.NewRequest("GET", "http://gw.local/api/users?page=2", nil)
	route, err := table.MatchRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "api", route.Backend)
}

func TestRoutesReturnsCopy(t *testing.T) {
	t.Parallel()

	table := compileTable(t,
		config.RouteConfig{Path: "/a/*", Backend: "a"},
		config.RouteConfig{Path: "/b/*", Backend: "b"},
	)

	routes := table.Routes()
	require.Len(t, routes, 2)
	routes[0] = nil

	fresh := table.Routes()
	require.NotNil(t, fresh[0])
}
