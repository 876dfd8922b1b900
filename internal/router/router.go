// Package router compiles the configured route list into an immutable
// matching table. Patterns are either exact paths or a literal prefix
// followed by a trailing "*"; the most specific pattern wins.
package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/util"
)

// Route priority constants for calculating route matching order.
// Higher priority routes are matched first.
const (
	// priorityExactMatch is the base priority for exact path matches.
	priorityExactMatch = 1000

	// priorityPrefixMatch is the base priority for prefix path matches.
	// Longer literal prefixes receive additional priority.
	priorityPrefixMatch = 500
)

// Route is a single compiled route. Fields are read-only after Compile.
type Route struct {
	Pattern      string
	Method       string
	Backend      string
	Strategy     string
	RateLimit    int
	AuthRequired bool
	Timeout      time.Duration

	exact    bool
	literal  string
	priority int
}

// compileRoute turns a validated route config into its matchable form.
func compileRoute(cfg config.RouteConfig) (*Route, error) {
	if !strings.HasPrefix(cfg.Path, "/") {
		return nil, fmt.Errorf("pattern %q must start with /", cfg.Path)
	}

	route := &Route{
		Pattern:      cfg.Path,
		Method:       strings.ToUpper(cfg.Method),
		Backend:      cfg.Backend,
		Strategy:     cfg.LoadBalancing,
		RateLimit:    cfg.RateLimit,
		AuthRequired: cfg.AuthRequired,
		Timeout:      cfg.Timeout(),
	}

	if strings.HasSuffix(cfg.Path, "*") {
		literal := strings.TrimSuffix(cfg.Path, "*")
		if strings.Contains(literal, "*") {
			return nil, fmt.Errorf("pattern %q may only use * as the trailing character", cfg.Path)
		}
		route.literal = literal
		route.priority = priorityPrefixMatch + len(literal)
	} else {
		if strings.Contains(cfg.Path, "*") {
			return nil, fmt.Errorf("pattern %q may only use * as the trailing character", cfg.Path)
		}
		route.exact = true
		route.literal = cfg.Path
		route.priority = priorityExactMatch
	}

	return route, nil
}

// matches reports whether the route accepts the method and path. A route
// with a method restriction never matches another method; the table then
// keeps scanning less specific routes.
func (r *Route) matches(method, path string) bool {
	if r.Method != "" && r.Method != method {
		return false
	}
	if r.exact {
		return path == r.literal
	}
	return strings.HasPrefix(path, r.literal)
}

// Table is an immutable set of compiled routes in precedence order.
// A new table is compiled on every config load; lookups never lock.
type Table struct {
	routes []*Route
}

// Compile builds a table from the configured routes. Precedence: exact
// patterns first, then prefix patterns by descending literal length;
// at equal specificity a method-restricted route ranks above an
// unrestricted one. Remaining ties keep configuration order, so
// matching is deterministic for any input.
func Compile(cfgs []config.RouteConfig) (*Table, error) {
	routes := make([]*Route, 0, len(cfgs))
	for i, cfg := range cfgs {
		route, err := compileRoute(cfg)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		routes = append(routes, route)
	}

	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].priority != routes[j].priority {
			return routes[i].priority > routes[j].priority
		}
		return routes[i].Method != "" && routes[j].Method == ""
	})

	return &Table{routes: routes}, nil
}

// Match returns the most specific route accepting the request, or a
// RouteNotFoundError when nothing matches.
func (t *Table) Match(method, path string) (*Route, error) {
	for _, route := range t.routes {
		if route.matches(method, path) {
			return route, nil
		}
	}
	return nil, &util.RouteNotFoundError{Method: method, Path: path}
}

// MatchRequest is Match keyed by an incoming request.
func (t *Table) MatchRequest(req *http.Request) (*Route, error) {
	return t.Match(req.Method, req.URL.Path)
}

// Routes returns the compiled routes in precedence order.
func (t *Table) Routes() []*Route {
	routes := make([]*Route, len(t.routes))
	copy(routes, t.routes)
	return routes
}

// Len returns the number of compiled routes.
func (t *Table) Len() int {
	return len(t.routes)
}
