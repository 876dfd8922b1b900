package util

import (
	"context"
	"time"
)

// ctxKey is an unexported type for context keys to avoid collisions.
type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	routeInfoKey ctxKey = "route_info"
	clientIPKey  ctxKey = "client_ip"
	startTimeKey ctxKey = "start_time"
)

// RouteInfo is a mutable holder installed into the context before
// dispatch. The dispatcher fills it once the route is matched, so
// middleware wrapping the dispatcher can read the pattern and backend
// after the handler returns. Context values only flow downward; the
// shared holder is what carries match results back up the chain.
type RouteInfo struct {
	Pattern string
	Backend string
}

// ContextWithRouteInfo returns a context carrying the holder.
func ContextWithRouteInfo(ctx context.Context, info *RouteInfo) context.Context {
	return context.WithValue(ctx, routeInfoKey, info)
}

// RouteInfoFromContext returns the holder or nil.
func RouteInfoFromContext(ctx context.Context) *RouteInfo {
	if info, ok := ctx.Value(routeInfoKey).(*RouteInfo); ok {
		return info
	}
	return nil
}

// SetRoute records the matched route pattern in the context holder, if
// one is installed.
func SetRoute(ctx context.Context, pattern string) {
	if info := RouteInfoFromContext(ctx); info != nil {
		info.Pattern = pattern
	}
}

// SetBackend records the selected backend name in the context holder,
// if one is installed.
func SetBackend(ctx context.Context, backend string) {
	if info := RouteInfoFromContext(ctx); info != nil {
		info.Backend = backend
	}
}

// RouteFromContext returns the matched route pattern or empty string.
func RouteFromContext(ctx context.Context) string {
	if info := RouteInfoFromContext(ctx); info != nil {
		return info.Pattern
	}
	return ""
}

// BackendFromContext returns the selected backend name or empty string.
func BackendFromContext(ctx context.Context) string {
	if info := RouteInfoFromContext(ctx); info != nil {
		return info.Backend
	}
	return ""
}

// ContextWithRequestID returns a context carrying the request ID.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request ID or empty string.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithClientIP returns a context carrying the resolved client IP.
func ContextWithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFromContext returns the resolved client IP or empty string.
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithStartTime returns a context carrying the request start time.
func ContextWithStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, startTimeKey, t)
}

// StartTimeFromContext returns the request start time and whether it was set.
func StartTimeFromContext(ctx context.Context) (time.Time, bool) {
	v, ok := ctx.Value(startTimeKey).(time.Time)
	return v, ok
}
