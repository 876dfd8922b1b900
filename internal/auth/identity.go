// Package auth resolves a caller identity for every request before it
// reaches admission control. Credentials are checked in a fixed order:
// bypass paths, the API key header, the bearer token, and finally the
// anonymous fallback, which a route may refuse.
package auth

import (
	"context"
	"time"
)

// Method is the credential mechanism that produced an identity.
type Method string

// Authentication methods.
const (
	MethodAPIKey    Method = "api_key"
	MethodBearer    Method = "bearer"
	MethodAnonymous Method = "anonymous"
)

// Identity is the resolved caller of a request.
type Identity struct {
	// Subject identifies the caller: the API key's owner or the
	// token's sub claim. "anonymous" for unauthenticated requests.
	Subject string

	// Method is the mechanism that authenticated the caller.
	Method Method

	// Issuer is the token issuer when the method is bearer.
	Issuer string

	// ExpiresAt is the credential expiry when it carries one.
	ExpiresAt time.Time

	// Claims holds the token's private claims.
	Claims map[string]interface{}

	// Metadata carries extension data for permission checks layered on
	// top of the gateway. Nothing in the core reads it.
	Metadata map[string]string
}

// IsAnonymous reports whether the identity carries no credential.
func (i *Identity) IsAnonymous() bool {
	return i.Method == MethodAnonymous
}

// Anonymous returns the identity used for unauthenticated requests.
func Anonymous() *Identity {
	return &Identity{Subject: "anonymous", Method: MethodAnonymous}
}

type identityContextKey struct{}

// ContextWithIdentity attaches the identity to the context.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext returns the identity resolved for the request.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	return identity, ok
}
