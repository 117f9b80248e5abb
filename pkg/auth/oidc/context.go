package oidc

import "context"

type contextKey struct{}

var identityKey = contextKey{}

// WithIdentity returns a context carrying the verified caller identity.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the verified identity attached by the auth
// middleware, or nil when the request was not authenticated.
func IdentityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityKey).(*Identity)
	return identity
}
