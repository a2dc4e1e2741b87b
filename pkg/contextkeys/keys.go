// Package contextkeys defines shared context keys used across packages
// to avoid circular imports between middleware and handlers.
package contextkeys

import "context"

// Key is the type for all context keys defined by this package.
type Key string

const (
	// AuthKey is the context key for the authenticated principal.
	AuthKey Key = "auth"

	// OrgKey is the context key for the resolved organization.
	OrgKey Key = "organization"

	// RequestIDKey is the context key for the request ID.
	RequestIDKey Key = "request_id"
)

// WithValue stores a value under the given key.
func WithValue(ctx context.Context, key Key, value interface{}) context.Context {
	return context.WithValue(ctx, key, value)
}

// Value retrieves a value stored under the given key, or nil.
func Value(ctx context.Context, key Key) interface{} {
	return ctx.Value(key)
}
