// Package ctxutil provides shared context helpers.
//
// Both server and mcp read the caller identity that server's auth
// middleware stores, so the key lives here instead of in either package.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/conductor/internal/model"
)

type contextKey string

const (
	keyIdentity  contextKey = "identity"
	keyRequestID contextKey = "request_id"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	Actor model.Actor
	// WorkspaceID scopes the caller to one workspace. Empty means any.
	WorkspaceID string
}

// CanSee reports whether the identity may read data of workspaceID.
func (id Identity) CanSee(workspaceID string) bool {
	return id.WorkspaceID == "" || id.WorkspaceID == workspaceID
}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// IdentityFromContext extracts the caller identity from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(keyIdentity).(Identity)
	return v, ok
}

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
