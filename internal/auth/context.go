package auth

import (
	"context"

	"github.com/savesync/savesync/internal/model"
)

// ctxKey is unexported so only this package can attach a caller.
type ctxKey struct{}

// ContextWithAuth returns ctx carrying the caller resolved from an API key.
func ContextWithAuth(ctx context.Context, a *model.AuthContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// AuthFromContext returns the caller, or nil on unauthenticated routes.
func AuthFromContext(ctx context.Context) *model.AuthContext {
	a, _ := ctx.Value(ctxKey{}).(*model.AuthContext)
	return a
}

// OwnerFromContext returns the user id whose bundles the request may touch.
func OwnerFromContext(ctx context.Context) (string, bool) {
	a := AuthFromContext(ctx)
	if a == nil || a.UserID == "" {
		return "", false
	}
	return a.UserID, true
}
