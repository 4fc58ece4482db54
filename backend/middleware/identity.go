// Package middleware carries request-scoped identity claims. The relay
// sits behind a fronting layer that has already authenticated the caller;
// the headers handled here are assertions, not credentials.
package middleware

import (
	"context"
	"net/http"

	"github.com/supportchat/relay/backend/models"
)

// Header names the fronting layer uses to assert the caller's identity.
const (
	HeaderIdentityID    = "X-Identity-Id"
	HeaderIdentityName  = "X-Identity-Name"
	HeaderIdentityRole  = "X-Identity-Role"
	HeaderIdentityEmail = "X-Identity-Email"
)

type identityKey struct{}

// RequireIdentity rejects requests without a complete identity claim and
// stashes the claim in the request context for the handlers.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := models.Identity{
			ID:          r.Header.Get(HeaderIdentityID),
			DisplayName: r.Header.Get(HeaderIdentityName),
			Role:        models.Role(r.Header.Get(HeaderIdentityRole)),
			Email:       r.Header.Get(HeaderIdentityEmail),
		}
		if id.ID == "" || !id.Role.Valid() {
			http.Error(w, "missing or invalid identity headers", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// WithIdentity returns a context carrying an identity claim.
func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// GetIdentity extracts the claim stashed by RequireIdentity.
func GetIdentity(r *http.Request) (models.Identity, bool) {
	id, ok := r.Context().Value(identityKey{}).(models.Identity)
	return id, ok
}
