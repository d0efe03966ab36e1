package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"vigil/internal/auth"
)

// ContextKey is a custom type for context keys.
type ContextKey string

// UserContextKey stores the authenticated claims in the request context.
const UserContextKey ContextKey = "user"

// Auth wraps handlers with bearer-token validation. With auth disabled in
// the manager, requests pass through untouched.
func Auth(manager *auth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !manager.IsEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error": "missing authorization header"}`, http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, `{"error": "invalid authorization header format"}`, http.StatusUnauthorized)
				return
			}

			claims, err := manager.ValidateToken(parts[1])
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					http.Error(w, `{"error": "token has expired"}`, http.StatusUnauthorized)
				} else {
					http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
				}
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext retrieves the authenticated claims, if any.
func UserFromContext(ctx context.Context) *auth.Claims {
	claims, ok := ctx.Value(UserContextKey).(*auth.Claims)
	if !ok {
		return nil
	}
	return claims
}
