// ABOUTME: RequireAPIKey middleware for Bearer API key authentication.
// ABOUTME: Injects the key's short id into the request context for logging.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/scarson/batchq/internal/auth"
)

// RequireAPIKey returns a middleware that requires an Authorization: Bearer
// header carrying one of the configured API keys.
func (srv *Server) RequireAPIKey() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			rawKey := strings.TrimPrefix(authHeader, "Bearer ")
			if !srv.keys.Verify(rawKey) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			// The first hash bytes identify the key in logs without revealing it.
			ctx := context.WithValue(r.Context(), ctxKeyID, auth.HashAPIKey(rawKey)[:8])
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
