package handler

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const uidContextKey contextKey = "uid"

// UIDFromContext extracts the authenticated uid set by AuthMiddleware.
func UIDFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(uidContextKey).(string)
	return uid, ok
}

// AuthMiddleware resolves the bearer token on every request to a uid and
// rejects the request outright on failure, since every operation this
// service exposes requires an authenticated user (spec.md §9) — unlike the
// teacher's pass-through middleware, there is no anonymous path here.
func AuthMiddleware(jwt *JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			uid, err := jwt.ValidateToken(parts[1])
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), uidContextKey, uid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
