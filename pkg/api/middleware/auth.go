// Package middleware provides HTTP middleware for the nfsproxy admin API.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/marmos91/nfsproxy/internal/logger"
	"github.com/marmos91/nfsproxy/pkg/api/auth"
	"github.com/marmos91/nfsproxy/pkg/api/handlers"
)

type contextKey struct{}

// ClaimsFromContext returns the claims JWTAuth stored, or nil.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(contextKey{}).(*auth.Claims)
	return claims
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="nfsproxy"`)
	handlers.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// JWTAuth validates the bearer token and stores its claims in the request
// context. Missing or invalid tokens get 401.
func JWTAuth(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "Bearer token required")
				return
			}

			claims, err := jwtService.Validate(token)
			if err != nil {
				logger.Debug("API token rejected", "path", r.URL.Path, "remote", r.RemoteAddr, logger.Err(err))
				unauthorized(w, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, claims)))
		})
	}
}

// RequireAdmin lets only admin tokens through. It must run after JWTAuth.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				unauthorized(w, "Bearer token required")
				return
			}
			if !claims.IsAdmin() {
				logger.Info("API admin route denied", "path", r.URL.Path, "subject", claims.Subject, "role", claims.Role)
				handlers.WriteProblem(w, http.StatusForbidden, "Forbidden", "Admin role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
