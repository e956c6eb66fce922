package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/webeng/identity-portal/internal/http/response"
	"github.com/webeng/identity-portal/internal/observability"
	"github.com/webeng/identity-portal/internal/security"
)

type contextKey string

const (
	ClaimsContextKey   contextKey = "claims"
	RawTokenContextKey contextKey = "raw_token"
)

// AuthMiddleware authenticates the request from its Authorization bearer
// header; access tokens live in client memory, never in cookies. The parsed
// claims and the raw compact token are both placed on the request context;
// the raw token is echoed back by the current-user endpoint.
func AuthMiddleware(jwtMgr *security.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				observability.RecordAccessTokenValidation(r.Context(), "missing", "none")
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing access token", nil)
				return
			}
			claims, err := jwtMgr.ParseAccessToken(raw)
			if err != nil {
				observability.RecordAccessTokenValidation(r.Context(), "invalid", "bearer")
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid access token", nil)
				return
			}
			observability.RecordAccessTokenValidation(r.Context(), "valid", "bearer")
			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			ctx = context.WithValue(ctx, RawTokenContextKey, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func ClaimsFromContext(ctx context.Context) (*security.Claims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*security.Claims)
	return c, ok
}

func RawTokenFromContext(ctx context.Context) string {
	raw, _ := ctx.Value(RawTokenContextKey).(string)
	return raw
}
