package middleware

import (
	"net/http"

	"github.com/webeng/identity-portal/internal/http/response"
)

// RequireRole gates a route on a role claim from the access token. Roles are
// trusted at face value for the token's lifetime; a role revoked mid-session
// takes effect on the next refresh.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
				return
			}
			if !claims.HasRole(role) {
				response.Error(w, r, http.StatusForbidden, "FORBIDDEN", "insufficient role", map[string]string{"required": role})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
