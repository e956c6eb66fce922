package observability

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// Audit emits a security-relevant event tied to the current request. Events
// cover the session lifecycle: registrations, logins, refresh rotations,
// reuse detections, logouts, and admin deletions.
func Audit(logger *slog.Logger, r *http.Request, event string, attrs ...any) {
	base := []any{
		"event", event,
		"request_id", middleware.GetReqID(r.Context()),
		"remote_addr", r.RemoteAddr,
		"path", r.URL.Path,
	}
	logger.InfoContext(r.Context(), "audit", append(base, attrs...)...)
}
