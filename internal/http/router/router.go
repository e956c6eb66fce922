package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/webeng/identity-portal/internal/domain"
	"github.com/webeng/identity-portal/internal/health"
	"github.com/webeng/identity-portal/internal/http/handler"
	"github.com/webeng/identity-portal/internal/http/middleware"
	"github.com/webeng/identity-portal/internal/http/response"
	"github.com/webeng/identity-portal/internal/security"
)

type Dependencies struct {
	AuthHandler      *handler.AuthHandler
	AdminHandler     *handler.AdminHandler
	JWTManager       *security.JWTManager
	CORSOrigins      []string
	AuthRateLimitRPM int
	APIRateLimitRPM  int
	GlobalLimiter    func(http.Handler) http.Handler
	AuthLimiter      func(http.Handler) http.Handler
	Readiness        *health.ProbeRunner
	EnableOTelHTTP   bool
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))
	r.Use(middleware.BodyLimit(1 << 20))
	if dep.GlobalLimiter != nil {
		r.Use(dep.GlobalLimiter)
	} else {
		r.Use(middleware.NewRateLimiterWithKey(dep.APIRateLimitRPM, time.Minute, middleware.SubjectOrIPKeyFunc(dep.JWTManager)).Middleware())
	}

	authLimiter := dep.AuthLimiter
	if authLimiter == nil {
		authLimiter = middleware.NewRateLimiter(dep.AuthRateLimitRPM, time.Minute).Middleware()
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(authLimiter).Post("/register", dep.AuthHandler.Register)
			r.With(authLimiter).Post("/login", dep.AuthHandler.Login)
			r.Group(func(r chi.Router) {
				r.Use(middleware.CSRFMiddleware)
				r.With(authLimiter).Post("/refresh", dep.AuthHandler.Refresh)
				r.With(middleware.AuthMiddleware(dep.JWTManager)).Post("/logout", dep.AuthHandler.Logout)
			})
			r.With(middleware.AuthMiddleware(dep.JWTManager)).Get("/current-user", dep.AuthHandler.CurrentUser)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(dep.JWTManager))
			r.Use(middleware.RequireRole(domain.RoleAdmin))
			r.Get("/users", dep.AdminHandler.ListUsers)
			r.Get("/user/{id}", dep.AdminHandler.GetUser)
			r.With(middleware.CSRFMiddleware).Delete("/user/{id}", dep.AdminHandler.DeleteUser)
		})
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
