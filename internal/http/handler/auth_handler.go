package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/webeng/identity-portal/internal/http/middleware"
	"github.com/webeng/identity-portal/internal/http/response"
	"github.com/webeng/identity-portal/internal/observability"
	"github.com/webeng/identity-portal/internal/repository"
	"github.com/webeng/identity-portal/internal/security"
	"github.com/webeng/identity-portal/internal/service"
)

type AuthHandler struct {
	auth          *service.AuthService
	logger        *slog.Logger
	secureCookies bool
}

func NewAuthHandler(auth *service.AuthService, logger *slog.Logger, secureCookies bool) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{auth: auth, logger: logger, secureCookies: secureCookies}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var in service.RegisterInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON", nil)
		return
	}
	session, err := h.auth.Register(r.Context(), in)
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	h.setSessionCookies(w, session)
	observability.Audit(h.logger, r, "user.registered", "user_id", session.User.ID)
	response.JSON(w, r, http.StatusOK, session.User)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON", nil)
		return
	}
	session, err := h.auth.Login(r.Context(), in.Email, in.Password, clientIP(r))
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	h.setSessionCookies(w, session)
	observability.Audit(h.logger, r, "user.logged_in", "user_id", session.User.ID)
	response.JSON(w, r, http.StatusOK, session.User)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	presented := security.GetCookie(r, security.RefreshCookieName)
	session, err := h.auth.Refresh(r.Context(), presented)
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	h.setSessionCookies(w, session)
	response.JSON(w, r, http.StatusOK, session.User)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	h.auth.Logout(r.Context(), claims, security.GetCookie(r, security.RefreshCookieName))
	security.ClearRefreshCookie(w, h.secureCookies)
	observability.Audit(h.logger, r, "user.logged_out")
	response.JSON(w, r, http.StatusOK, map[string]bool{"loggedOut": true})
}

func (h *AuthHandler) CurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
		return
	}
	user, err := h.auth.CurrentUser(r.Context(), claims, middleware.RawTokenFromContext(r.Context()))
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, user)
}

func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, session *service.IssuedSession) {
	security.SetRefreshCookie(w, session.RefreshToken, session.RefreshExpiresAt, h.secureCookies)
	security.SetCSRFCookie(w, uuid.NewString(), session.RefreshExpiresAt, h.secureCookies)
}

func (h *AuthHandler) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *service.ValidationError
	switch {
	case errors.As(err, &validationErr):
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_FAILED", "registration input is invalid", validationErr.Violations)
	case errors.Is(err, service.ErrEmailTaken):
		response.Error(w, r, http.StatusConflict, "CONFLICT", "email is already registered", nil)
	case errors.Is(err, service.ErrRefreshTokenReuseDetected):
		security.ClearRefreshCookie(w, h.secureCookies)
		observability.Audit(h.logger, r, "session.reuse_detected")
		response.Error(w, r, http.StatusUnauthorized, "SECURITY_VIOLATION", "session terminated due to token reuse", nil)
	case errors.Is(err, service.ErrInvalidRefreshToken):
		security.ClearRefreshCookie(w, h.secureCookies)
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "refresh token is missing or invalid", nil)
	case errors.Is(err, service.ErrSessionStampMismatch):
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "session is no longer valid", nil)
	case errors.Is(err, service.ErrInvalidCredentials):
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials", nil)
	case errors.Is(err, repository.ErrUserNotFound):
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "user not found", nil)
	default:
		h.logger.ErrorContext(r.Context(), "auth request failed", "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
