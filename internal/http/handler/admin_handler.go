package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/webeng/identity-portal/internal/http/response"
	"github.com/webeng/identity-portal/internal/observability"
	"github.com/webeng/identity-portal/internal/repository"
	"github.com/webeng/identity-portal/internal/service"
)

type AdminHandler struct {
	admin  *service.AdminService
	logger *slog.Logger
}

func NewAdminHandler(admin *service.AdminService, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{admin: admin, logger: logger}
}

func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	query := repository.UserListQuery{
		PageRequest: repository.PageRequest{
			Page:     queryInt(r, "page"),
			PageSize: queryInt(r, "page_size"),
		},
		SortBy:    r.URL.Query().Get("sort_by"),
		SortOrder: r.URL.Query().Get("sort_order"),
		Email:     r.URL.Query().Get("email"),
		Role:      r.URL.Query().Get("role"),
	}
	page, err := h.admin.ListUsers(r.Context(), query)
	if err != nil {
		h.writeAdminError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, page)
}

func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	user, err := h.admin.GetUser(r.Context(), id)
	if err != nil {
		h.writeAdminError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, user)
}

func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	deleted, err := h.admin.DeleteUser(r.Context(), id)
	if err != nil {
		h.writeAdminError(w, r, err)
		return
	}
	if !deleted {
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "user not found", nil)
		return
	}
	observability.Audit(h.logger, r, "admin.user_deleted", "user_id", id)
	response.JSON(w, r, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *AdminHandler) writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, repository.ErrUserNotFound) {
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "user not found", nil)
		return
	}
	if errors.Is(err, repository.ErrInvalidSort) {
		response.Error(w, r, http.StatusBadRequest, "INVALID_SORT", "unsupported sort field or order", nil)
		return
	}
	h.logger.ErrorContext(r.Context(), "admin request failed", "error", err)
	response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}

func pathUserID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		response.Error(w, r, http.StatusBadRequest, "INVALID_ID", "user id must be a positive integer", nil)
		return 0, false
	}
	return uint(id), true
}

func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return v
}
