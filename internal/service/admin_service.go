package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/webeng/identity-portal/internal/domain"
	"github.com/webeng/identity-portal/internal/repository"
)

const negativeUserNamespace = "admin.user.not_found"

// AdminUserView is the reduced user shape exposed on admin routes.
type AdminUserView struct {
	ID          uint     `json:"id"`
	DisplayName string   `json:"displayName"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
}

type AdminService struct {
	users    repository.UserRepository
	tokens   repository.RefreshTokenRepository
	negCache NegativeLookupCacheStore
}

func NewAdminService(users repository.UserRepository, tokens repository.RefreshTokenRepository, negCache NegativeLookupCacheStore) *AdminService {
	if negCache == nil {
		negCache = NewNoopNegativeLookupCacheStore()
	}
	return &AdminService{users: users, tokens: tokens, negCache: negCache}
}

func (s *AdminService) ListUsers(ctx context.Context, query repository.UserListQuery) (repository.PageResult[AdminUserView], error) {
	page, err := s.users.ListPaged(query)
	if err != nil {
		return repository.PageResult[AdminUserView]{}, err
	}
	views := make([]AdminUserView, 0, len(page.Items))
	for _, u := range page.Items {
		views = append(views, newAdminUserView(&u))
	}
	return repository.PageResult[AdminUserView]{
		Items:      views,
		Page:       page.Page,
		PageSize:   page.PageSize,
		Total:      page.Total,
		TotalPages: page.TotalPages,
	}, nil
}

func (s *AdminService) GetUser(ctx context.Context, id uint) (*AdminUserView, error) {
	key := fmt.Sprintf("%d", id)
	if hit, err := s.negCache.Get(ctx, negativeUserNamespace, key); err == nil && hit {
		return nil, repository.ErrUserNotFound
	}
	user, err := s.users.FindByID(id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			if cacheErr := s.negCache.Set(ctx, negativeUserNamespace, key, 5*time.Minute); cacheErr != nil {
				slog.WarnContext(ctx, "negative user cache set failed", "error", cacheErr)
			}
		}
		return nil, err
	}
	view := newAdminUserView(user)
	return &view, nil
}

// DeleteUser removes the account and, through the FK cascade, its refresh
// token chain. Outstanding access tokens ride out their short expiry.
func (s *AdminService) DeleteUser(ctx context.Context, id uint) (bool, error) {
	if _, err := s.tokens.RevokeAllActiveForUser(id, domain.RevokeReasonLogout); err != nil {
		slog.WarnContext(ctx, "revoking tokens before delete failed", "user_id", id, "error", err)
	}
	deleted, err := s.users.DeleteByID(id)
	if err != nil {
		return false, err
	}
	if deleted {
		if err := s.negCache.InvalidateNamespace(ctx, negativeUserNamespace); err != nil {
			slog.WarnContext(ctx, "negative user cache invalidation failed", "error", err)
		}
	}
	return deleted, nil
}

func newAdminUserView(u *domain.User) AdminUserView {
	return AdminUserView{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Roles:       u.RoleNames(),
	}
}
