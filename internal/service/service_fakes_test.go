package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/webeng/identity-portal/internal/domain"
	"github.com/webeng/identity-portal/internal/repository"
)

// memUserRepo is an in-memory UserRepository for service tests.
type memUserRepo struct {
	mu           sync.Mutex
	nextID       uint
	users        map[uint]*domain.User
	roles        *memRoleRepo
	emailLookups int
	findByID     int
}

func newMemUserRepo(roles *memRoleRepo) *memUserRepo {
	return &memUserRepo{users: map[uint]*domain.User{}, roles: roles}
}

func (r *memUserRepo) FindByID(id uint) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findByID++
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memUserRepo) FindByEmail(email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emailLookups++
	normalized := repository.NormalizeEmail(email)
	for _, u := range r.users {
		if repository.NormalizeEmail(u.Email) == normalized {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (r *memUserRepo) Create(user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if repository.NormalizeEmail(u.Email) == repository.NormalizeEmail(user.Email) {
			return repository.ErrDuplicateEmail
		}
	}
	r.nextID++
	user.ID = r.nextID
	user.Email = repository.NormalizeEmail(user.Email)
	user.CreatedAt = time.Now()
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *memUserRepo) Update(user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; !ok {
		return repository.ErrUserNotFound
	}
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *memUserRepo) DeleteByID(id uint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; !ok {
		return false, nil
	}
	delete(r.users, id)
	return true, nil
}

func (r *memUserRepo) List() ([]domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memUserRepo) ListPaged(query repository.UserListQuery) (repository.PageResult[domain.User], error) {
	all, _ := r.List()
	filtered := all[:0:0]
	for _, u := range all {
		if query.Email != "" && !strings.Contains(repository.NormalizeEmail(u.Email), repository.NormalizeEmail(query.Email)) {
			continue
		}
		if query.Role != "" {
			found := false
			for _, name := range u.RoleNames() {
				if name == query.Role {
					found = true
				}
			}
			if !found {
				continue
			}
		}
		filtered = append(filtered, u)
	}

	page, size := query.Page, query.PageSize
	if page < 1 {
		page = repository.DefaultPage
	}
	if size < 1 {
		size = repository.DefaultPageSize
	}
	start := (page - 1) * size
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + size
	if end > len(filtered) {
		end = len(filtered)
	}
	totalPages := (len(filtered) + size - 1) / size
	return repository.PageResult[domain.User]{
		Items:      filtered[start:end],
		Page:       page,
		PageSize:   size,
		Total:      int64(len(filtered)),
		TotalPages: totalPages,
	}, nil
}

func (r *memUserRepo) UpdateSecurityStamp(userID uint, stamp string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.SecurityStamp = stamp
	return nil
}

func (r *memUserRepo) AddRole(userID, roleID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	role, err := r.roles.findByID(roleID)
	if err != nil {
		return err
	}
	u.Roles = append(u.Roles, *role)
	return nil
}

type memRoleRepo struct {
	mu     sync.Mutex
	nextID uint
	byName map[string]*domain.Role
}

func newMemRoleRepo() *memRoleRepo {
	return &memRoleRepo{byName: map[string]*domain.Role{}}
}

func (r *memRoleRepo) FindByName(name string) (*domain.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.byName[name]
	if !ok {
		return nil, repository.ErrRoleNotFound
	}
	cp := *role
	return &cp, nil
}

func (r *memRoleRepo) Ensure(name string) (*domain.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if role, ok := r.byName[name]; ok {
		cp := *role
		return &cp, nil
	}
	r.nextID++
	role := &domain.Role{ID: r.nextID, Name: name}
	r.byName[name] = role
	cp := *role
	return &cp, nil
}

func (r *memRoleRepo) List() ([]domain.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Role, 0, len(r.byName))
	for _, role := range r.byName {
		out = append(out, *role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRoleRepo) findByID(id uint) (*domain.Role, error) {
	for _, role := range r.byName {
		if role.ID == id {
			cp := *role
			return &cp, nil
		}
	}
	return nil, repository.ErrRoleNotFound
}

type memTokenRepo struct {
	mu     sync.Mutex
	nextID uint
	tokens []*domain.RefreshToken
}

func newMemTokenRepo() *memTokenRepo {
	return &memTokenRepo{}
}

func (r *memTokenRepo) Append(t *domain.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	t.ID = r.nextID
	t.CreatedAt = time.Now()
	cp := *t
	r.tokens = append(r.tokens, &cp)
	return nil
}

func (r *memTokenRepo) FindByHash(hash string) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.TokenHash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrRefreshTokenNotFound
}

func (r *memTokenRepo) ListActiveByUserID(userID uint) ([]domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []domain.RefreshToken
	for _, t := range r.tokens {
		if t.UserID == userID && t.IsActive(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (r *memTokenRepo) Rotate(oldHash string, next *domain.RefreshToken) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, t := range r.tokens {
		if t.TokenHash != oldHash {
			continue
		}
		if !t.IsActive(now) {
			return nil, repository.ErrRefreshTokenNotFound
		}
		r.nextID++
		next.ID = r.nextID
		next.CreatedAt = now
		cp := *next
		r.tokens = append(r.tokens, &cp)

		reason := domain.RevokeReasonRotated
		revokedAt := now
		t.RevokedAt = &revokedAt
		t.RevokedReason = &reason
		t.SupersededBy = &cp.ID
		result := cp
		return &result, nil
	}
	return nil, repository.ErrRefreshTokenNotFound
}

func (r *memTokenRepo) RevokeByHash(hash, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, t := range r.tokens {
		if t.TokenHash == hash && t.IsActive(now) {
			t.RevokedAt = &now
			t.RevokedReason = &reason
			return true, nil
		}
	}
	return false, nil
}

func (r *memTokenRepo) RevokeAllActiveForUser(userID uint, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var n int64
	for _, t := range r.tokens {
		if t.UserID == userID && t.IsActive(now) {
			revokedAt := now
			t.RevokedAt = &revokedAt
			t.RevokedReason = &reason
			n++
		}
	}
	return n, nil
}

func (r *memTokenRepo) Prune(userID uint, now time.Time) (int64, error) {
	return 0, nil
}

// blockingAbuseGuard reports a fixed cooldown and records calls.
type blockingAbuseGuard struct {
	mu       sync.Mutex
	cooldown time.Duration
	checks   int
	failures int
	resets   int
}

func (g *blockingAbuseGuard) Check(context.Context, AuthAbuseScope, string, string) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	return g.cooldown, nil
}

func (g *blockingAbuseGuard) RegisterFailure(context.Context, AuthAbuseScope, string, string) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	return 0, nil
}

func (g *blockingAbuseGuard) Reset(context.Context, AuthAbuseScope, string, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resets++
	return nil
}
