package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/webeng/identity-portal/internal/domain"
	"github.com/webeng/identity-portal/internal/observability"
	"github.com/webeng/identity-portal/internal/repository"
	"github.com/webeng/identity-portal/internal/security"
)

const negativeEmailNamespace = "auth.email.not_found"

// UserDTO is the wire shape returned by every session-issuing operation.
type UserDTO struct {
	ID                     uint      `json:"id"`
	DisplayName            string    `json:"displayName"`
	Email                  string    `json:"email"`
	Roles                  []string  `json:"roles"`
	Token                  string    `json:"token"`
	RefreshTokenExpiration time.Time `json:"refreshTokenExpiration"`
}

// IssuedSession pairs the response body with the refresh credential that the
// handler delivers out-of-band as a scoped cookie.
type IssuedSession struct {
	User             UserDTO
	RefreshToken     string
	RefreshExpiresAt time.Time
}

type AuthService struct {
	users      repository.UserRepository
	roles      repository.RoleRepository
	tokens     repository.RefreshTokenRepository
	jwtMgr     *security.JWTManager
	abuseGuard AuthAbuseGuard
	negCache   NegativeLookupCacheStore
	pepper     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewAuthService(
	users repository.UserRepository,
	roles repository.RoleRepository,
	tokens repository.RefreshTokenRepository,
	jwtMgr *security.JWTManager,
	abuseGuard AuthAbuseGuard,
	negCache NegativeLookupCacheStore,
	pepper string,
	accessTTL, refreshTTL time.Duration,
) *AuthService {
	if abuseGuard == nil {
		abuseGuard = NewNoopAuthAbuseGuard()
	}
	if negCache == nil {
		negCache = NewNoopNegativeLookupCacheStore()
	}
	return &AuthService{
		users:      users,
		roles:      roles,
		tokens:     tokens,
		jwtMgr:     jwtMgr,
		abuseGuard: abuseGuard,
		negCache:   negCache,
		pepper:     pepper,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*IssuedSession, error) {
	if violations := validateRegisterInput(in); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}
	if _, err := s.users.FindByEmail(in.Email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, err
	}

	user := &domain.User{
		DisplayName:   in.DisplayName,
		UserName:      in.UserName,
		Email:         in.Email,
		PhoneNumber:   in.PhoneNumber,
		SecurityStamp: uuid.NewString(),
	}
	hash, err := security.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user.PasswordHash = hash
	if err := s.users.Create(user); err != nil {
		// the FindByEmail pre-check can lose to a concurrent registration;
		// the unique index is the authority
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	role, err := s.roles.Ensure(domain.RoleUser)
	if err != nil {
		return nil, err
	}
	if err := s.users.AddRole(user.ID, role.ID); err != nil {
		return nil, err
	}
	user.Roles = append(user.Roles, *role)

	// a lockout or cached miss for this address no longer applies
	if err := s.negCache.InvalidateNamespace(ctx, negativeEmailNamespace); err != nil {
		slog.WarnContext(ctx, "negative email cache invalidation failed", "error", err)
	}

	observability.RecordAuthAttempt(ctx, "register", "success")
	return s.issueSession(ctx, user)
}

func (s *AuthService) Login(ctx context.Context, email, password, ip string) (*IssuedSession, error) {
	cooldown, err := s.abuseGuard.Check(ctx, AuthAbuseScopeLogin, email, ip)
	if err != nil {
		slog.WarnContext(ctx, "abuse guard check failed", "error", err)
	}
	if cooldown > 0 {
		// locked accounts get the same generic failure as bad credentials
		observability.RecordAuthAttempt(ctx, "login", "locked")
		return nil, ErrInvalidCredentials
	}

	if hit, err := s.negCache.Get(ctx, negativeEmailNamespace, hashToken(repository.NormalizeEmail(email))); err == nil && hit {
		observability.RecordAuthAttempt(ctx, "login", "unknown_email_cached")
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.FindByEmail(email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			if err := s.negCache.Set(ctx, negativeEmailNamespace, hashToken(repository.NormalizeEmail(email)), time.Minute); err != nil {
				slog.WarnContext(ctx, "negative email cache set failed", "error", err)
			}
			s.registerLoginFailure(ctx, email, ip)
			observability.RecordAuthAttempt(ctx, "login", "unknown_email")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !security.CheckPassword(password, user.PasswordHash) {
		s.registerLoginFailure(ctx, email, ip)
		observability.RecordAuthAttempt(ctx, "login", "bad_password")
		return nil, ErrInvalidCredentials
	}

	if err := s.abuseGuard.Reset(ctx, AuthAbuseScopeLogin, email, ip); err != nil {
		slog.WarnContext(ctx, "abuse guard reset failed", "error", err)
	}
	observability.RecordAuthAttempt(ctx, "login", "success")
	return s.issueSession(ctx, user)
}

// Refresh rotates the presented refresh token. A token that is found but no
// longer active is a reuse signal: an already-rotated value is being replayed,
// so every active token in the user's chain is revoked. An expired but never
// rotated token gets the same treatment; a long-idle legitimate client is
// indistinguishable from an attacker replaying an old value.
func (s *AuthService) Refresh(ctx context.Context, presented string) (*IssuedSession, error) {
	if presented == "" {
		observability.RecordAuthAttempt(ctx, "refresh", "missing_token")
		return nil, ErrInvalidRefreshToken
	}
	hash := security.HashRefreshToken(presented, s.pepper)
	current, err := s.tokens.FindByHash(hash)
	if err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			observability.RecordAuthAttempt(ctx, "refresh", "unknown_token")
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}

	if !current.IsActive(time.Now()) {
		return nil, s.handleReuse(ctx, current.UserID)
	}

	user, err := s.users.FindByID(current.UserID)
	if err != nil {
		return nil, err
	}

	value, err := security.NewRefreshTokenValue()
	if err != nil {
		return nil, err
	}
	next := &domain.RefreshToken{
		UserID:    user.ID,
		TokenHash: security.HashRefreshToken(value, s.pepper),
		ExpiresAt: time.Now().Add(s.refreshTTL),
	}
	if _, err := s.tokens.Rotate(hash, next); err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			// lost the rotation race: the token went inactive between the
			// lookup and the conditional update
			return nil, s.handleReuse(ctx, user.ID)
		}
		return nil, err
	}

	if _, err := s.tokens.Prune(user.ID, time.Now()); err != nil {
		slog.WarnContext(ctx, "refresh token prune failed", "user_id", user.ID, "error", err)
	}

	stamp := uuid.NewString()
	if err := s.users.UpdateSecurityStamp(user.ID, stamp); err != nil {
		return nil, err
	}
	user.SecurityStamp = stamp

	access, err := s.jwtMgr.SignAccessToken(user.ID, user.Email, user.DisplayName, user.RoleNames(), stamp, s.accessTTL)
	if err != nil {
		return nil, err
	}
	observability.RecordAuthAttempt(ctx, "refresh", "success")
	return &IssuedSession{
		User: UserDTO{
			ID:                     user.ID,
			DisplayName:            user.DisplayName,
			Email:                  user.Email,
			Roles:                  user.RoleNames(),
			Token:                  access,
			RefreshTokenExpiration: next.ExpiresAt,
		},
		RefreshToken:     value,
		RefreshExpiresAt: next.ExpiresAt,
	}, nil
}

// Logout best-effort revokes the presented refresh token and bumps the
// session stamp so outstanding access tokens fail the stamp check. It never
// fails the outer call; a missing or already-revoked token is a no-op.
func (s *AuthService) Logout(ctx context.Context, claims *security.Claims, presentedRefresh string) {
	if presentedRefresh != "" {
		hash := security.HashRefreshToken(presentedRefresh, s.pepper)
		if _, err := s.tokens.RevokeByHash(hash, domain.RevokeReasonLogout); err != nil {
			slog.WarnContext(ctx, "logout token revocation failed", "error", err)
		}
	}
	if claims != nil {
		if userID, err := claims.UserID(); err == nil {
			if err := s.users.UpdateSecurityStamp(userID, uuid.NewString()); err != nil {
				slog.WarnContext(ctx, "logout stamp bump failed", "user_id", userID, "error", err)
			}
		}
	}
	observability.RecordAuthAttempt(ctx, "logout", "success")
}

// CurrentUser resolves the caller from access token claims and enforces the
// session stamp: a stamp bumped by a refresh or logout elsewhere invalidates
// this token here even though its signature and expiry are still good. This
// is the only endpoint that checks the stamp; the rest of the API trusts
// signed claims until natural expiry.
func (s *AuthService) CurrentUser(ctx context.Context, claims *security.Claims, rawToken string) (*UserDTO, error) {
	userID, err := claims.UserID()
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	user, err := s.users.FindByID(userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.SecurityStamp != claims.SecurityStamp {
		observability.RecordAuthAttempt(ctx, "current_user", "stamp_mismatch")
		return nil, ErrSessionStampMismatch
	}

	var latestExpiry time.Time
	if active, err := s.tokens.ListActiveByUserID(user.ID); err == nil && len(active) > 0 {
		latestExpiry = active[len(active)-1].ExpiresAt
	}
	return &UserDTO{
		ID:                     user.ID,
		DisplayName:            user.DisplayName,
		Email:                  user.Email,
		Roles:                  user.RoleNames(),
		Token:                  rawToken,
		RefreshTokenExpiration: latestExpiry,
	}, nil
}

func (s *AuthService) registerLoginFailure(ctx context.Context, email, ip string) {
	if _, err := s.abuseGuard.RegisterFailure(ctx, AuthAbuseScopeLogin, email, ip); err != nil {
		slog.WarnContext(ctx, "abuse guard failure registration failed", "error", err)
	}
}

func (s *AuthService) handleReuse(ctx context.Context, userID uint) error {
	revoked, err := s.tokens.RevokeAllActiveForUser(userID, domain.RevokeReasonReuseDetected)
	if err != nil {
		return err
	}
	observability.RecordReuseDetected(ctx, revoked)
	return ErrRefreshTokenReuseDetected
}

// issueSession appends a fresh refresh token to the user's chain, prunes
// tokens past the retention window, and signs an access token carrying the
// user's current session stamp.
func (s *AuthService) issueSession(ctx context.Context, user *domain.User) (*IssuedSession, error) {
	if _, err := s.tokens.Prune(user.ID, time.Now()); err != nil {
		slog.WarnContext(ctx, "refresh token prune failed", "user_id", user.ID, "error", err)
	}

	value, err := security.NewRefreshTokenValue()
	if err != nil {
		return nil, err
	}
	record := &domain.RefreshToken{
		UserID:    user.ID,
		TokenHash: security.HashRefreshToken(value, s.pepper),
		ExpiresAt: time.Now().Add(s.refreshTTL),
	}
	if err := s.tokens.Append(record); err != nil {
		return nil, err
	}

	access, err := s.jwtMgr.SignAccessToken(user.ID, user.Email, user.DisplayName, user.RoleNames(), user.SecurityStamp, s.accessTTL)
	if err != nil {
		return nil, err
	}
	return &IssuedSession{
		User: UserDTO{
			ID:                     user.ID,
			DisplayName:            user.DisplayName,
			Email:                  user.Email,
			Roles:                  user.RoleNames(),
			Token:                  access,
			RefreshTokenExpiration: record.ExpiresAt,
		},
		RefreshToken:     value,
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}
