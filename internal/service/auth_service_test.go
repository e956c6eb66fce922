package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/webeng/identity-portal/internal/domain"
	"github.com/webeng/identity-portal/internal/repository"
	"github.com/webeng/identity-portal/internal/security"
)

const testPepper = "unit-test-pepper"

type authFixture struct {
	svc    *AuthService
	users  *memUserRepo
	tokens *memTokenRepo
	jwtMgr *security.JWTManager
	guard  *blockingAbuseGuard
	neg    NegativeLookupCacheStore
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	roles := newMemRoleRepo()
	users := newMemUserRepo(roles)
	tokens := newMemTokenRepo()
	jwtMgr := security.NewJWTManager("identity-portal-test", "identity-portal", "0123456789abcdef0123456789abcdef")
	guard := &blockingAbuseGuard{}
	neg := NewInMemoryNegativeLookupCacheStore()
	svc := NewAuthService(users, roles, tokens, jwtMgr, guard, neg, testPepper, 15*time.Minute, 2*time.Hour)
	return &authFixture{svc: svc, users: users, tokens: tokens, jwtMgr: jwtMgr, guard: guard, neg: neg}
}

func validRegisterInput() RegisterInput {
	return RegisterInput{
		DisplayName: "Ada Lovelace",
		UserName:    "ada",
		Email:       "ada@example.com",
		Password:    "Sup3rSecret",
	}
}

func TestRegisterValidationCollectsAllViolations(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Register(context.Background(), RegisterInput{Password: "short"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Violations) < 4 {
		t.Fatalf("expected violations for name, username, email and password, got %v", verr.Violations)
	}
}

func TestRegisterThenLogin(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	registered, err := f.svc.Register(ctx, validRegisterInput())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if registered.RefreshToken == "" {
		t.Fatal("expected an opaque refresh token value")
	}
	claims, err := f.jwtMgr.ParseAccessToken(registered.User.Token)
	if err != nil {
		t.Fatalf("parse issued access token: %v", err)
	}
	if !claims.HasRole("User") {
		t.Fatalf("expected default User role in claims, got %v", claims.Roles)
	}

	logged, err := f.svc.Login(ctx, "ada@example.com", "Sup3rSecret", "203.0.113.9")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if logged.User.ID != registered.User.ID {
		t.Fatalf("login resolved user %d, registered %d", logged.User.ID, registered.User.ID)
	}
	if logged.RefreshToken == registered.RefreshToken {
		t.Fatal("each session must carry a distinct refresh token value")
	}
	if f.guard.resets != 1 {
		t.Fatalf("expected one abuse guard reset on success, got %d", f.guard.resets)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, validRegisterInput()); err != nil {
		t.Fatalf("register: %v", err)
	}
	in := validRegisterInput()
	in.UserName = "ada2"
	if _, err := f.svc.Register(ctx, in); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

// blindUserRepo hides existing users from the email pre-check, modeling a
// registration that lands between another request's check and its insert.
type blindUserRepo struct {
	repository.UserRepository
}

func (r *blindUserRepo) FindByEmail(string) (*domain.User, error) {
	return nil, repository.ErrUserNotFound
}

func TestRegisterConcurrentDuplicateMapsToEmailTaken(t *testing.T) {
	roles := newMemRoleRepo()
	users := newMemUserRepo(roles)
	jwtMgr := security.NewJWTManager("identity-portal-test", "identity-portal", "0123456789abcdef0123456789abcdef")
	svc := NewAuthService(&blindUserRepo{UserRepository: users}, roles, newMemTokenRepo(), jwtMgr, nil, nil, testPepper, 15*time.Minute, 2*time.Hour)
	ctx := context.Background()

	if _, err := svc.Register(ctx, validRegisterInput()); err != nil {
		t.Fatalf("register: %v", err)
	}
	in := validRegisterInput()
	in.UserName = "ada2"
	if _, err := svc.Register(ctx, in); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected the unique index loser to surface ErrEmailTaken, got %v", err)
	}
}

func TestLoginWrongPasswordRegistersFailure(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, validRegisterInput()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.svc.Login(ctx, "ada@example.com", "wrong-Password1", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if f.guard.failures != 1 {
		t.Fatalf("expected one registered failure, got %d", f.guard.failures)
	}
}

func TestLoginLockedAccountGetsGenericFailure(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, validRegisterInput()); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.guard.cooldown = time.Minute

	_, err := f.svc.Login(ctx, "ada@example.com", "Sup3rSecret", "")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("locked account must look like bad credentials, got %v", err)
	}
}

func TestLoginUnknownEmailShortCircuitsThroughNegativeCache(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Login(ctx, "ghost@example.com", "Whatever1x", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	lookupsAfterFirst := f.users.emailLookups

	if _, err := f.svc.Login(ctx, "ghost@example.com", "Whatever1x", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if f.users.emailLookups != lookupsAfterFirst {
		t.Fatalf("second attempt must be served from the negative cache, lookups %d -> %d", lookupsAfterFirst, f.users.emailLookups)
	}
}

func TestRegisterInvalidatesNegativeEmailCache(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Login(ctx, "ada@example.com", "Sup3rSecret", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials before registration, got %v", err)
	}
	if _, err := f.svc.Register(ctx, validRegisterInput()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.svc.Login(ctx, "ada@example.com", "Sup3rSecret", ""); err != nil {
		t.Fatalf("login after registration must not hit the stale cached miss: %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	first, err := f.svc.Register(ctx, validRegisterInput())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := f.svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("rotation must mint a new refresh token value")
	}

	active, err := f.tokens.ListActiveByUserID(first.User.ID)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one active token after rotation, got %d", len(active))
	}
}

func TestRefreshReplayRevokesWholeChain(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	first, err := f.svc.Register(ctx, validRegisterInput())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, first.RefreshToken); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// replaying the rotated value is the reuse signal
	if _, err := f.svc.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrRefreshTokenReuseDetected) {
		t.Fatalf("expected ErrRefreshTokenReuseDetected, got %v", err)
	}

	active, err := f.tokens.ListActiveByUserID(first.User.ID)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("reuse detection must revoke every active token, %d left", len(active))
	}
}

func TestRefreshUnknownTokenIsNotReuse(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Refresh(context.Background(), "never-issued")
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
	if _, err := f.svc.Refresh(context.Background(), ""); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken for empty value, got %v", err)
	}
}

func TestRefreshExpiredTokenTreatedAsReuse(t *testing.T) {
	roles := newMemRoleRepo()
	users := newMemUserRepo(roles)
	tokens := newMemTokenRepo()
	jwtMgr := security.NewJWTManager("identity-portal-test", "identity-portal", "0123456789abcdef0123456789abcdef")
	// refresh TTL in the past so the issued token is born expired
	svc := NewAuthService(users, roles, tokens, jwtMgr, nil, nil, testPepper, 15*time.Minute, -time.Minute)
	ctx := context.Background()

	session, err := svc.Register(ctx, validRegisterInput())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); !errors.Is(err, ErrRefreshTokenReuseDetected) {
		t.Fatalf("expected ErrRefreshTokenReuseDetected for expired token, got %v", err)
	}
}

func TestRefreshBumpsSecurityStamp(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	first, err := f.svc.Register(ctx, validRegisterInput())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	oldClaims, err := f.jwtMgr.ParseAccessToken(first.User.Token)
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}

	second, err := f.svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	newClaims, err := f.jwtMgr.ParseAccessToken(second.User.Token)
	if err != nil {
		t.Fatalf("parse rotated access token: %v", err)
	}
	if newClaims.SecurityStamp == oldClaims.SecurityStamp {
		t.Fatal("refresh must bump the session stamp")
	}

	if _, err := f.svc.CurrentUser(ctx, oldClaims, first.User.Token); !errors.Is(err, ErrSessionStampMismatch) {
		t.Fatalf("pre-refresh token must fail the stamp check, got %v", err)
	}
	dto, err := f.svc.CurrentUser(ctx, newClaims, second.User.Token)
	if err != nil {
		t.Fatalf("current user with fresh token: %v", err)
	}
	if dto.Email != "ada@example.com" {
		t.Fatalf("unexpected email %q", dto.Email)
	}
	if dto.Token != second.User.Token {
		t.Fatal("current user must echo the presented access token")
	}
}

func TestLogoutRevokesTokenAndInvalidatesAccess(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	session, err := f.svc.Register(ctx, validRegisterInput())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	claims, err := f.jwtMgr.ParseAccessToken(session.User.Token)
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}

	f.svc.Logout(ctx, claims, session.RefreshToken)

	active, err := f.tokens.ListActiveByUserID(session.User.ID)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("logout must revoke the presented refresh token, %d active", len(active))
	}
	if _, err := f.svc.CurrentUser(ctx, claims, session.User.Token); !errors.Is(err, ErrSessionStampMismatch) {
		t.Fatalf("expected stamp mismatch after logout, got %v", err)
	}

	// idempotent: a second logout with nothing left is a no-op
	f.svc.Logout(ctx, claims, session.RefreshToken)
}

func TestCurrentUserUnknownUser(t *testing.T) {
	f := newAuthFixture(t)

	token, err := f.jwtMgr.SignAccessToken(42, "gone@example.com", "Gone", nil, "stamp", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := f.jwtMgr.ParseAccessToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := f.svc.CurrentUser(context.Background(), claims, token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for deleted user, got %v", err)
	}
}

func TestRefreshLosingRaceIsReportedAsReuse(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	session, err := f.svc.Register(ctx, validRegisterInput())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// revoke between lookup and rotation is indistinguishable from losing
	// the conditional update race; sanity-check the repository contract
	hash := security.HashRefreshToken(session.RefreshToken, testPepper)
	if _, err := f.tokens.RevokeByHash(hash, "rotated"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, session.RefreshToken); !errors.Is(err, ErrRefreshTokenReuseDetected) {
		t.Fatalf("expected ErrRefreshTokenReuseDetected, got %v", err)
	}
}

var _ repository.UserRepository = (*memUserRepo)(nil)
var _ repository.RoleRepository = (*memRoleRepo)(nil)
var _ repository.RefreshTokenRepository = (*memTokenRepo)(nil)
