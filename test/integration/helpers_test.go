package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/webeng/identity-portal/internal/domain"
	"github.com/webeng/identity-portal/internal/http/handler"
	"github.com/webeng/identity-portal/internal/http/router"
	"github.com/webeng/identity-portal/internal/repository"
	"github.com/webeng/identity-portal/internal/security"
	"github.com/webeng/identity-portal/internal/service"
)

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

// newAuthTestServer wires the full router against an in-memory sqlite
// database. The returned client carries a cookie jar so refresh and csrf
// cookies flow like they would in a browser.
func newAuthTestServer(t *testing.T) (string, *http.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.Role{}, &domain.RefreshToken{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	users := repository.NewUserRepository(db)
	roles := repository.NewRoleRepository(db)
	tokens := repository.NewRefreshTokenRepository(db)
	jwtMgr := security.NewJWTManager("identity-portal-itest", "identity-portal", "integration-test-secret-0123456789")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := service.NewAuthService(users, roles, tokens, jwtMgr, nil, nil, "itest-pepper", 15*time.Minute, 2*time.Hour)
	adminSvc := service.NewAdminService(users, tokens, nil)

	h := router.NewRouter(router.Dependencies{
		AuthHandler:      handler.NewAuthHandler(authSvc, logger, false),
		AdminHandler:     handler.NewAdminHandler(adminSvc, logger),
		JWTManager:       jwtMgr,
		AuthRateLimitRPM: 10_000,
		APIRateLimitRPM:  10_000,
	})

	srv := httptest.NewServer(h)
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{Jar: jar, Timeout: 10 * time.Second}

	closeFn := func() {
		srv.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return srv.URL, client, closeFn
}

func doJSON(t *testing.T, client *http.Client, method, rawURL string, body any, headers map[string]string) (*http.Response, apiEnvelope) {
	t.Helper()
	return doRaw(t, client, method, rawURL, body, headers, nil)
}

// doRaw sends a request with explicit extra cookies alongside whatever the
// client jar contributes. It lets a test replay a credential the jar has
// already rotated away.
func doRaw(t *testing.T, client *http.Client, method, rawURL string, body any, headers map[string]string, cookies []*http.Cookie) (*http.Response, apiEnvelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, rawURL, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	sender := client
	if len(cookies) > 0 {
		// bypass the jar so only the supplied cookies travel
		sender = &http.Client{Timeout: client.Timeout}
		for _, c := range cookies {
			req.AddCookie(c)
		}
	}

	resp, err := sender.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env apiEnvelope
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode envelope from %q: %v", string(raw), err)
		}
	}
	return resp, env
}

// cookieValue pulls a cookie from the jar regardless of the path it is
// scoped to.
func cookieValue(t *testing.T, client *http.Client, baseURL, name string) string {
	t.Helper()
	for _, path := range []string{"/", security.RefreshCookiePath + "/refresh"} {
		u, err := url.Parse(baseURL + path)
		if err != nil {
			t.Fatalf("parse url: %v", err)
		}
		for _, c := range client.Jar.Cookies(u) {
			if c.Name == name {
				return c.Value
			}
		}
	}
	return ""
}

func registerAndLogin(t *testing.T, client *http.Client, baseURL, email, password string) apiEnvelope {
	t.Helper()
	body := map[string]string{
		"displayName": "Integration User",
		"userName":    strings.SplitN(email, "@", 2)[0],
		"email":       email,
		"password":    password,
	}
	resp, env := doJSON(t, client, http.MethodPost, baseURL+"/api/v1/auth/register", body, nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("register failed: status=%d success=%v error=%+v", resp.StatusCode, env.Success, env.Error)
	}
	return env
}
