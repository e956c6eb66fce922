package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/webeng/identity-portal/internal/client/guard"
)

// Client speaks the portal's JSON API the way the browser app does: the
// refresh credential lives in the cookie jar and never touches caller code,
// while access tokens are returned for the guard to manage.
type Client struct {
	http    *http.Client
	baseURL *url.URL
}

type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("portal: %s (%s, http %d)", e.Message, e.Code, e.Status)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

// Session mirrors the user payload returned by session-issuing endpoints.
type Session struct {
	ID                     uint      `json:"id"`
	DisplayName            string    `json:"displayName"`
	Email                  string    `json:"email"`
	Roles                  []string  `json:"roles"`
	Token                  string    `json:"token"`
	RefreshTokenExpiration time.Time `json:"refreshTokenExpiration"`
}

type RegisterParams struct {
	DisplayName string `json:"displayName"`
	UserName    string `json:"userName"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Password    string `json:"password"`
}

func New(baseURL string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Client{
		http:    &http.Client{Jar: jar, Timeout: 15 * time.Second},
		baseURL: u,
	}, nil
}

func (c *Client) Register(ctx context.Context, params RegisterParams) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/register", params, "", &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	var session Session
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", body, "", &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Refresh rotates the session through the cookie-held refresh token and
// satisfies the guard's Refresher interface.
func (c *Client) Refresh(ctx context.Context) (guard.Snapshot, error) {
	var session Session
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/refresh", nil, "", &session); err != nil {
		return guard.Snapshot{}, err
	}
	return guard.Snapshot{
		Token:                  session.Token,
		DisplayName:            session.DisplayName,
		Email:                  session.Email,
		Roles:                  session.Roles,
		RefreshTokenExpiration: session.RefreshTokenExpiration,
	}, nil
}

func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/auth/logout", nil, accessToken, nil)
}

func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodGet, "/api/v1/auth/current-user", nil, accessToken, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, accessToken string, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if csrf := c.csrfToken(); csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if !env.Success || resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Code: "UNKNOWN", Message: "request failed"}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode payload: %w", method, path, err)
		}
	}
	return nil
}

// csrfToken reads the double-submit cookie the server set at login so
// mutating calls can echo it back.
func (c *Client) csrfToken() string {
	for _, cookie := range c.http.Jar.Cookies(c.baseURL) {
		if cookie.Name == "csrf_token" {
			return cookie.Value
		}
	}
	return ""
}
