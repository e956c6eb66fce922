package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/webeng/identity-portal/internal/http/response"
	"github.com/webeng/identity-portal/internal/observability"
	"github.com/webeng/identity-portal/internal/security"
)

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
	ResetAt    time.Time
	Reason     string
}

// RateLimitPolicy combines a sustained sliding window with a burst bucket.
// The window bounds throughput over SustainedWindow; the bucket bounds how
// fast that budget can be consumed.
type RateLimitPolicy struct {
	SustainedLimit    int
	SustainedWindow   time.Duration
	BurstCapacity     int
	BurstRefillPerSec float64
}

type Limiter interface {
	Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error)
}

type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

type RateLimiter struct {
	limiter Limiter
	policy  RateLimitPolicy
	mode    FailureMode
	scope   string
	keyFunc func(r *http.Request) string
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return NewRateLimiterWith(NewLocalLimiter(), newRateLimitPolicy(limit, window), FailClosed, "local", nil)
}

func NewRateLimiterWithKey(limit int, window time.Duration, keyFunc func(r *http.Request) string) *RateLimiter {
	return NewRateLimiterWith(NewLocalLimiter(), newRateLimitPolicy(limit, window), FailClosed, "local", keyFunc)
}

func NewRateLimiterWith(limiter Limiter, policy RateLimitPolicy, mode FailureMode, scope string, keyFunc func(r *http.Request) string) *RateLimiter {
	if scope == "" {
		scope = "api"
	}
	if keyFunc == nil {
		keyFunc = clientIPKey
	}
	return &RateLimiter{
		limiter: limiter,
		policy:  normalizePolicy(policy),
		mode:    mode,
		scope:   scope,
		keyFunc: keyFunc,
	}
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rl.keyFunc(r)
			if key == "" {
				key = clientIPKey(r)
			}
			keyType := rateLimitKeyType(key)
			decision, err := rl.limiter.Allow(r.Context(), key, rl.policy)
			if err != nil {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "backend_error", string(rl.mode), keyType)
				if rl.mode == FailOpen {
					slog.Warn("rate limiter backend unavailable, allowing request",
						"scope", rl.scope,
						"error", err.Error(),
					)
					next.ServeHTTP(w, r)
					return
				}
				writeRateLimitHeaders(w.Header(), rl.policy.SustainedLimit, 0, time.Now().Add(rl.policy.SustainedWindow))
				w.Header().Set("Retry-After", retryAfterHeader(rl.policy.SustainedWindow))
				observability.RecordRateLimitRetryAfter(r.Context(), rl.scope, "backend", rl.policy.SustainedWindow)
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			writeRateLimitHeaders(w.Header(), rl.policy.SustainedLimit, decision.Remaining, decision.ResetAt)
			if !decision.Allowed {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "deny", string(rl.mode), keyType)
				w.Header().Set("Retry-After", retryAfterHeader(decision.RetryAfter))
				reason := decision.Reason
				if reason == "" {
					reason = "window"
				}
				observability.RecordRateLimitRetryAfter(r.Context(), rl.scope, reason, decision.RetryAfter)
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			observability.RecordRateLimitDecision(r.Context(), rl.scope, "allow", string(rl.mode), keyType)
			next.ServeHTTP(w, r)
		})
	}
}

// SubjectOrIPKeyFunc keys authenticated traffic by token subject so users
// behind a shared NAT do not consume each other's budget. Unauthenticated
// requests fall back to the client IP.
func SubjectOrIPKeyFunc(jwtMgr *security.JWTManager) func(r *http.Request) string {
	return func(r *http.Request) string {
		if jwtMgr == nil {
			return clientIPKey(r)
		}
		subject := requestSubject(r, jwtMgr)
		if subject == "" {
			return clientIPKey(r)
		}
		return "sub:" + subject
	}
}

func requestSubject(r *http.Request, jwtMgr *security.JWTManager) string {
	raw := bearerToken(r)
	if raw == "" {
		return ""
	}
	claims, err := jwtMgr.ParseAccessToken(raw)
	if err != nil {
		return ""
	}
	return claims.Subject
}

type localLimiter struct {
	mu      sync.Mutex
	store   map[string]*localLimiterState
	cleanup time.Time
}

type localLimiterState struct {
	tokens     float64
	lastRefill time.Time
	hits       []time.Time
}

func NewLocalLimiter() Limiter {
	return &localLimiter{
		store:   make(map[string]*localLimiterState),
		cleanup: time.Now().Add(time.Minute),
	}
}

func (l *localLimiter) Allow(_ context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	policy = normalizePolicy(policy)
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.cleanup) {
		for k, v := range l.store {
			if len(v.hits) == 0 && now.Sub(v.lastRefill) > 2*policy.SustainedWindow {
				delete(l.store, k)
			}
		}
		l.cleanup = now.Add(policy.SustainedWindow)
	}

	state, ok := l.store[key]
	if !ok {
		state = &localLimiterState{
			tokens:     float64(policy.BurstCapacity),
			lastRefill: now,
		}
		l.store[key] = state
	}
	if now.After(state.lastRefill) {
		elapsed := now.Sub(state.lastRefill).Seconds()
		state.tokens = min(float64(policy.BurstCapacity), state.tokens+(elapsed*policy.BurstRefillPerSec))
		state.lastRefill = now
	}

	cutoff := now.Add(-policy.SustainedWindow)
	pruned := state.hits[:0]
	for _, hit := range state.hits {
		if hit.After(cutoff) {
			pruned = append(pruned, hit)
		}
	}
	state.hits = pruned

	sustainedRemaining := policy.SustainedLimit - len(state.hits)
	bucketRetry := time.Duration(0)
	reason := ""
	if state.tokens < 1 {
		need := 1 - state.tokens
		bucketRetry = time.Duration(math.Ceil((need / policy.BurstRefillPerSec) * float64(time.Second)))
		reason = "bucket"
	}
	sustainedRetry := time.Duration(0)
	if sustainedRemaining <= 0 {
		sustainedRetry = state.hits[0].Add(policy.SustainedWindow).Sub(now)
		if sustainedRetry < 0 {
			sustainedRetry = 0
		}
		if sustainedRetry >= bucketRetry {
			reason = "window"
		}
	}

	allowed := bucketRetry <= 0 && sustainedRetry <= 0
	if allowed {
		state.tokens = max(state.tokens-1, 0)
		state.hits = append(state.hits, now)
		sustainedRemaining = policy.SustainedLimit - len(state.hits)
	}

	bucketRemaining := int(math.Floor(state.tokens))
	remaining := min(max(bucketRemaining, 0), max(sustainedRemaining, 0))
	retryAfter := max(bucketRetry, sustainedRetry)
	if !allowed && retryAfter <= 0 {
		retryAfter = time.Second
	}

	resetAt := now.Add(policy.SustainedWindow)
	if len(state.hits) > 0 {
		resetAt = state.hits[0].Add(policy.SustainedWindow)
	}
	if !allowed {
		resetAt = now.Add(retryAfter)
	}

	return Decision{
		Allowed:    allowed,
		RetryAfter: retryAfter,
		Remaining:  remaining,
		ResetAt:    resetAt,
		Reason:     reason,
	}, nil
}

func clientIPKey(r *http.Request) string {
	ip := parseRequestIP(r)
	if ip != nil {
		return ip.String()
	}
	return r.RemoteAddr
}

func retryAfterHeader(d time.Duration) string {
	if d <= 0 {
		return "1"
	}
	seconds := int(d.Round(time.Second).Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return fmt.Sprintf("%d", seconds)
}

func writeRateLimitHeaders(h http.Header, limit int, remaining int, resetAt time.Time) {
	h.Set("X-RateLimit-Limit", fmt.Sprintf("%d", max(limit, 0)))
	h.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", max(remaining, 0)))
	if resetAt.IsZero() {
		resetAt = time.Now().Add(time.Second)
	}
	h.Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))
}

func newRateLimitPolicy(limit int, window time.Duration) RateLimitPolicy {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	refill := float64(limit) / window.Seconds()
	if refill <= 0 {
		refill = 1
	}
	return RateLimitPolicy{
		SustainedLimit:    limit,
		SustainedWindow:   window,
		BurstCapacity:     limit,
		BurstRefillPerSec: refill,
	}
}

func normalizePolicy(policy RateLimitPolicy) RateLimitPolicy {
	if policy.SustainedLimit <= 0 {
		policy.SustainedLimit = 1
	}
	if policy.SustainedWindow <= 0 {
		policy.SustainedWindow = time.Minute
	}
	if policy.BurstCapacity < policy.SustainedLimit {
		policy.BurstCapacity = policy.SustainedLimit
	}
	if policy.BurstRefillPerSec <= 0 {
		policy.BurstRefillPerSec = float64(policy.SustainedLimit) / policy.SustainedWindow.Seconds()
	}
	if policy.BurstRefillPerSec <= 0 {
		policy.BurstRefillPerSec = 1
	}
	return policy
}

func rateLimitKeyType(key string) string {
	if strings.HasPrefix(key, "sub:") {
		return "subject"
	}
	return "ip"
}
