package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// AuthAbuseScope separates failure counters per flow.
type AuthAbuseScope string

const AuthAbuseScopeLogin AuthAbuseScope = "login"

// AuthAbusePolicy shapes the escalating cooldown applied after repeated
// failures. FreeAttempts failures are tolerated without any cooldown; each
// further failure multiplies the delay up to MaxDelay. Counters reset on
// success or after ResetWindow of quiet.
type AuthAbusePolicy struct {
	FreeAttempts int
	BaseDelay    time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	ResetWindow  time.Duration
}

func DefaultAuthAbusePolicy() AuthAbusePolicy {
	return AuthAbusePolicy{
		FreeAttempts: 5,
		BaseDelay:    30 * time.Second,
		Multiplier:   2,
		MaxDelay:     15 * time.Minute,
		ResetWindow:  time.Hour,
	}
}

type AuthAbuseGuard interface {
	Check(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error)
	RegisterFailure(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error)
	Reset(ctx context.Context, scope AuthAbuseScope, identity, ip string) error
}

// NoopAuthAbuseGuard disables lockout when no redis is configured.
type NoopAuthAbuseGuard struct{}

func NewNoopAuthAbuseGuard() *NoopAuthAbuseGuard { return &NoopAuthAbuseGuard{} }

func (g *NoopAuthAbuseGuard) Check(context.Context, AuthAbuseScope, string, string) (time.Duration, error) {
	return 0, nil
}

func (g *NoopAuthAbuseGuard) RegisterFailure(context.Context, AuthAbuseScope, string, string) (time.Duration, error) {
	return 0, nil
}

func (g *NoopAuthAbuseGuard) Reset(context.Context, AuthAbuseScope, string, string) error {
	return nil
}

type RedisAuthAbuseGuard struct {
	client redis.UniversalClient
	prefix string
	policy AuthAbusePolicy
}

func NewRedisAuthAbuseGuard(client redis.UniversalClient, prefix string, policy AuthAbusePolicy) *RedisAuthAbuseGuard {
	if prefix == "" {
		prefix = "auth_abuse"
	}
	return &RedisAuthAbuseGuard{client: client, prefix: prefix, policy: policy}
}

func normalizeAuthIdentity(identity string) string {
	return strings.TrimSpace(strings.ToLower(identity))
}

func (g *RedisAuthAbuseGuard) stateKey(scope AuthAbuseScope, kind, subject string) string {
	return fmt.Sprintf("%s:%s:%s:%s", g.prefix, scope, kind, hashToken(subject))
}

func (g *RedisAuthAbuseGuard) subjectKeys(scope AuthAbuseScope, identity, ip string) []string {
	keys := make([]string, 0, 2)
	if identity != "" {
		keys = append(keys, g.stateKey(scope, "id", normalizeAuthIdentity(identity)))
	}
	if ip != "" {
		keys = append(keys, g.stateKey(scope, "ip", ip))
	}
	return keys
}

func (g *RedisAuthAbuseGuard) Check(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	if g.client == nil {
		return 0, nil
	}
	now := time.Now()
	var max time.Duration
	for _, key := range g.subjectKeys(scope, identity, ip) {
		raw, err := g.client.HGet(ctx, key, "cooldown_until_ms").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return 0, err
		}
		untilMS, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse cooldown state %q: %w", key, err)
		}
		remaining := time.UnixMilli(untilMS).Sub(now)
		if remaining > max {
			max = remaining
		}
	}
	return max, nil
}

func (g *RedisAuthAbuseGuard) RegisterFailure(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	if g.client == nil {
		return 0, nil
	}
	now := time.Now()
	var max time.Duration
	for _, key := range g.subjectKeys(scope, identity, ip) {
		failures, err := g.client.HIncrBy(ctx, key, "failures", 1).Result()
		if err != nil {
			return 0, err
		}
		cooldown := g.cooldownFor(failures)
		pipe := g.client.TxPipeline()
		pipe.HSet(ctx, key, "last_failure_ms", now.UnixMilli())
		if cooldown > 0 {
			pipe.HSet(ctx, key, "cooldown_until_ms", now.Add(cooldown).UnixMilli())
		}
		if g.policy.ResetWindow > 0 {
			pipe.Expire(ctx, key, g.policy.ResetWindow)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
		if cooldown > max {
			max = cooldown
		}
	}
	return max, nil
}

func (g *RedisAuthAbuseGuard) Reset(ctx context.Context, scope AuthAbuseScope, identity, ip string) error {
	if g.client == nil {
		return nil
	}
	keys := g.subjectKeys(scope, identity, ip)
	if len(keys) == 0 {
		return nil
	}
	return g.client.Del(ctx, keys...).Err()
}

func (g *RedisAuthAbuseGuard) cooldownFor(failures int64) time.Duration {
	free := int64(g.policy.FreeAttempts)
	if failures <= free || g.policy.BaseDelay <= 0 {
		return 0
	}
	mult := g.policy.Multiplier
	if mult < 1 {
		mult = 1
	}
	scale := math.Pow(mult, float64(failures-free-1))
	cooldown := time.Duration(float64(g.policy.BaseDelay) * scale)
	if g.policy.MaxDelay > 0 && cooldown > g.policy.MaxDelay {
		cooldown = g.policy.MaxDelay
	}
	return cooldown
}
