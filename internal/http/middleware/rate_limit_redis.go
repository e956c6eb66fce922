package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisFixedWindowScript counts the hit and stamps the window TTL in one
// atomic step so concurrent requests cannot double-start a window.
var redisFixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

type redisFixedWindowLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisFixedWindowLimiter is the distributed counterpart of the local
// limiter, for deployments running more than one instance behind a balancer.
func NewRedisFixedWindowLimiter(client *redis.Client, prefix string) Limiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &redisFixedWindowLimiter{client: client, prefix: prefix}
}

func (l *redisFixedWindowLimiter) Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	policy = normalizePolicy(policy)
	windowKey := fmt.Sprintf("%s:%s", l.prefix, key)

	res, err := redisFixedWindowScript.Run(ctx, l.client, []string{windowKey}, policy.SustainedWindow.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit for %q: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("redis rate limit for %q: unexpected reply %v", key, res)
	}
	current, ok := res[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("redis rate limit for %q: non-integer count %v", key, res[0])
	}
	ttlMillis, ok := res[1].(int64)
	if !ok || ttlMillis < 0 {
		ttlMillis = policy.SustainedWindow.Milliseconds()
	}
	ttl := time.Duration(ttlMillis) * time.Millisecond

	remaining := policy.SustainedLimit - int(current)
	if remaining < 0 {
		remaining = 0
	}
	decision := Decision{
		Allowed:   current <= int64(policy.SustainedLimit),
		Remaining: remaining,
		ResetAt:   time.Now().Add(ttl),
	}
	if !decision.Allowed {
		decision.RetryAfter = ttl
		decision.Reason = "window"
		if decision.RetryAfter <= 0 {
			decision.RetryAfter = time.Second
		}
	}
	return decision, nil
}
