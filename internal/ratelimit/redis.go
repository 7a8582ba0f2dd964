package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript increments the window counter and arms its expiry in one
// atomic round trip. INCR-then-EXPIRE as two commands would leave an
// immortal key if the client died between them.
var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter is the shared-store limiter used in production. Store
// failures and timeouts surface as errors so the caller can fail closed;
// there is no in-process fallback, which would turn an outage into an
// unlimited window.
type RedisLimiter struct {
	client  *redis.Client
	window  time.Duration
	timeout time.Duration
	prefix  string
}

// NewRedis builds a limiter on client with the given window. Every store
// call is bounded by timeout.
func NewRedis(client *redis.Client, window, timeout time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisLimiter{
		client:  client,
		window:  window,
		timeout: timeout,
		prefix:  "rl:",
	}
}

// Allow implements Limiter using an atomic INCR+PEXPIRE script.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	if limit <= 0 {
		limit = 1
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	res, err := windowScript.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: window increment: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %T", res)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.window.Milliseconds()
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= limit,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(time.Duration(ttlMs) * time.Millisecond),
	}, nil
}
