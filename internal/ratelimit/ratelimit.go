package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crawlclean/internal/metrics"
)

const (
	keyPrefix = "rate_limit:"
	window    = time.Minute
)

// allowScript trims the window, counts it, and records the new request
// in one atomic step, so two racing requests cannot both slip under
// the limit.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cutoff = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local ttl = tonumber(ARGV[5])
redis.call('ZREMRANGEBYSCORE', key, 0, cutoff)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, ttl)
return 1
`)

// admitFunc runs the admission script and reports 1 (admit) or 0
// (deny). Extracted so tests can stub Redis.
type admitFunc func(ctx context.Context, key string, nowMs, cutoffMs int64, limit int, member string, ttlMs int64) (int64, error)

// Limiter enforces a per-credential sliding window over Redis. Only
// admitted requests are recorded, so a denied burst cannot starve the
// caller indefinitely.
type Limiter struct {
	admit admitFunc
}

func New(rdb *redis.Client) *Limiter {
	l := &Limiter{}
	if rdb != nil {
		l.admit = func(ctx context.Context, key string, nowMs, cutoffMs int64, limit int, member string, ttlMs int64) (int64, error) {
			return allowScript.Run(ctx, rdb, []string{key}, nowMs, cutoffMs, limit, member, ttlMs).Int64()
		}
	}
	return l
}

// Allow reports whether the credential identified by keyHash may make
// another request given its per-minute limit. limit <= 0 means
// unlimited. A nil Redis client admits everything (single-process dev
// setups without Redis).
func (l *Limiter) Allow(ctx context.Context, keyHash string, limit int) (bool, error) {
	if limit <= 0 || l.admit == nil {
		return true, nil
	}

	now := time.Now()
	member := fmt.Sprintf("%d", now.UnixNano())
	admitted, err := l.admit(ctx, keyPrefix+keyHash,
		now.UnixMilli(), now.Add(-window).UnixMilli(), limit, member,
		window.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	if admitted == 0 {
		metrics.IncrRateLimited()
		return false, nil
	}
	return true, nil
}
