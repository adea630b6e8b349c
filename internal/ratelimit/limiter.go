package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is the sliding window used for per-minute limits.
const Window = time.Minute

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter performs sliding-window admission control. A limit <= 0 admits everything.
type Limiter interface {
	Admit(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error)
}

// MemoryLimiter keeps per-key request timestamps in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

// NewMemoryLimiter creates an in-process limiter. now may be nil to use the wall clock.
func NewMemoryLimiter(now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		windows: make(map[string][]time.Time),
		now:     now,
	}
}

// Admit drops timestamps older than window, rejects when the remaining count has
// reached limit, and otherwise records the current request.
func (l *MemoryLimiter) Admit(_ context.Context, key string, limit int64, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)
	stamps := l.windows[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if int64(len(kept)) >= limit {
		l.windows[key] = kept
		delay := kept[0].Add(window).Sub(now)
		if delay <= 0 {
			delay = time.Millisecond
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: delay}, nil
	}

	kept = append(kept, now)
	l.windows[key] = kept
	return Decision{Allowed: true, Remaining: limit - int64(len(kept))}, nil
}

// RedisLimiter performs sliding-window rate limiting backed by Redis sorted sets.
type RedisLimiter struct {
	rdb *redis.Client
	seq atomic.Uint64
}

// NewRedisLimiter creates a Redis-backed limiter. If rdb is nil, all checks pass (fail open).
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

// slidingWindowScript atomically: removes expired entries, counts, adds current if under limit.
// KEYS[1] = sorted set key
// ARGV[1] = window start (unix micro)
// ARGV[2] = now (unix micro), used as score
// ARGV[3] = limit
// ARGV[4] = TTL seconds for the key
// ARGV[5] = unique member
// Returns: [count, 1=allowed/0=denied, oldest score in window (unix micro) or 0]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, ARGV[5])
    redis.call('EXPIRE', key, ttl)
    return {count + 1, 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
redis.call('EXPIRE', key, ttl)
local oldest_score = 0
if oldest[2] then
    oldest_score = tonumber(oldest[2])
end
return {count, 0, oldest_score}
`)

func (l *RedisLimiter) Admit(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error) {
	if limit <= 0 || l.rdb == nil {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := time.Now()
	nowMicro := now.UnixMicro()
	windowStart := now.Add(-window).UnixMicro()
	ttlSecs := int64(window.Seconds()) + 1
	member := fmt.Sprintf("%d-%d", nowMicro, l.seq.Add(1))

	redisKey := fmt.Sprintf("switchboard:rl:%s", key)

	result, err := slidingWindowScript.Run(ctx, l.rdb, []string{redisKey},
		windowStart, nowMicro, limit, ttlSecs, member,
	).Int64Slice()
	if err != nil || len(result) < 3 {
		// Fail open on Redis errors
		return Decision{Allowed: true, Remaining: limit}, err
	}

	count := result[0]
	if result[1] == 1 {
		remaining := limit - count
		if remaining < 0 {
			remaining = 0
		}
		return Decision{Allowed: true, Remaining: remaining}, nil
	}

	delay := time.UnixMicro(result[2]).Add(window).Sub(now)
	if delay <= 0 {
		delay = time.Millisecond
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: delay}, nil
}

// ModelKey is the limiter bucket for a raw (non-normalized) model string.
func ModelKey(rawModel string) string {
	return "model:" + rawModel
}

// KeyBucket is the limiter bucket for a caller's API key.
func KeyBucket(keyID string) string {
	return "key:" + keyID
}
