package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter caps provider requests per hour. used is the number of requests
// counted in the current window including this one.
type Limiter interface {
	Allow(ctx context.Context, now time.Time) (allowed bool, used int64, resetAt time.Time, err error)
}

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RedisLimiter counts requests in fixed hourly windows shared by every process
// pointing at the same Redis.
type RedisLimiter struct {
	redis    *redis.Client
	provider string
	limit    int64
}

func NewRedisLimiter(rdb *redis.Client, provider string, limit int64) *RedisLimiter {
	return &RedisLimiter{redis: rdb, provider: provider, limit: limit}
}

func (r *RedisLimiter) Allow(ctx context.Context, now time.Time) (bool, int64, time.Time, error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("mycodehelper:ratelimit:%s:%s", r.provider, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// LocalLimiter is an in-process token bucket refilled at limit per hour.
type LocalLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	limit   int64
}

func NewLocalLimiter(limit int64) *LocalLimiter {
	return &LocalLimiter{
		limiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(limit)), int(limit)),
		limit:   limit,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, now time.Time) (bool, int64, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	allowed := l.limiter.AllowN(now, 1)
	tokens := l.limiter.TokensAt(now)
	used := l.limit - int64(math.Floor(tokens))
	if !allowed {
		used++
	}
	resetAt := now
	if tokens < 1 {
		missing := 1 - tokens
		resetAt = now.Add(time.Duration(missing * float64(time.Hour) / float64(l.limit)))
	}
	return allowed, used, resetAt, nil
}

// Noop never limits. It is used when RATE_LIMIT_PER_HOUR is 0.
type Noop struct{}

func (Noop) Allow(_ context.Context, now time.Time) (bool, int64, time.Time, error) {
	return true, 0, now, nil
}

// New picks the limiter for the given settings: none when limit <= 0, Redis
// when a client is given, the in-process bucket otherwise.
func New(rdb *redis.Client, provider string, limit int64) Limiter {
	switch {
	case limit <= 0:
		return Noop{}
	case rdb != nil:
		return NewRedisLimiter(rdb, provider, limit)
	default:
		return NewLocalLimiter(limit)
	}
}
