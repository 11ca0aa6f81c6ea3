package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const defaultLimitPerWindow = 60

var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a distributed fixed-window rate limiter backed by Redis.
type RedisRateLimiter struct {
	client       *goredis.Client
	limits       ratelimit.Limits
	defaultLimit int
	now          func() time.Time
	script       *goredis.Script
}

func NewRedisRateLimiter(client *goredis.Client, defaultLimit int, limits ratelimit.Limits) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, defaultLimit, limits, time.Now)
}

func newRedisRateLimiter(
	client *goredis.Client,
	defaultLimit int,
	limits ratelimit.Limits,
	nowFn func() time.Time,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if defaultLimit <= 0 {
		defaultLimit = defaultLimitPerWindow
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	normalized := make(ratelimit.Limits, len(limits))
	for channel, limit := range limits {
		normalized[ratelimit.NormalizeChannel(channel)] = limit
	}

	return &RedisRateLimiter{
		client:       client,
		limits:       normalized,
		defaultLimit: defaultLimit,
		now:          nowFn,
		script:       allowScript,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, channel string, key string) (bool, error) {
	if r == nil || r.client == nil || r.script == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	normalizedChannel := ratelimit.NormalizeChannel(channel)
	if normalizedChannel == "" {
		return false, fmt.Errorf("channel is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	window := int64(ratelimit.Window / time.Second)
	windowStart := r.now().UTC().Unix() / window * window
	redisKey := fmt.Sprintf("ratelimit:%s:%s:%d", normalizedChannel, strings.TrimSpace(key), windowStart)
	limit := r.limits.For(normalizedChannel, r.defaultLimit)

	result, err := r.script.Run(ctx, r.client, []string{redisKey}, limit, window).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}
