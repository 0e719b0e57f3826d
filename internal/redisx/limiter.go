package redisx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/storefront-fulfillment/internal/resilience"
)

// KEYS[1] set, ARGV: now ms, window ms, limit, member.
// Returns {allowed, remaining, retry after ms}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, limit - count - 1, 0}
end

local retry = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// SlidingWindowLimiter is a Redis sorted-set sliding log shared by every
// replica. The check and the insert run atomically in one script.
type SlidingWindowLimiter struct {
	rdb   redis.Scripter
	clock func() time.Time
}

var _ resilience.Limiter = (*SlidingWindowLimiter)(nil)

func NewSlidingWindowLimiter(rdb redis.Scripter, clock func() time.Time) *SlidingWindowLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &SlidingWindowLimiter{rdb: rdb, clock: clock}
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (resilience.Decision, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock().UnixMilli()
	res, err := slidingWindow.Run(ctx, l.rdb,
		[]string{fmt.Sprintf(KeyRateLimit, key)},
		now, window.Milliseconds(), limit, fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return resilience.Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 3 {
		return resilience.Decision{}, fmt.Errorf("rate limit %s: unexpected script reply %v", key, res)
	}
	return resilience.Decision{
		Allowed:    res[0] == 1,
		Limit:      limit,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
