package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter implements domain.RateLimiter with a sliding window kept in a
// sorted set per key. The API keys it by client address, the order service
// by maker.
type RateLimiter struct {
	rdb    *redis.Client
	window *redis.Script
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{rdb: c.Underlying(), window: redis.NewScript(slidingWindowLua)}
}

func windowKey(key string) string { return "ratelimit:" + key }

// Allow admits one request for key when fewer than limit were admitted in the
// trailing window. Denied requests are not counted against the window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (domain.RateDecision, error) {
	res, err := rl.window.Run(ctx, rl.rdb, []string{windowKey(key)},
		time.Now().UnixMicro(), window.Microseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	d, err := decisionOf(res)
	if err != nil {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	return d, nil
}

// decisionOf reads the script's {allowed, remaining, retry_after_us} reply.
func decisionOf(res []int64) (domain.RateDecision, error) {
	if len(res) != 3 {
		return domain.RateDecision{}, fmt.Errorf("unexpected reply %v", res)
	}
	return domain.RateDecision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Microsecond,
	}, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
