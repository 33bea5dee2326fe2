package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/redis/go-redis/v9"
)

// NonceGuard implements domain.NonceGuard with SETNX, so a (maker, nonce)
// pair is consumed at most once across every process sharing the Redis.
// Keys live for the retention period, which must outlast the longest order
// expiration accepted by the authenticator.
type NonceGuard struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewNonceGuard creates a NonceGuard backed by the given Client.
func NewNonceGuard(c *Client, retention time.Duration) *NonceGuard {
	return &NonceGuard{rdb: c.Underlying(), retention: retention}
}

func nonceKey(maker, nonce string) string {
	return "nonce:" + maker + ":" + nonce
}

// Consume marks the pair as used. It returns false if it already was.
func (ng *NonceGuard) Consume(ctx context.Context, maker, nonce string) (bool, error) {
	ok, err := ng.rdb.SetNX(ctx, nonceKey(maker, nonce), time.Now().Unix(), ng.retention).Result()
	if err != nil {
		return false, fmt.Errorf("redis: consume nonce %s/%s: %w", maker, nonce, err)
	}
	return ok, nil
}

// Compile-time interface check.
var _ domain.NonceGuard = (*NonceGuard)(nil)
