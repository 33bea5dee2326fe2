package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultMarketTTL = 5 * time.Minute

// MarketCache is a read-through domain.MarketStore. GetByID is served from
// a Redis hash holding the JSON-encoded market; every write goes to the
// backing store first and then drops the cached copy, so a reader never
// sees a version older than the last committed write for longer than one
// round trip.
//
// Key schema:
//
//	market:{id} - hash with field "data" containing JSON
type MarketCache struct {
	domain.MarketStore
	rdb *redis.Client
	ttl time.Duration
}

// NewMarketCache wraps next. ttl <= 0 uses five minutes.
func NewMarketCache(c *Client, next domain.MarketStore, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = defaultMarketTTL
	}
	return &MarketCache{MarketStore: next, rdb: c.Underlying(), ttl: ttl}
}

func marketKey(id string) string { return "market:" + id }

// GetByID returns the cached market or loads and caches it.
func (mc *MarketCache) GetByID(ctx context.Context, id string) (domain.Market, error) {
	data, err := mc.rdb.HGet(ctx, marketKey(id), "data").Bytes()
	switch {
	case err == nil:
		var m domain.Market
		if err := json.Unmarshal(data, &m); err == nil {
			return m, nil
		}
	case !errors.Is(err, redis.Nil):
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}

	m, err := mc.MarketStore.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, err
	}
	if err := mc.set(ctx, m); err != nil {
		return domain.Market{}, err
	}
	return m, nil
}

// Update writes through and invalidates.
func (mc *MarketCache) Update(ctx context.Context, m *domain.Market) error {
	if err := mc.MarketStore.Update(ctx, m); err != nil {
		return err
	}
	return mc.Invalidate(ctx, m.ID)
}

// Invalidate removes a market from the cache.
func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	if err := mc.rdb.Del(ctx, marketKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}

func (mc *MarketCache) set(ctx context.Context, m domain.Market) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", m.ID, err)
	}
	key := marketKey(m.ID)
	pipe := mc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, mc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", m.ID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketStore = (*MarketCache)(nil)
