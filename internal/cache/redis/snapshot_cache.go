package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/redis/go-redis/v9"
)

// SnapshotCache implements domain.SnapshotCache using Redis sorted sets and
// hashes for each outcome book, so every process serving reads sees the same
// committed snapshot.
//
// Key schema:
//
//	book:{market}:{outcome}:bids     - sorted set of bid ticks (score = ticks)
//	book:{market}:{outcome}:asks     - sorted set of ask ticks (score = ticks)
//	book:{market}:{outcome}:bid:size - hash ticks -> "size:orders"
//	book:{market}:{outcome}:ask:size - hash ticks -> "size:orders"
//	book:{market}:{outcome}:meta     - hash with "seq", "ts", "bid", "ask"
//
// All keys of a snapshot share one TTL. Cumulative depth is recomputed on read.
type SnapshotCache struct {
	rdb *redis.Client
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client.
func NewSnapshotCache(c *Client) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying()}
}

type bookKeys struct {
	bids, asks, bidSize, askSize, meta string
}

func keysFor(key domain.BookKey) bookKeys {
	base := "book:" + key.MarketID + ":" + strconv.Itoa(key.Outcome)
	return bookKeys{
		bids:    base + ":bids",
		asks:    base + ":asks",
		bidSize: base + ":bid:size",
		askSize: base + ":ask:size",
		meta:    base + ":meta",
	}
}

func (k bookKeys) all() []string {
	return []string{k.bids, k.asks, k.bidSize, k.askSize, k.meta}
}

// SetSnapshot atomically replaces the snapshot of one book.
func (sc *SnapshotCache) SetSnapshot(ctx context.Context, snap domain.BookSnapshot, ttl time.Duration) error {
	k := keysFor(snap.Key())

	pipe := sc.rdb.TxPipeline()
	pipe.Del(ctx, k.all()...)

	writeLevels(ctx, pipe, k.bids, k.bidSize, snap.Bids)
	writeLevels(ctx, pipe, k.asks, k.askSize, snap.Asks)

	pipe.HSet(ctx, k.meta,
		"seq", strconv.FormatUint(snap.Seq, 10),
		"ts", strconv.FormatInt(snap.Timestamp.UnixNano(), 10),
		"bid", strconv.FormatInt(snap.BestBid, 10),
		"ask", strconv.FormatInt(snap.BestAsk, 10),
	)
	if ttl > 0 {
		for _, key := range k.all() {
			pipe.Expire(ctx, key, ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.Key(), err)
	}
	return nil
}

func writeLevels(ctx context.Context, pipe redis.Pipeliner, zKey, hKey string, levels []domain.BookLevel) {
	for _, lv := range levels {
		price := strconv.FormatInt(lv.PriceTicks, 10)
		pipe.ZAdd(ctx, zKey, redis.Z{Score: float64(lv.PriceTicks), Member: price})
		pipe.HSet(ctx, hKey, price, strconv.FormatInt(lv.SizeUnits, 10)+":"+strconv.Itoa(lv.Orders))
	}
}

// GetSnapshot reconstructs a snapshot. It returns domain.ErrNotFound when
// the book has no cached snapshot or it has expired.
func (sc *SnapshotCache) GetSnapshot(ctx context.Context, key domain.BookKey) (domain.BookSnapshot, error) {
	k := keysFor(key)

	pipe := sc.rdb.Pipeline()
	bidsCmd := pipe.ZRevRangeWithScores(ctx, k.bids, 0, -1)
	asksCmd := pipe.ZRangeWithScores(ctx, k.asks, 0, -1)
	bidSizeCmd := pipe.HGetAll(ctx, k.bidSize)
	askSizeCmd := pipe.HGetAll(ctx, k.askSize)
	metaCmd := pipe.HGetAll(ctx, k.meta)

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: get snapshot %s: %w", key, err)
	}

	meta, _ := metaCmd.Result()
	if len(meta) == 0 {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}

	snap := domain.BookSnapshot{MarketID: key.MarketID, Outcome: key.Outcome}
	snap.Seq, _ = strconv.ParseUint(meta["seq"], 10, 64)
	if ns, err := strconv.ParseInt(meta["ts"], 10, 64); err == nil {
		snap.Timestamp = time.Unix(0, ns).UTC()
	}
	snap.BestBid, _ = strconv.ParseInt(meta["bid"], 10, 64)
	snap.BestAsk, _ = strconv.ParseInt(meta["ask"], 10, 64)

	bidsZ, _ := bidsCmd.Result()
	bidSizes, _ := bidSizeCmd.Result()
	snap.Bids = readLevels(bidsZ, bidSizes)

	asksZ, _ := asksCmd.Result()
	askSizes, _ := askSizeCmd.Result()
	snap.Asks = readLevels(asksZ, askSizes)

	return snap, nil
}

func readLevels(zs []redis.Z, sizes map[string]string) []domain.BookLevel {
	levels := make([]domain.BookLevel, 0, len(zs))
	var depth int64
	for _, z := range zs {
		price, ok := z.Member.(string)
		if !ok {
			continue
		}
		lv := domain.BookLevel{PriceTicks: int64(z.Score)}
		if v, ok := sizes[price]; ok {
			size, orders, _ := strings.Cut(v, ":")
			lv.SizeUnits, _ = strconv.ParseInt(size, 10, 64)
			lv.Orders, _ = strconv.Atoi(orders)
		}
		depth += lv.SizeUnits
		lv.DepthUnits = depth
		levels = append(levels, lv)
	}
	return levels
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
