// Package cache fronts the read paths (book snapshots, quotes, volume) with a
// bounded in-process LRU. Entries are never invalidated by matching; each one
// expires after a TTL chosen from its market's activity, and that TTL is the
// staleness bound readers get.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// fetchTimeout bounds a shared miss fetch.
const fetchTimeout = 5 * time.Second

// BookFunc loads a committed book snapshot.
type BookFunc func(ctx context.Context, key domain.BookKey) (domain.BookSnapshot, error)

// VolumeSource loads trade volume.
type VolumeSource interface {
	VolumeSince(ctx context.Context, marketID string, since time.Time) (domain.Volume, error)
}

// Config sizes the cache.
type Config struct {
	MaxEntries   int
	Policy       TTLPolicy
	VolumeWindow time.Duration
}

type entry struct {
	value   any
	expires time.Time
}

// Stats counts cache outcomes since start.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// ReadCache serves book, quote and volume reads.
type ReadCache struct {
	entries  *lru.Cache[string, entry]
	group    singleflight.Group
	books    BookFunc
	volumes  VolumeSource
	activity *ActivityTracker
	cfg      Config
	now      func() time.Time

	hits, misses, evictions atomic.Int64
}

// New creates a ReadCache. activity may be nil, in which case every entry
// gets the policy's MaxTTL.
func New(cfg Config, books BookFunc, volumes VolumeSource, activity *ActivityTracker) (*ReadCache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.VolumeWindow <= 0 {
		cfg.VolumeWindow = 24 * time.Hour
	}
	c := &ReadCache{
		books:    books,
		volumes:  volumes,
		activity: activity,
		cfg:      cfg,
		now:      time.Now,
	}
	entries, err := lru.NewWithEvict[string, entry](cfg.MaxEntries, func(string, entry) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, fmt.Errorf("cache: new lru: %w", err)
	}
	c.entries = entries
	return c, nil
}

// TTL returns the entry lifetime currently applied to marketID.
func (c *ReadCache) TTL(marketID string) time.Duration {
	if c.activity == nil {
		return c.cfg.Policy.MaxTTL
	}
	return c.cfg.Policy.TTL(c.activity.Rate(marketID))
}

// Book returns a snapshot no older than the market's TTL.
func (c *ReadCache) Book(ctx context.Context, key domain.BookKey) (domain.BookSnapshot, error) {
	return load(c, ctx, "book:"+key.String(), key.MarketID, func(ctx context.Context) (domain.BookSnapshot, error) {
		return c.books(ctx, key)
	})
}

// Quote derives best bid/ask and implied probability from the cached book.
func (c *ReadCache) Quote(ctx context.Context, key domain.BookKey) (domain.Quote, error) {
	snap, err := c.Book(ctx, key)
	if err != nil {
		return domain.Quote{}, err
	}
	return domain.QuoteFromSnapshot(snap), nil
}

// Volume returns the market's volume over the configured window.
func (c *ReadCache) Volume(ctx context.Context, marketID string) (domain.Volume, error) {
	return load(c, ctx, "volume:"+marketID, marketID, func(ctx context.Context) (domain.Volume, error) {
		return c.volumes.VolumeSince(ctx, marketID, c.now().Add(-c.cfg.VolumeWindow))
	})
}

// Stats reports hit and miss counters.
func (c *ReadCache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.entries.Len(),
	}
}

// load serves key from the cache or collapses concurrent misses into a
// single fetch. The fetch is detached from the caller that started it, so
// one cancelled request does not fail the others waiting on the same key;
// each caller still stops waiting when its own ctx ends.
func load[T any](c *ReadCache, ctx context.Context, key, marketID string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	if e, ok := c.entries.Get(key); ok && c.now().Before(e.expires) {
		c.hits.Add(1)
		return e.value.(T), nil
	}
	c.misses.Add(1)

	ch := c.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		val, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, entry{value: val, expires: c.now().Add(c.TTL(marketID))})
		return val, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, fmt.Errorf("cache: load %s: %w", key, res.Err)
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, fmt.Errorf("cache: load %s: %w", key, ctx.Err())
	}
}
