package domain

import (
	"context"
	"time"
)

// NonceGuard records consumed (maker, nonce) pairs. Consume is an atomic
// check-and-set: it returns false when the pair was already consumed.
type NonceGuard interface {
	Consume(ctx context.Context, maker, nonce string) (bool, error)
}

// SnapshotCache shares committed book snapshots across processes with a TTL.
type SnapshotCache interface {
	SetSnapshot(ctx context.Context, snap BookSnapshot, ttl time.Duration) error
	GetSnapshot(ctx context.Context, key BookKey) (BookSnapshot, error)
}

// RateDecision is the outcome of one rate-limited request.
type RateDecision struct {
	Allowed    bool
	Remaining  int           // admissions left in the window
	RetryAfter time.Duration // when denied, until the oldest admission expires
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// TradePrint is one entry of the replayable trade log: the log position and
// the encoded trade event.
type TradePrint struct {
	ID      string
	Payload []byte
}

// MarketFeed carries encoded market-data events between replicas. Channel
// events are fire-and-forget; trades are also kept in a bounded log that
// late consumers replay from a position.
type MarketFeed interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	AppendTrade(ctx context.Context, payload []byte) error
	TradesAfter(ctx context.Context, lastID string, count int) ([]TradePrint, error)
}
