package domain

import (
	"context"
	"time"
)

// TradeLog describes the archived trade log of one market.
type TradeLog struct {
	MarketID     string
	Key          string
	Size         int64
	LastModified time.Time
}

// Archiver copies the trade log of a resolved market to cold storage.
type Archiver interface {
	ArchiveMarket(ctx context.Context, marketID string) (int64, error)
}
