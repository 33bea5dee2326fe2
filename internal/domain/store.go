package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market lifecycle records.
type MarketStore interface {
	Create(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, opts ListOpts) ([]Market, error)
	ListUnresolved(ctx context.Context) ([]Market, error)
	ListUnarchived(ctx context.Context) ([]Market, error)
	// Update writes m if the stored version still equals m.Version and bumps
	// m.Version on success. A stale version returns ErrConflict.
	Update(ctx context.Context, m *Market) error
}

// OrderStore persists orders. Order rows change only through ApplyMatch so
// every engine command lands in one transaction.
type OrderStore interface {
	ApplyMatch(ctx context.Context, res MatchResult) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListOpenByMaker(ctx context.Context, maker string) ([]Order, error)
	// ListOpenByBook returns resting orders of one book in arrival order.
	ListOpenByBook(ctx context.Context, key BookKey) ([]Order, error)
}

// TradeStore reads the append-only per-market trade log.
type TradeStore interface {
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Trade, error)
	ListByOrder(ctx context.Context, orderID string) ([]Trade, error)
	VolumeSince(ctx context.Context, marketID string, since time.Time) (Volume, error)
}

// PositionStore persists outcome token balances, splits and redemptions.
type PositionStore interface {
	RecordSplit(ctx context.Context, split Split) error
	Balances(ctx context.Context, marketID, holder string) ([2]int64, error)
	ListByHolder(ctx context.Context, holder string) ([]Position, error)
	// BeginRedemption creates or resumes a pending redemption. A completed
	// redemption returns ErrAlreadyRedeemed.
	BeginRedemption(ctx context.Context, marketID, holder string) (Redemption, error)
	// CompleteRedemption burns the holder's balances and marks r completed.
	CompleteRedemption(ctx context.Context, r *Redemption) error
	GetRedemption(ctx context.Context, marketID, holder string) (Redemption, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
