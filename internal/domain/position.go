package domain

import "time"

// Position is a holder's balance of one outcome token in one market.
type Position struct {
	MarketID     string
	Holder       string
	Outcome      int
	BalanceUnits int64
	UpdatedAt    time.Time
}

// RedemptionStatus tracks a redemption through the chain call.
type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "pending"
	RedemptionCompleted RedemptionStatus = "completed"
)

// Redemption records one holder's redemption of a resolved market. There is
// at most one per (market, holder).
type Redemption struct {
	MarketID    string
	Holder      string
	Status      RedemptionStatus
	Burned      [2]int64 // balances burned per outcome
	PayoutUnits int64
	TxHash      string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Split records a position split: collateral escrowed for both outcome tokens.
type Split struct {
	MarketID    string
	Holder      string
	AmountUnits int64
	TxHash      string
	CreatedAt   time.Time
}
