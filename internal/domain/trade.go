package domain

import "time"

// Trade is an immutable fill between a resting maker order and an incoming
// taker order. Price is always the maker's resting price.
type Trade struct {
	ID           string    `json:"id"`
	MarketID     string    `json:"market_id"`
	Outcome      int       `json:"outcome"`
	MakerOrderID string    `json:"maker_order_id"`
	TakerOrderID string    `json:"taker_order_id"`
	Maker        string    `json:"maker"`
	Taker        string    `json:"taker"`
	TakerSide    OrderSide `json:"taker_side"`
	PriceTicks   int64     `json:"price"`
	SizeUnits    int64     `json:"size"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notional returns the collateral value of the trade in units.
func (t Trade) Notional() int64 {
	return t.PriceTicks * t.SizeUnits / TickScale
}

// Volume summarises trading activity for a market over a window.
type Volume struct {
	MarketID      string    `json:"market_id"`
	Since         time.Time `json:"since"`
	Trades        int64     `json:"trades"`
	SizeUnits     int64     `json:"size"`     // outcome tokens exchanged
	NotionalUnits int64     `json:"notional"` // collateral exchanged
}

// MatchResult is the complete set of mutations produced by one engine
// command. It is persisted in a single transaction before the in-memory book
// is touched.
type MatchResult struct {
	Key       BookKey
	Taker     *Order   // incoming order after matching; nil for cancel/sweep
	Makers    []*Order // resting orders whose fill state changed
	Trades    []Trade
	Removed   []*Order // resting orders that left the book as expired or cancelled
	Positions []PositionDelta
}

// PositionDelta adjusts one holder's outcome token balance.
type PositionDelta struct {
	MarketID string
	Holder   string
	Outcome  int
	Units    int64
}
