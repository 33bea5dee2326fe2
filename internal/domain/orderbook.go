package domain

import "time"

// BookLevel is one aggregated price level. DepthUnits is the cumulative
// open quantity at this price or better on the same side.
type BookLevel struct {
	PriceTicks int64 `json:"price"`
	SizeUnits  int64 `json:"size"`
	DepthUnits int64 `json:"depth"`
	Orders     int   `json:"orders"`
}

// BookSnapshot is a committed, immutable view of one order book.
// BestBid and BestAsk are zero when that side is empty.
type BookSnapshot struct {
	MarketID  string      `json:"market_id"`
	Outcome   int         `json:"outcome"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	BestBid   int64       `json:"best_bid"`
	BestAsk   int64       `json:"best_ask"`
	Seq       uint64      `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
}

// Key returns the book this snapshot belongs to.
func (s BookSnapshot) Key() BookKey {
	return BookKey{MarketID: s.MarketID, Outcome: s.Outcome}
}

// Quote is the top of book plus the implied outcome probability.
type Quote struct {
	MarketID    string    `json:"market_id"`
	Outcome     int       `json:"outcome"`
	BestBid     *float64  `json:"best_bid"`
	BestAsk     *float64  `json:"best_ask"`
	Probability *float64  `json:"probability"`
	Timestamp   time.Time `json:"timestamp"`
}

// QuoteFromSnapshot derives the quote; probability is (bid+ask)/2 and is
// nil when either side of the book is empty.
func QuoteFromSnapshot(s BookSnapshot) Quote {
	q := Quote{MarketID: s.MarketID, Outcome: s.Outcome, Timestamp: s.Timestamp}
	if s.BestBid > 0 {
		v := float64(s.BestBid) / TickScale
		q.BestBid = &v
	}
	if s.BestAsk > 0 {
		v := float64(s.BestAsk) / TickScale
		q.BestAsk = &v
	}
	if q.BestBid != nil && q.BestAsk != nil {
		p := (*q.BestBid + *q.BestAsk) / 2
		q.Probability = &p
	}
	return q
}
