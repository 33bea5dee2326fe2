// Package marketdata distributes committed book, trade, order and market
// lifecycle changes to downstream sinks: the Redis market feed, Kafka and the
// websocket hub.
package marketdata

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// Kind names the payload an Event carries.
type Kind string

const (
	KindBook   Kind = "book"
	KindTrade  Kind = "trade"
	KindOrder  Kind = "order"
	KindMarket Kind = "market"
)

// Bus channel names. Book and trade channels are suffixed per market so
// subscribers can pattern-match.
const (
	ChannelBookPrefix   = "ch:book:"
	ChannelTradesPrefix = "ch:trades:"
	ChannelOrders       = "ch:order"
	ChannelMarkets      = "ch:market"

	// TradeStream is the durable stream every trade is appended to.
	TradeStream = "stream:trades"
)

// ChannelBook returns the channel for one book's snapshots.
func ChannelBook(key domain.BookKey) string {
	return fmt.Sprintf("%s%s:%d", ChannelBookPrefix, key.MarketID, key.Outcome)
}

// ChannelTrades returns the channel for one market's trades.
func ChannelTrades(marketID string) string {
	return ChannelTradesPrefix + marketID
}

// OrderUpdate is the public view of an order state change.
type OrderUpdate struct {
	ID          string             `json:"id"`
	MarketID    string             `json:"market_id"`
	Outcome     int                `json:"outcome"`
	Side        domain.OrderSide   `json:"side"`
	Maker       string             `json:"maker"`
	PriceTicks  int64              `json:"price"`
	SizeUnits   int64              `json:"size"`
	FilledUnits int64              `json:"filled"`
	Status      domain.OrderStatus `json:"status"`
}

// MarketUpdate is the public view of a lifecycle change.
type MarketUpdate struct {
	ID      string             `json:"id"`
	State   domain.MarketState `json:"state"`
	Stalled bool               `json:"stalled"`
	Payout  *domain.Payout     `json:"payout,omitempty"`
}

// Event is one unit of distribution. Exactly one of the payload fields is set,
// matching Kind.
type Event struct {
	Kind      Kind                 `json:"kind"`
	Channel   string               `json:"channel"`
	MarketID  string               `json:"market_id"`
	Outcome   int                  `json:"outcome"`
	Timestamp time.Time            `json:"timestamp"`
	Book      *domain.BookSnapshot `json:"book,omitempty"`
	Trade     *domain.Trade        `json:"trade,omitempty"`
	Order     *OrderUpdate         `json:"order,omitempty"`
	Market    *MarketUpdate        `json:"market,omitempty"`
}

// BookEvent wraps a committed snapshot.
func BookEvent(snap domain.BookSnapshot) Event {
	return Event{
		Kind:      KindBook,
		Channel:   ChannelBook(snap.Key()),
		MarketID:  snap.MarketID,
		Outcome:   snap.Outcome,
		Timestamp: snap.Timestamp,
		Book:      &snap,
	}
}

// TradeEvent wraps an executed trade.
func TradeEvent(t domain.Trade) Event {
	return Event{
		Kind:      KindTrade,
		Channel:   ChannelTrades(t.MarketID),
		MarketID:  t.MarketID,
		Outcome:   t.Outcome,
		Timestamp: t.Timestamp,
		Trade:     &t,
	}
}

// OrderEvent wraps an order state change.
func OrderEvent(o *domain.Order) Event {
	return Event{
		Kind:      KindOrder,
		Channel:   ChannelOrders,
		MarketID:  o.MarketID,
		Outcome:   o.Outcome,
		Timestamp: o.UpdatedAt,
		Order: &OrderUpdate{
			ID:          o.ID,
			MarketID:    o.MarketID,
			Outcome:     o.Outcome,
			Side:        o.Side,
			Maker:       o.Maker,
			PriceTicks:  o.PriceTicks,
			SizeUnits:   o.SizeUnits,
			FilledUnits: o.FilledUnits,
			Status:      o.Status,
		},
	}
}

// MarketEvent wraps a persisted lifecycle change.
func MarketEvent(m domain.Market) Event {
	return Event{
		Kind:      KindMarket,
		Channel:   ChannelMarkets,
		MarketID:  m.ID,
		Timestamp: m.UpdatedAt,
		Market: &MarketUpdate{
			ID:      m.ID,
			State:   m.State,
			Stalled: m.Stalled,
			Payout:  m.Payout,
		},
	}
}
