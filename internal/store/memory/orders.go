package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// OrderStore implements domain.OrderStore.
type OrderStore struct{ db *DB }

// ApplyMatch persists one engine command. It checks every referenced order
// first and mutates nothing when a check fails.
func (s *OrderStore) ApplyMatch(_ context.Context, res domain.MatchResult) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, o := range append(append([]*domain.Order{}, res.Makers...), res.Removed...) {
		cur, ok := db.orders[o.ID]
		if !ok {
			return fmt.Errorf("memory: apply match: order %s: %w", o.ID, domain.ErrNotFound)
		}
		if cur.Status.Terminal() {
			return fmt.Errorf("memory: apply match: order %s is %s: %w", o.ID, cur.Status, domain.ErrConflict)
		}
	}
	if t := res.Taker; t != nil {
		if cur, ok := db.orders[t.ID]; ok && cur.Status.Terminal() {
			return fmt.Errorf("memory: apply match: taker %s is %s: %w", t.ID, cur.Status, domain.ErrConflict)
		}
		db.orders[t.ID] = *t.Clone()
	}
	for _, o := range res.Makers {
		db.orders[o.ID] = *o.Clone()
	}
	for _, o := range res.Removed {
		db.orders[o.ID] = *o.Clone()
	}
	db.trades = append(db.trades, res.Trades...)
	for _, p := range res.Positions {
		db.addPosition(p.MarketID, p.Holder, p.Outcome, p.Units)
	}
	return nil
}

// GetByID returns one order.
func (s *OrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	o, ok := s.db.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("memory: get order %s: %w", id, domain.ErrNotFound)
	}
	return *o.Clone(), nil
}

// ListOpenByMaker returns a maker's resting orders, newest first.
func (s *OrderStore) ListOpenByMaker(_ context.Context, maker string) ([]domain.Order, error) {
	out := s.filter(func(o domain.Order) bool { return strings.EqualFold(o.Maker, maker) })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListOpenByBook returns one book's resting orders in arrival order.
func (s *OrderStore) ListOpenByBook(_ context.Context, key domain.BookKey) ([]domain.Order, error) {
	out := s.filter(func(o domain.Order) bool { return o.Key() == key })
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *OrderStore) filter(match func(domain.Order) bool) []domain.Order {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.db.orders {
		if !o.Status.Terminal() && match(o) {
			out = append(out, *o.Clone())
		}
	}
	return out
}

// TradeStore implements domain.TradeStore.
type TradeStore struct{ db *DB }

// ListByMarket returns a market's trades, newest first.
func (s *TradeStore) ListByMarket(_ context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.Trade
	for i := len(s.db.trades) - 1; i >= 0; i-- {
		t := s.db.trades[i]
		if t.MarketID == marketID && within(t.Timestamp, opts) {
			out = append(out, t)
		}
	}
	return page(out, opts), nil
}

// ListByOrder returns the trades an order took part in, oldest first.
func (s *TradeStore) ListByOrder(_ context.Context, orderID string) ([]domain.Trade, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.Trade
	for _, t := range s.db.trades {
		if t.MakerOrderID == orderID || t.TakerOrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

// VolumeSince sums a market's trades at or after since.
func (s *TradeStore) VolumeSince(_ context.Context, marketID string, since time.Time) (domain.Volume, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	v := domain.Volume{MarketID: marketID, Since: since}
	for _, t := range s.db.trades {
		if t.MarketID == marketID && !t.Timestamp.Before(since) {
			v.Trades++
			v.SizeUnits += t.SizeUnits
			v.NotionalUnits += t.Notional()
		}
	}
	return v, nil
}
