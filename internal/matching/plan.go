package matching

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/orderbook"
)

func newTradeID() string { return uuid.NewString() }

// planMatch walks the opposite side of book best price first and FIFO within
// a price, filling taker without mutating the book. Expired resting orders
// that are touched are scheduled for removal. Resting orders from the
// taker's own maker are skipped and stay resting.
func planMatch(book *orderbook.Book, taker *domain.Order, now time.Time, newID func() string) domain.MatchResult {
	plan := domain.MatchResult{Key: book.Key(), Taker: taker}

	book.Walk(taker.Side.Opposite(), func(resting *domain.Order) bool {
		if taker.Remaining() == 0 || !taker.Crosses(resting.PriceTicks) {
			return false
		}
		if resting.Expired(now) {
			plan.Removed = append(plan.Removed, terminal(resting, domain.OrderStatusExpired, now))
			return true
		}
		if resting.Maker == taker.Maker {
			return true
		}

		qty := min(taker.Remaining(), resting.Remaining())
		maker := resting.Clone()
		maker.FilledUnits += qty
		maker.UpdatedAt = now
		maker.Status = fillStatus(maker)
		taker.FilledUnits += qty

		plan.Makers = append(plan.Makers, maker)
		plan.Trades = append(plan.Trades, domain.Trade{
			ID:           newID(),
			MarketID:     taker.MarketID,
			Outcome:      taker.Outcome,
			MakerOrderID: maker.ID,
			TakerOrderID: taker.ID,
			Maker:        maker.Maker,
			Taker:        taker.Maker,
			TakerSide:    taker.Side,
			PriceTicks:   resting.PriceTicks,
			SizeUnits:    qty,
			Timestamp:    now,
		})
		return true
	})

	taker.Status = fillStatus(taker)
	plan.Positions = netPositions(plan.Trades)
	return plan
}

func fillStatus(o *domain.Order) domain.OrderStatus {
	switch {
	case o.Remaining() == 0:
		return domain.OrderStatusFilled
	case o.FilledUnits > 0:
		return domain.OrderStatusPartial
	default:
		return domain.OrderStatusOpen
	}
}

// netPositions folds trades into one balance change per holder: the buyer
// receives the outcome tokens and the seller gives them up.
func netPositions(trades []domain.Trade) []domain.PositionDelta {
	if len(trades) == 0 {
		return nil
	}
	net := make(map[string]int64)
	for _, t := range trades {
		buyer, seller := t.Taker, t.Maker
		if t.TakerSide == domain.OrderSideSell {
			buyer, seller = t.Maker, t.Taker
		}
		net[buyer] += t.SizeUnits
		net[seller] -= t.SizeUnits
	}
	holders := make([]string, 0, len(net))
	for h, units := range net {
		if units != 0 {
			holders = append(holders, h)
		}
	}
	sort.Strings(holders)

	out := make([]domain.PositionDelta, 0, len(holders))
	for _, h := range holders {
		out = append(out, domain.PositionDelta{
			MarketID: trades[0].MarketID,
			Holder:   h,
			Outcome:  trades[0].Outcome,
			Units:    net[h],
		})
	}
	return out
}

// validatePlan checks plan against the current book before anything is
// persisted.
func validatePlan(book *orderbook.Book, plan domain.MatchResult) error {
	var traded int64
	makers := make(map[string]*domain.Order, len(plan.Makers))
	for _, m := range plan.Makers {
		makers[m.ID] = m
	}

	for _, t := range plan.Trades {
		if t.SizeUnits <= 0 {
			return fmt.Errorf("trade %s has size %d", t.ID, t.SizeUnits)
		}
		if t.Maker == t.Taker {
			return fmt.Errorf("trade %s is a self trade by %s", t.ID, t.Maker)
		}
		resting, ok := book.Get(t.MakerOrderID)
		if !ok {
			return fmt.Errorf("trade %s touches order %s not in book", t.ID, t.MakerOrderID)
		}
		if t.PriceTicks != resting.PriceTicks {
			return fmt.Errorf("trade %s at %d, maker rests at %d", t.ID, t.PriceTicks, resting.PriceTicks)
		}
		if plan.Taker == nil || !plan.Taker.Crosses(t.PriceTicks) {
			return fmt.Errorf("trade %s at %d does not cross taker", t.ID, t.PriceTicks)
		}
		traded += t.SizeUnits
	}

	for _, m := range plan.Makers {
		resting, ok := book.Get(m.ID)
		if !ok {
			return fmt.Errorf("maker %s not in book", m.ID)
		}
		if m.FilledUnits > m.SizeUnits || m.FilledUnits < resting.FilledUnits {
			return fmt.Errorf("maker %s filled %d of %d", m.ID, m.FilledUnits, m.SizeUnits)
		}
	}
	for _, r := range plan.Removed {
		if _, ok := book.Get(r.ID); !ok {
			return fmt.Errorf("removal of order %s not in book", r.ID)
		}
		if !r.Status.Terminal() {
			return fmt.Errorf("removal of order %s with status %s", r.ID, r.Status)
		}
		if _, filled := makers[r.ID]; filled {
			return fmt.Errorf("order %s both filled and removed", r.ID)
		}
	}

	if t := plan.Taker; t != nil {
		if t.FilledUnits != traded {
			return fmt.Errorf("taker %s filled %d, trades sum %d", t.ID, t.FilledUnits, traded)
		}
		if t.FilledUnits > t.SizeUnits {
			return fmt.Errorf("taker %s filled %d of %d", t.ID, t.FilledUnits, t.SizeUnits)
		}
		if t.PriceTicks < 1 || t.PriceTicks > domain.MaxPriceTicks {
			return fmt.Errorf("taker %s price %d out of range", t.ID, t.PriceTicks)
		}
	}
	return nil
}
