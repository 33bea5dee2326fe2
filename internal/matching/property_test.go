package matching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// TestRandomOrderFlowKeepsInvariants drives the engine with random places,
// cancels and clock movement and checks the book and the persisted state
// after every step.
func TestRandomOrderFlowKeepsInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := newHarnessNoCleanup(t)
		defer h.eng.Close()
		ctx := context.Background()
		makers := []string{"0xa", "0xb", "0xc"}
		var placed []string

		steps := rapid.IntRange(1, 60).Draw(t, "steps").(int)
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 5).Draw(t, "action").(int) {
			case 0:
				if len(placed) == 0 {
					continue
				}
				id := placed[rapid.IntRange(0, len(placed)-1).Draw(t, "cancel").(int)]
				o, err := h.db.Orders().GetByID(ctx, id)
				require.NoError(t, err)
				_, err = h.eng.Cancel(ctx, id, o.Maker)
				if err != nil {
					require.ErrorIs(t, err, domain.ErrOrderTerminal)
				}
			case 1:
				h.clock.Advance(time.Duration(rapid.IntRange(1, 10).Draw(t, "advance").(int)) * time.Minute)
			default:
				side := domain.OrderSideBuy
				if rapid.Bool().Draw(t, "sell").(bool) {
					side = domain.OrderSideSell
				}
				o := h.order(
					makers[rapid.IntRange(0, len(makers)-1).Draw(t, "maker").(int)],
					side,
					float64(rapid.IntRange(1, 9).Draw(t, "price").(int))/10,
					int64(rapid.IntRange(1, 50).Draw(t, "qty").(int)),
				)
				o.Expiration = h.clock.Now().Add(time.Duration(rapid.IntRange(1, 120).Draw(t, "ttl").(int)) * time.Minute)
				_, err := h.eng.Place(ctx, o)
				if side == domain.OrderSideSell && errors.Is(err, domain.ErrInsufficient) {
					continue
				}
				require.NoError(t, err)
				placed = append(placed, o.ID)
			}
			checkInvariants(t, h, placed)
		}
	})
}

func checkInvariants(t *rapid.T, h *harness, placed []string) {
	ctx := context.Background()
	key := domain.BookKey{MarketID: "mkt", Outcome: 1}

	a, err := h.eng.actorFor(key)
	require.NoError(t, err)
	require.NoError(t, a.do(ctx, func() error { return a.book.Check() }))

	orders := make(map[string]domain.Order, len(placed))
	for _, id := range placed {
		o, err := h.db.Orders().GetByID(ctx, id)
		require.NoError(t, err)
		orders[id] = o
		require.LessOrEqual(t, o.FilledUnits, o.SizeUnits, id)
	}

	trades, err := h.db.Trades().ListByMarket(ctx, "mkt", domain.ListOpts{})
	require.NoError(t, err)
	filled := make(map[string]int64)
	for _, tr := range trades {
		maker, taker := orders[tr.MakerOrderID], orders[tr.TakerOrderID]
		require.NotEqual(t, maker.Maker, taker.Maker, "self trade %s", tr.ID)
		require.Equal(t, maker.PriceTicks, tr.PriceTicks, "trade %s not at maker price", tr.ID)
		require.True(t, taker.Crosses(maker.PriceTicks))
		require.Less(t, maker.Seq, taker.Seq, "maker %s arrived after taker %s", maker.ID, taker.ID)
		filled[tr.MakerOrderID] += tr.SizeUnits
		filled[tr.TakerOrderID] += tr.SizeUnits
	}
	for id, o := range orders {
		require.Equal(t, o.FilledUnits, filled[id], "filled of %s", id)
	}
	for _, maker := range fundedMakers {
		bal, err := h.db.Positions().Balances(ctx, "mkt", maker)
		require.NoError(t, err)
		require.GreaterOrEqual(t, bal[1], int64(0), "balance of %s", maker)
	}

	snap, err := h.eng.Snapshot(ctx, key)
	require.NoError(t, err)
	for _, levels := range [][]domain.BookLevel{snap.Bids, snap.Asks} {
		var depth int64
		for _, lv := range levels {
			depth += lv.SizeUnits
			require.Equal(t, depth, lv.DepthUnits)
		}
	}
	if snap.BestBid > 0 && snap.BestAsk > 0 && snap.BestBid >= snap.BestAsk {
		requireSelfCrossOnly(t, h, snap)
	}
}

// requireSelfCrossOnly fails when a live bid and a live ask from different
// makers cross: the later of the two would have traded on arrival.
func requireSelfCrossOnly(t *rapid.T, h *harness, snap domain.BookSnapshot) {
	open, err := h.db.Orders().ListOpenByBook(context.Background(), snap.Key())
	require.NoError(t, err)
	now := h.clock.Now()
	for _, bid := range open {
		if bid.Side != domain.OrderSideBuy || bid.Expired(now) {
			continue
		}
		for _, ask := range open {
			if ask.Side != domain.OrderSideSell || ask.Expired(now) || bid.PriceTicks < ask.PriceTicks {
				continue
			}
			require.Equal(t, bid.Maker, ask.Maker, "%s@%d crosses %s@%d", bid.ID, bid.PriceTicks, ask.ID, ask.PriceTicks)
		}
	}
}
