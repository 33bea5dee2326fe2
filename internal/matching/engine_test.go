package matching

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/marketdata"
	"github.com/alanyoungcy/polyclob/internal/store/memory"
)

var testNow = time.Unix(1_750_000_000, 0).UTC()

const unit = domain.TickScale

// seedUnits is the split every funded test maker starts with.
const seedUnits = 1000 * unit

var fundedMakers = []string{"0xa", "0xb", "0xc", "0xd", "0xmaker", "0xtaker"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []marketdata.Event
}

func (r *recorder) Publish(events ...marketdata.Event) {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
}

func (r *recorder) kinds() map[marketdata.Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[marketdata.Kind]int)
	for _, ev := range r.events {
		out[ev.Kind]++
	}
	return out
}

type flakyOrders struct {
	domain.OrderStore
	fail atomic.Bool
}

func (f *flakyOrders) ApplyMatch(ctx context.Context, res domain.MatchResult) error {
	if f.fail.Load() {
		return errors.New("connection reset")
	}
	return f.OrderStore.ApplyMatch(ctx, res)
}

type harness struct {
	eng    *Engine
	db     *memory.DB
	orders *flakyOrders
	clock  *clock
	events *recorder
	n      int
}

func newHarness(t testing.TB) *harness {
	h := newHarnessNoCleanup(t)
	t.Cleanup(h.eng.Close)
	return h
}

func newHarnessNoCleanup(t require.TestingT) *harness {
	db := memory.New()
	h := &harness{
		db:     db,
		orders: &flakyOrders{OrderStore: db.Orders()},
		clock:  &clock{t: testNow},
		events: &recorder{},
	}
	require.NoError(t, db.Markets().Create(context.Background(), domain.Market{
		ID: "mkt", State: domain.MarketStateActive, EndTime: testNow.Add(24 * time.Hour),
	}))
	for _, maker := range fundedMakers {
		h.fund(t, maker, seedUnits)
	}
	h.eng = New(Config{}, h.orders, db.Markets(), db.Positions(), discardLogger(),
		WithClock(h.clock.Now), WithEvents(h.events))
	return h
}

func (h *harness) fund(t require.TestingT, holder string, units int64) {
	require.NoError(t, h.db.Positions().RecordSplit(context.Background(), domain.Split{
		MarketID: "mkt", Holder: holder, AmountUnits: units, CreatedAt: testNow,
	}))
}

func (h *harness) balances(t testing.TB, holder string) [2]int64 {
	t.Helper()
	bal, err := h.db.Positions().Balances(context.Background(), "mkt", holder)
	require.NoError(t, err)
	return bal
}

func (h *harness) order(maker string, side domain.OrderSide, price float64, qty int64) *domain.Order {
	h.n++
	return &domain.Order{
		ID:         fmt.Sprintf("o%d", h.n),
		MarketID:   "mkt",
		Outcome:    1,
		Side:       side,
		Maker:      maker,
		PriceTicks: int64(price*unit + 0.5),
		SizeUnits:  qty * unit,
		Status:     domain.OrderStatusOpen,
		Expiration: h.clock.Now().Add(time.Hour),
	}
}

func (h *harness) place(t testing.TB, o *domain.Order) *domain.PlaceResult {
	t.Helper()
	res, err := h.eng.Place(context.Background(), o)
	require.NoError(t, err)
	return res
}

func (h *harness) snapshot(t testing.TB) domain.BookSnapshot {
	t.Helper()
	snap, err := h.eng.Snapshot(context.Background(), domain.BookKey{MarketID: "mkt", Outcome: 1})
	require.NoError(t, err)
	return snap
}

func (h *harness) stored(t testing.TB, id string) domain.Order {
	t.Helper()
	o, err := h.db.Orders().GetByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestTakerSweepsMakerAndRestsRemainder(t *testing.T) {
	h := newHarness(t)
	maker := h.place(t, h.order("0xmaker", domain.OrderSideBuy, 0.40, 100)).Order

	res := h.place(t, h.order("0xtaker", domain.OrderSideSell, 0.35, 150))
	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, int64(400_000), trade.PriceTicks)
	assert.Equal(t, int64(100*unit), trade.SizeUnits)
	assert.Equal(t, maker.ID, trade.MakerOrderID)
	assert.Equal(t, domain.OrderSideSell, trade.TakerSide)

	assert.Equal(t, int64(50*unit), res.Order.Remaining())
	assert.Equal(t, domain.OrderStatusPartial, res.Order.Status)
	assert.Equal(t, domain.OrderStatusFilled, h.stored(t, maker.ID).Status)

	snap := h.snapshot(t)
	assert.Empty(t, snap.Bids)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, domain.BookLevel{PriceTicks: 350_000, SizeUnits: 50 * unit, DepthUnits: 50 * unit, Orders: 1}, snap.Asks[0])

	assert.Equal(t, [2]int64{seedUnits, seedUnits + 100*unit}, h.balances(t, "0xmaker"))
	assert.Equal(t, [2]int64{seedUnits, seedUnits - 100*unit}, h.balances(t, "0xtaker"))
}

func TestSellWithoutTokensIsRejected(t *testing.T) {
	h := newHarness(t)
	bid := h.place(t, h.order("0xbuyer", domain.OrderSideBuy, 0.40, 100)).Order

	_, err := h.eng.Place(context.Background(), h.order("0xnobody", domain.OrderSideSell, 0.40, 100))
	require.ErrorIs(t, err, domain.ErrInsufficient)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	assert.Equal(t, [2]int64{}, h.balances(t, "0xnobody"))
	assert.Equal(t, [2]int64{}, h.balances(t, "0xbuyer"))
	assert.Equal(t, domain.OrderStatusOpen, h.stored(t, bid.ID).Status)
	trades, err := h.db.Trades().ListByMarket(context.Background(), "mkt", domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Empty(t, h.snapshot(t).Asks)
}

func TestOpenSellsCommitBalance(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "0xfresh", 10*unit)
	resting := h.place(t, h.order("0xfresh", domain.OrderSideSell, 0.60, 6)).Order

	_, err := h.eng.Place(context.Background(), h.order("0xfresh", domain.OrderSideSell, 0.65, 5))
	require.ErrorIs(t, err, domain.ErrInsufficient)
	h.place(t, h.order("0xfresh", domain.OrderSideSell, 0.65, 4))

	zero := h.order("0xfresh", domain.OrderSideSell, 0.30, 10)
	zero.Outcome = 0
	h.place(t, zero)

	_, err = h.eng.Cancel(context.Background(), resting.ID, "0xfresh")
	require.NoError(t, err)
	h.place(t, h.order("0xfresh", domain.OrderSideSell, 0.70, 6))
}

func TestBoughtTokensCanBeSold(t *testing.T) {
	h := newHarness(t)
	h.place(t, h.order("0xa", domain.OrderSideSell, 0.40, 10))
	h.place(t, h.order("0xfresh", domain.OrderSideBuy, 0.40, 10))
	require.Equal(t, [2]int64{0, 10 * unit}, h.balances(t, "0xfresh"))

	_, err := h.eng.Place(context.Background(), h.order("0xfresh", domain.OrderSideSell, 0.45, 11))
	require.ErrorIs(t, err, domain.ErrInsufficient)
	res := h.place(t, h.order("0xfresh", domain.OrderSideSell, 0.45, 10))
	assert.Equal(t, domain.OrderStatusOpen, res.Order.Status)
}

func TestEarlierOrderAtSamePriceFillsFirst(t *testing.T) {
	h := newHarness(t)
	first := h.place(t, h.order("0xa", domain.OrderSideBuy, 0.50, 50)).Order
	h.clock.Advance(time.Second)
	second := h.place(t, h.order("0xb", domain.OrderSideBuy, 0.50, 50)).Order

	res := h.place(t, h.order("0xc", domain.OrderSideSell, 0.50, 50))
	require.Len(t, res.Trades, 1)
	assert.Equal(t, first.ID, res.Trades[0].MakerOrderID)
	assert.Equal(t, domain.OrderStatusFilled, h.stored(t, first.ID).Status)

	untouched := h.stored(t, second.ID)
	assert.Equal(t, domain.OrderStatusOpen, untouched.Status)
	assert.Zero(t, untouched.FilledUnits)
}

func TestEndedMarketRejectsOrdersButAllowsCancel(t *testing.T) {
	h := newHarness(t)
	buy := h.order("0xa", domain.OrderSideBuy, 0.60, 10)
	buy.Expiration = testNow.Add(48 * time.Hour)
	resting := h.place(t, buy).Order

	h.clock.Advance(25 * time.Hour)
	sell := h.order("0xb", domain.OrderSideSell, 0.55, 10)
	sell.Expiration = h.clock.Now().Add(time.Hour)
	_, err := h.eng.Place(context.Background(), sell)
	require.ErrorIs(t, err, domain.ErrMarketNotTradable)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	res, err := h.eng.Cancel(context.Background(), resting.ID, "0xa")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, res.Order.Status)
	assert.Equal(t, int64(10*unit), res.CancelledUnits)
	assert.False(t, res.Partial)
	assert.Empty(t, h.snapshot(t).Bids)
}

func TestSelfTradeIsSkipped(t *testing.T) {
	h := newHarness(t)
	own := h.place(t, h.order("0xa", domain.OrderSideSell, 0.40, 10)).Order
	other := h.place(t, h.order("0xb", domain.OrderSideSell, 0.45, 10)).Order

	res := h.place(t, h.order("0xa", domain.OrderSideBuy, 0.50, 10))
	require.Len(t, res.Trades, 1)
	assert.Equal(t, other.ID, res.Trades[0].MakerOrderID)
	assert.Equal(t, domain.OrderStatusOpen, h.stored(t, own.ID).Status)

	snap := h.snapshot(t)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, int64(400_000), snap.BestAsk)
}

func TestSelfCrossRestsBothOrders(t *testing.T) {
	h := newHarness(t)
	h.place(t, h.order("0xa", domain.OrderSideSell, 0.40, 10))
	res := h.place(t, h.order("0xa", domain.OrderSideBuy, 0.50, 10))
	assert.Empty(t, res.Trades)

	snap := h.snapshot(t)
	assert.Equal(t, int64(500_000), snap.BestBid)
	assert.Equal(t, int64(400_000), snap.BestAsk)
}

func TestExpiredMakerIsRemovedOnTouch(t *testing.T) {
	h := newHarness(t)
	stale := h.order("0xa", domain.OrderSideSell, 0.40, 10)
	stale.Expiration = h.clock.Now().Add(time.Minute)
	h.place(t, stale)
	live := h.place(t, h.order("0xb", domain.OrderSideSell, 0.42, 10)).Order

	h.clock.Advance(2 * time.Minute)
	res := h.place(t, h.order("0xc", domain.OrderSideBuy, 0.45, 10))
	require.Len(t, res.Trades, 1)
	assert.Equal(t, live.ID, res.Trades[0].MakerOrderID)
	require.Len(t, res.Expired, 1)
	assert.Equal(t, stale.ID, res.Expired[0].ID)
	assert.Equal(t, domain.OrderStatusExpired, h.stored(t, stale.ID).Status)
	assert.Empty(t, h.snapshot(t).Asks)
}

func TestCancelAfterPartialFillReportsPartial(t *testing.T) {
	h := newHarness(t)
	resting := h.place(t, h.order("0xa", domain.OrderSideSell, 0.40, 10)).Order
	h.place(t, h.order("0xb", domain.OrderSideBuy, 0.40, 4))

	res, err := h.eng.Cancel(context.Background(), resting.ID, "0xa")
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, int64(4*unit), res.FilledUnits)
	assert.Equal(t, int64(6*unit), res.CancelledUnits)

	trades, err := h.db.Trades().ListByOrder(context.Background(), resting.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(4*unit), trades[0].SizeUnits)
}

func TestCancelRejections(t *testing.T) {
	h := newHarness(t)
	resting := h.place(t, h.order("0xa", domain.OrderSideSell, 0.40, 10)).Order
	ctx := context.Background()

	_, err := h.eng.Cancel(ctx, resting.ID, "0xb")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, domain.KindAuthentication, domain.KindOf(err))

	h.place(t, h.order("0xb", domain.OrderSideBuy, 0.40, 10))
	res, err := h.eng.Cancel(ctx, resting.ID, "0xa")
	require.ErrorIs(t, err, domain.ErrOrderTerminal)
	assert.Equal(t, domain.KindUser, domain.KindOf(err))
	require.NotNil(t, res)
	assert.Equal(t, domain.OrderStatusFilled, res.Order.Status)

	_, err = h.eng.Cancel(ctx, "missing", "0xa")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPersistFailureLeavesBookUntouched(t *testing.T) {
	h := newHarness(t)
	h.place(t, h.order("0xa", domain.OrderSideSell, 0.40, 10))
	before := h.snapshot(t)

	h.orders.fail.Store(true)
	_, err := h.eng.Place(context.Background(), h.order("0xb", domain.OrderSideBuy, 0.40, 5))
	require.Error(t, err)
	assert.Equal(t, before.Asks, h.snapshot(t).Asks)

	h.orders.fail.Store(false)
	res := h.place(t, h.order("0xb", domain.OrderSideBuy, 0.40, 5))
	require.Len(t, res.Trades, 1)
}

func TestUnknownMarketIsNotTradable(t *testing.T) {
	h := newHarness(t)
	o := h.order("0xa", domain.OrderSideBuy, 0.40, 1)
	o.MarketID = "other"
	_, err := h.eng.Place(context.Background(), o)
	assert.ErrorIs(t, err, domain.ErrMarketNotTradable)
}

func TestCloseMarketCancelsBothOutcomes(t *testing.T) {
	h := newHarness(t)
	h.place(t, h.order("0xa", domain.OrderSideBuy, 0.40, 10))
	zero := h.order("0xa", domain.OrderSideSell, 0.70, 10)
	zero.Outcome = 0
	h.place(t, zero)

	n, err := h.eng.CloseMarket(context.Background(), "mkt")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, h.snapshot(t).Bids)
	assert.Equal(t, domain.OrderStatusCancelled, h.stored(t, zero.ID).Status)

	n, err = h.eng.CloseMarket(context.Background(), "mkt")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepRemovesExpired(t *testing.T) {
	h := newHarness(t)
	o := h.order("0xa", domain.OrderSideBuy, 0.40, 10)
	o.Expiration = h.clock.Now().Add(time.Minute)
	h.place(t, o)
	h.place(t, h.order("0xb", domain.OrderSideBuy, 0.30, 10))

	h.clock.Advance(time.Minute)
	n, err := h.eng.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	snap := h.snapshot(t)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(300_000), snap.BestBid)
}

func TestBooksRecoverFromStore(t *testing.T) {
	h := newHarness(t)
	first := h.place(t, h.order("0xa", domain.OrderSideBuy, 0.50, 10)).Order
	h.place(t, h.order("0xb", domain.OrderSideBuy, 0.50, 10))
	h.place(t, h.order("0xc", domain.OrderSideSell, 0.60, 5))
	h.eng.Close()

	restarted := New(Config{}, h.db.Orders(), h.db.Markets(), h.db.Positions(), discardLogger(), WithClock(h.clock.Now))
	defer restarted.Close()
	require.NoError(t, restarted.Warm(context.Background(), "mkt"))

	snap, err := restarted.Snapshot(context.Background(), domain.BookKey{MarketID: "mkt", Outcome: 1})
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(20*unit), snap.Bids[0].SizeUnits)

	res, err := restarted.Place(context.Background(), h.order("0xd", domain.OrderSideSell, 0.50, 10))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, first.ID, res.Trades[0].MakerOrderID)
}

func TestCommittedChangesArePublished(t *testing.T) {
	h := newHarness(t)
	h.place(t, h.order("0xa", domain.OrderSideSell, 0.40, 10))
	h.place(t, h.order("0xb", domain.OrderSideBuy, 0.40, 10))

	kinds := h.events.kinds()
	assert.Equal(t, 2, kinds[marketdata.KindBook])
	assert.Equal(t, 1, kinds[marketdata.KindTrade])
	assert.Equal(t, 3, kinds[marketdata.KindOrder])
}

func TestClosedEngineRejectsCommands(t *testing.T) {
	h := newHarness(t)
	h.eng.Close()
	_, err := h.eng.Place(context.Background(), h.order("0xa", domain.OrderSideBuy, 0.40, 1))
	assert.ErrorIs(t, err, ErrClosed)
}
