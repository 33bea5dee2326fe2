package orderbook

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

var (
	testKey = domain.BookKey{MarketID: "mkt", Outcome: 1}
	testNow = time.Unix(1_750_000_000, 0)
)

func order(b *Book, id string, side domain.OrderSide, price, size int64) *domain.Order {
	return &domain.Order{
		ID:         id,
		MarketID:   testKey.MarketID,
		Outcome:    testKey.Outcome,
		Side:       side,
		Maker:      "0xmaker",
		PriceTicks: price,
		SizeUnits:  size,
		Status:     domain.OrderStatusOpen,
		Seq:        b.NextSeq(),
		Expiration: testNow.Add(time.Hour),
	}
}

func TestLevelsAreSortedBestFirst(t *testing.T) {
	b := New(testKey)
	for i, p := range []int64{300_000, 500_000, 400_000} {
		require.NoError(t, b.Insert(order(b, fmt.Sprintf("b%d", i), domain.OrderSideBuy, p, 10)))
		require.NoError(t, b.Insert(order(b, fmt.Sprintf("a%d", i), domain.OrderSideSell, p+300_000, 10)))
	}

	bids := b.Levels(domain.OrderSideBuy)
	asks := b.Levels(domain.OrderSideSell)
	require.Len(t, bids, 3)
	require.Len(t, asks, 3)
	assert.Equal(t, []int64{500_000, 400_000, 300_000}, []int64{bids[0].PriceTicks, bids[1].PriceTicks, bids[2].PriceTicks})
	assert.Equal(t, []int64{600_000, 700_000, 800_000}, []int64{asks[0].PriceTicks, asks[1].PriceTicks, asks[2].PriceTicks})

	best, ok := b.Best(domain.OrderSideBuy)
	assert.True(t, ok)
	assert.Equal(t, int64(500_000), best)
	require.NoError(t, b.Check())
}

func TestCumulativeDepth(t *testing.T) {
	b := New(testKey)
	require.NoError(t, b.Insert(order(b, "1", domain.OrderSideSell, 420_000, 30)))
	require.NoError(t, b.Insert(order(b, "2", domain.OrderSideSell, 410_000, 10)))
	require.NoError(t, b.Insert(order(b, "3", domain.OrderSideSell, 410_000, 5)))
	require.NoError(t, b.Insert(order(b, "4", domain.OrderSideSell, 450_000, 7)))

	asks := b.Levels(domain.OrderSideSell)
	assert.Equal(t, []domain.BookLevel{
		{PriceTicks: 410_000, SizeUnits: 15, DepthUnits: 15, Orders: 2},
		{PriceTicks: 420_000, SizeUnits: 30, DepthUnits: 45, Orders: 1},
		{PriceTicks: 450_000, SizeUnits: 7, DepthUnits: 52, Orders: 1},
	}, asks)

	_, err := b.Fill("2", 4, testNow)
	require.NoError(t, err)
	_, err = b.Remove("1", domain.OrderStatusCancelled, testNow)
	require.NoError(t, err)

	asks = b.Levels(domain.OrderSideSell)
	assert.Equal(t, []domain.BookLevel{
		{PriceTicks: 410_000, SizeUnits: 11, DepthUnits: 11, Orders: 2},
		{PriceTicks: 450_000, SizeUnits: 7, DepthUnits: 18, Orders: 1},
	}, asks)
	require.NoError(t, b.Check())
}

func TestWalkIsPriceThenTime(t *testing.T) {
	b := New(testKey)
	require.NoError(t, b.Insert(order(b, "first", domain.OrderSideBuy, 500_000, 1)))
	require.NoError(t, b.Insert(order(b, "second", domain.OrderSideBuy, 500_000, 1)))
	require.NoError(t, b.Insert(order(b, "late-better", domain.OrderSideBuy, 510_000, 1)))

	var ids []string
	b.Walk(domain.OrderSideBuy, func(o *domain.Order) bool {
		ids = append(ids, o.ID)
		return true
	})
	assert.Equal(t, []string{"late-better", "first", "second"}, ids)
}

func TestFillToZeroLeavesBook(t *testing.T) {
	b := New(testKey)
	require.NoError(t, b.Insert(order(b, "x", domain.OrderSideSell, 400_000, 10)))

	got, err := b.Fill("x", 6, testNow)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartial, got.Status)
	assert.Equal(t, int64(4), got.Remaining())

	got, err = b.Fill("x", 4, testNow)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Levels(domain.OrderSideSell))
	_, ok := b.Best(domain.OrderSideSell)
	assert.False(t, ok)
}

func TestInsertRejectsBadOrders(t *testing.T) {
	b := New(testKey)
	require.NoError(t, b.Insert(order(b, "x", domain.OrderSideSell, 400_000, 10)))

	wrongBook := order(b, "y", domain.OrderSideSell, 400_000, 10)
	wrongBook.Outcome = 0
	filled := order(b, "z", domain.OrderSideSell, 400_000, 10)
	filled.FilledUnits = 10

	for _, o := range []*domain.Order{order(b, "x", domain.OrderSideBuy, 300_000, 1), wrongBook, filled} {
		assert.ErrorIs(t, b.Insert(o), domain.ErrInvariant, o.ID)
	}
	_, err := b.Fill("x", 11, testNow)
	assert.ErrorIs(t, err, domain.ErrInvariant)
	_, err = b.Remove("nope", domain.OrderStatusCancelled, testNow)
	assert.ErrorIs(t, err, domain.ErrInvariant)
	require.NoError(t, b.Check())
}

func TestSnapshotIsDetached(t *testing.T) {
	b := New(testKey)
	require.NoError(t, b.Insert(order(b, "bid", domain.OrderSideBuy, 380_000, 10)))
	require.NoError(t, b.Insert(order(b, "ask", domain.OrderSideSell, 420_000, 10)))

	snap := b.Snapshot(testNow)
	assert.Equal(t, int64(380_000), snap.BestBid)
	assert.Equal(t, int64(420_000), snap.BestAsk)
	assert.Equal(t, uint64(2), snap.Seq)

	_, err := b.Fill("ask", 10, testNow)
	require.NoError(t, err)
	assert.Len(t, snap.Asks, 1)
	assert.Equal(t, int64(10), snap.Asks[0].SizeUnits)

	q := domain.QuoteFromSnapshot(snap)
	require.NotNil(t, q.Probability)
	assert.InDelta(t, 0.40, *q.Probability, 1e-9)
}
