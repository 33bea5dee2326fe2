package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

var testNow = time.Unix(1_750_000_000, 0).UTC()

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	name string
	fail bool
	mu   sync.Mutex
	got  []Event
	seen chan struct{}
}

func newRecordingSink(name string, fail bool) *recordingSink {
	return &recordingSink{name: name, fail: fail, seen: make(chan struct{}, 16)}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, ev Event) error {
	s.mu.Lock()
	s.got = append(s.got, ev)
	s.mu.Unlock()
	s.seen <- struct{}{}
	if s.fail {
		return errors.New("boom")
	}
	return nil
}

func sampleTrade() domain.Trade {
	return domain.Trade{
		ID: "t1", MarketID: "mkt", Outcome: 1, MakerOrderID: "m", TakerOrderID: "k",
		Maker: "0xa", Taker: "0xb", TakerSide: domain.OrderSideBuy,
		PriceTicks: 400_000, SizeUnits: 10_000_000, Timestamp: testNow,
	}
}

func TestPublisherFansOutPastFailingSink(t *testing.T) {
	bad := newRecordingSink("bad", true)
	good := newRecordingSink("good", false)
	p := NewPublisher(8, discardLogger(), bad, good)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Publish(TradeEvent(sampleTrade()), BookEvent(domain.BookSnapshot{MarketID: "mkt", Outcome: 1}))
	for i := 0; i < 2; i++ {
		select {
		case <-good.seen:
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	good.mu.Lock()
	defer good.mu.Unlock()
	require.Len(t, good.got, 2)
	assert.Equal(t, KindTrade, good.got[0].Kind)
	assert.Equal(t, "ch:trades:mkt", good.got[0].Channel)
	assert.Equal(t, "ch:book:mkt:1", good.got[1].Channel)
}

func TestPublishDropsWhenFull(t *testing.T) {
	p := NewPublisher(1, discardLogger())
	p.Publish(TradeEvent(sampleTrade()), TradeEvent(sampleTrade()), TradeEvent(sampleTrade()))
	assert.Equal(t, int64(2), p.Dropped())
}

func TestProtoFrameCarriesEvent(t *testing.T) {
	data, err := Encode(TradeEvent(sampleTrade()))
	require.NoError(t, err)

	frame, err := JSONToProto(data)
	require.NoError(t, err)
	back, err := ProtoToJSON(frame)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(back, &got))
	assert.Equal(t, "trade", got["kind"])
	trade := got["trade"].(map[string]any)
	assert.Equal(t, float64(400_000), trade["price"])
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSinkRoutesByKind(t *testing.T) {
	trades, books := &fakeWriter{}, &fakeWriter{}
	s := &KafkaSink{trades: trades, books: books}
	ctx := context.Background()

	require.NoError(t, s.Deliver(ctx, TradeEvent(sampleTrade())))
	require.NoError(t, s.Deliver(ctx, BookEvent(domain.BookSnapshot{MarketID: "mkt"})))
	require.NoError(t, s.Deliver(ctx, MarketEvent(domain.Market{ID: "mkt"})))

	require.Len(t, trades.msgs, 1)
	require.Len(t, books.msgs, 1)
	assert.Equal(t, []byte("mkt"), trades.msgs[0].Key)
}

type memFeed struct {
	domain.MarketFeed
	published map[string]int
	trades    [][]byte
}

func (f *memFeed) Publish(_ context.Context, channel string, _ []byte) error {
	f.published[channel]++
	return nil
}

func (f *memFeed) AppendTrade(_ context.Context, payload []byte) error {
	f.trades = append(f.trades, payload)
	return nil
}

type memSnapshots struct {
	domain.SnapshotCache
	set []domain.BookSnapshot
}

func (s *memSnapshots) SetSnapshot(_ context.Context, snap domain.BookSnapshot, _ time.Duration) error {
	s.set = append(s.set, snap)
	return nil
}

func TestBusSinkLogsTradesAndSharesBooks(t *testing.T) {
	feed := &memFeed{published: map[string]int{}}
	snaps := &memSnapshots{}
	sink := NewBusSink(feed, snaps, time.Minute)
	ctx := context.Background()

	trade := TradeEvent(domain.Trade{ID: "t1", MarketID: "mkt", Outcome: 1, PriceTicks: 400_000, SizeUnits: 1_000_000, Timestamp: testNow})
	require.NoError(t, sink.Deliver(ctx, trade))
	key := domain.BookKey{MarketID: "mkt", Outcome: 1}
	require.NoError(t, sink.Deliver(ctx, BookEvent(domain.BookSnapshot{MarketID: "mkt", Outcome: 1})))
	require.NoError(t, sink.Deliver(ctx, OrderEvent(&domain.Order{ID: "o1", MarketID: "mkt"})))

	assert.Equal(t, 1, feed.published[ChannelTrades("mkt")])
	assert.Equal(t, 1, feed.published[ChannelBook(key)])
	assert.Equal(t, 1, feed.published[ChannelOrders])
	require.Len(t, feed.trades, 1)
	ev, err := Decode(feed.trades[0])
	require.NoError(t, err)
	assert.Equal(t, "t1", ev.Trade.ID)
	require.Len(t, snaps.set, 1)
	assert.Equal(t, key, snaps.set[0].Key())
}
