package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/marketdata"
)

func startHub(t *testing.T, bus domain.MarketFeed) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "full"})
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var hello struct {
		Type string `json:"type"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "hello", hello.Type)
	return conn
}

func trade() marketdata.Event {
	return marketdata.TradeEvent(domain.Trade{
		ID: "t1", MarketID: "mkt", Outcome: 1, PriceTicks: 420_000, SizeUnits: 5_000_000,
		Timestamp: time.Unix(1_750_000_000, 0).UTC(),
	})
}

func TestJSONClientReceivesSubscribedChannels(t *testing.T) {
	h, srv := startHub(t, nil)
	conn := dial(t, srv, "")

	require.NoError(t, h.Deliver(context.Background(), marketdata.OrderEvent(&domain.Order{ID: "o1", MarketID: "mkt"})))
	require.NoError(t, h.Deliver(context.Background(), trade()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	ev, err := marketdata.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, marketdata.KindTrade, ev.Kind, "order updates are opt-in")
	assert.Equal(t, "t1", ev.Trade.ID)
}

func TestProtoClientGetsBinaryFrames(t *testing.T) {
	h, srv := startHub(t, nil)
	conn := dial(t, srv, "?encoding=proto")

	require.NoError(t, h.Deliver(context.Background(), trade()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	text, err := marketdata.ProtoToJSON(data)
	require.NoError(t, err)
	ev, err := marketdata.Decode(text)
	require.NoError(t, err)
	assert.Equal(t, "mkt", ev.MarketID)
}

func TestSubscriptionChanges(t *testing.T) {
	h, srv := startHub(t, nil)
	conn := dial(t, srv, "")

	require.NoError(t, conn.WriteJSON(clientMsg{Action: "unsubscribe", Channels: []string{marketdata.ChannelTradesPrefix + "*"}}))
	require.NoError(t, conn.WriteJSON(clientMsg{Action: "subscribe", Channels: []string{marketdata.ChannelOrders}}))

	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		for c := range h.clients {
			if c.isSubscribed(marketdata.ChannelOrders) && !c.isSubscribed(marketdata.ChannelTrades("mkt")) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Deliver(context.Background(), trade()))
	require.NoError(t, h.Deliver(context.Background(), marketdata.OrderEvent(&domain.Order{ID: "o1", MarketID: "mkt"})))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := marketdata.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, marketdata.KindOrder, ev.Kind)
}

type streamBus struct {
	domain.MarketFeed
	msgs []domain.TradePrint
}

func (b *streamBus) Subscribe(ctx context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (b *streamBus) TradesAfter(_ context.Context, lastID string, _ int) ([]domain.TradePrint, error) {
	var out []domain.TradePrint
	for _, m := range b.msgs {
		if m.ID > lastID {
			out = append(out, m)
		}
	}
	return out, nil
}

func TestReplayReadsTradeStream(t *testing.T) {
	payload, err := marketdata.Encode(trade())
	require.NoError(t, err)
	bus := &streamBus{msgs: []domain.TradePrint{{ID: "1-0", Payload: payload}, {ID: "2-0", Payload: payload}}}
	_, srv := startHub(t, bus)
	conn := dial(t, srv, "")

	require.NoError(t, conn.WriteJSON(clientMsg{Action: "replay", Since: "1-0"}))

	var reply struct {
		Type    string `json:"type"`
		Payload struct {
			Trades []json.RawMessage `json:"trades"`
			LastID string            `json:"last_id"`
		} `json:"payload"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "replay", reply.Type)
	assert.Len(t, reply.Payload.Trades, 1)
	assert.Equal(t, "2-0", reply.Payload.LastID)
}

func TestWildcardSubscription(t *testing.T) {
	c := &client{subs: map[string]bool{"ch:book:*": true, "ch:market": true}}
	assert.True(t, c.isSubscribed("ch:book:mkt:1"))
	assert.True(t, c.isSubscribed("ch:market"))
	assert.False(t, c.isSubscribed("ch:trades:mkt"))
}

func TestStoppedHubRefusesWithoutBlocking(t *testing.T) {
	h := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- h.Run(ctx) }()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	conn := dial(t, srv, "")

	cancel()
	select {
	case err := <-stopped:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "open connections are closed on shutdown")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	assert.ErrorIs(t, h.Deliver(context.Background(), trade()), ErrStopped)
}
