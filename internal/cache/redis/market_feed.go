package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

const (
	// defaultTradeLogLen bounds the trade log via XADD MAXLEN ~.
	defaultTradeLogLen int64 = 10_000

	// feedBuffer is the per-subscription queue between Redis and the reader.
	feedBuffer = 128

	// tradeField is the stream entry field holding the encoded trade.
	tradeField = "trade"
)

// MarketFeed implements domain.MarketFeed. Book, order and market events go
// over Pub/Sub; every trade is also appended to one stream whose entry ids
// are the replay positions handed to websocket clients.
type MarketFeed struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

// NewMarketFeed creates a feed whose trade log lives in stream. maxLen <= 0
// uses the default bound.
func NewMarketFeed(c *Client, stream string, maxLen int64) *MarketFeed {
	if maxLen <= 0 {
		maxLen = defaultTradeLogLen
	}
	return &MarketFeed{rdb: c.Underlying(), stream: stream, maxLen: maxLen}
}

// Publish sends an encoded event on channel.
func (f *MarketFeed) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := f.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on channel, which may be a glob such as "ch:book:*". The
// returned channel closes when ctx ends or the connection drops.
func (f *MarketFeed) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := f.rdb.Subscribe(ctx)
	var err error
	if strings.ContainsAny(channel, "*?[") {
		err = sub.PSubscribe(ctx, channel)
	} else {
		err = sub.Subscribe(ctx, channel)
	}
	if err == nil {
		_, err = sub.Receive(ctx)
	}
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	in := sub.Channel(redis.WithChannelSize(feedBuffer))
	out := make(chan []byte, feedBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// AppendTrade adds an encoded trade to the log, trimming it to roughly
// maxLen entries.
func (f *MarketFeed) AppendTrade(ctx context.Context, payload []byte) error {
	err := f.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: f.stream,
		MaxLen: f.maxLen,
		Approx: true,
		Values: []any{tradeField, payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: append trade: %w", err)
	}
	return nil
}

// TradesAfter returns up to count trades logged strictly after lastID, oldest
// first. An empty or zero lastID starts at the oldest retained trade.
func (f *MarketFeed) TradesAfter(ctx context.Context, lastID string, count int) ([]domain.TradePrint, error) {
	msgs, err := f.rdb.XRangeN(ctx, f.stream, rangeStart(lastID), "+", int64(count)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: trades after %s: %w", lastID, err)
	}
	return printsOf(msgs), nil
}

// rangeStart turns a replay position into an exclusive XRANGE start.
func rangeStart(lastID string) string {
	if lastID == "" || lastID == "0" || lastID == "0-0" {
		return "-"
	}
	return "(" + lastID
}

// printsOf decodes stream entries, skipping any without a trade field.
func printsOf(msgs []redis.XMessage) []domain.TradePrint {
	prints := make([]domain.TradePrint, 0, len(msgs))
	for _, m := range msgs {
		var payload []byte
		switch v := m.Values[tradeField].(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		default:
			continue
		}
		prints = append(prints, domain.TradePrint{ID: m.ID, Payload: payload})
	}
	return prints
}

var _ domain.MarketFeed = (*MarketFeed)(nil)
