package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// BusSink publishes events on the market feed, appends trades to its replay
// log and refreshes the shared snapshot cache for read replicas.
type BusSink struct {
	bus       domain.MarketFeed
	snapshots domain.SnapshotCache // optional
	ttl       time.Duration
}

// NewBusSink creates a BusSink. snapshots may be nil.
func NewBusSink(bus domain.MarketFeed, snapshots domain.SnapshotCache, ttl time.Duration) *BusSink {
	return &BusSink{bus: bus, snapshots: snapshots, ttl: ttl}
}

func (s *BusSink) Name() string { return "bus" }

// Deliver implements Sink.
func (s *BusSink) Deliver(ctx context.Context, ev Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, ev.Channel, payload); err != nil {
		return err
	}
	switch ev.Kind {
	case KindTrade:
		if err := s.bus.AppendTrade(ctx, payload); err != nil {
			return fmt.Errorf("marketdata: append trade: %w", err)
		}
	case KindBook:
		if s.snapshots != nil && ev.Book != nil {
			if err := s.snapshots.SetSnapshot(ctx, *ev.Book, s.ttl); err != nil {
				return fmt.Errorf("marketdata: share snapshot: %w", err)
			}
		}
	}
	return nil
}
