package marketdata

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Sink receives every published event in publish order.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Publisher decouples the matching engine from distribution. Publish never
// blocks: when the buffer is full the event is dropped and counted. Book
// events carry full snapshots and trades are persisted, so a dropped event is
// repaired by the next one.
type Publisher struct {
	ch      chan Event
	sinks   []Sink
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewPublisher creates a Publisher with the given buffer size.
func NewPublisher(buffer int, logger *slog.Logger, sinks ...Sink) *Publisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Publisher{
		ch:     make(chan Event, buffer),
		sinks:  sinks,
		logger: logger.With(slog.String("component", "marketdata")),
	}
}

// AddSink registers another sink. It must be called before Run.
func (p *Publisher) AddSink(s Sink) {
	p.sinks = append(p.sinks, s)
}

// Publish enqueues events for delivery.
func (p *Publisher) Publish(events ...Event) {
	for _, ev := range events {
		select {
		case p.ch <- ev:
		default:
			if p.dropped.Add(1)%1000 == 1 {
				p.logger.Warn("event buffer full, dropping",
					slog.String("kind", string(ev.Kind)),
					slog.Int64("dropped_total", p.dropped.Load()),
				)
			}
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Run delivers events to every sink until ctx is done. A failing sink is
// logged and does not stop delivery to the others.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-p.ch:
			for _, s := range p.sinks {
				if err := s.Deliver(ctx, ev); err != nil {
					p.logger.WarnContext(ctx, "sink delivery failed",
						slog.String("sink", s.Name()),
						slog.String("kind", string(ev.Kind)),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}
