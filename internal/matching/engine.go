// Package matching implements the continuous double auction. Each
// (market, outcome) book is owned by one actor goroutine that executes
// commands in arrival order; different books share no state and run in
// parallel.
//
// Every command is planned against the current book without mutating it,
// persisted as one domain.MatchResult transaction, and only then applied to
// the in-memory book and published as a new immutable snapshot.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/marketdata"
)

// ErrClosed is returned for commands submitted after the engine stopped.
var ErrClosed = errors.New("matching: engine closed")

// MarketGate resolves the lifecycle record used to decide tradability.
type MarketGate interface {
	GetByID(ctx context.Context, id string) (domain.Market, error)
}

// Holdings reports outcome-token balances. Sells are covered by them.
type Holdings interface {
	Balances(ctx context.Context, marketID, holder string) ([2]int64, error)
}

// EventSink receives committed changes. Publish must not block.
type EventSink interface {
	Publish(events ...marketdata.Event)
}

type discardSink struct{}

func (discardSink) Publish(...marketdata.Event) {}

// Config tunes the engine.
type Config struct {
	CommandBuffer int           // per-book command queue length
	SweepInterval time.Duration // expiry sweep period; zero disables
}

// Engine routes commands to per-book actors.
type Engine struct {
	cfg     Config
	orders  domain.OrderStore
	markets MarketGate
	holds   Holdings
	events  EventSink
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	actors map[domain.BookKey]*actor
	closed bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEvents sets the sink for committed changes.
func WithEvents(s EventSink) Option {
	return func(e *Engine) { e.events = s }
}

// WithTradeIDs overrides trade id generation.
func WithTradeIDs(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

// New creates an Engine. Books are loaded from orders lazily, the first time
// a command or snapshot touches them; Warm loads them eagerly.
func New(cfg Config, orders domain.OrderStore, markets MarketGate, holds Holdings, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		orders:  orders,
		markets: markets,
		holds:   holds,
		events:  discardSink{},
		logger:  logger.With(slog.String("component", "matching")),
		now:     time.Now,
		newID:   newTradeID,
		ctx:     ctx,
		cancel:  cancel,
		actors:  make(map[domain.BookKey]*actor),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// actorFor returns the actor owning key, starting it if needed.
func (e *Engine) actorFor(key domain.BookKey) (*actor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if a, ok := e.actors[key]; ok {
		return a, nil
	}
	a := newActor(e, key)
	e.actors[key] = a
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		a.run(e.ctx)
	}()
	return a, nil
}

// forget drops an actor that failed to load so the next command retries.
func (e *Engine) forget(a *actor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.actors[a.key] == a {
		delete(e.actors, a.key)
	}
}

func (e *Engine) snapshotActors() []*actor {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*actor, 0, len(e.actors))
	for _, a := range e.actors {
		out = append(out, a)
	}
	return out
}

// Warm loads both outcome books of each market from the order store.
func (e *Engine) Warm(ctx context.Context, marketIDs ...string) error {
	for _, id := range marketIDs {
		for outcome := 0; outcome < 2; outcome++ {
			if _, err := e.Snapshot(ctx, domain.BookKey{MarketID: id, Outcome: outcome}); err != nil {
				return fmt.Errorf("matching: warm %s: %w", id, err)
			}
		}
	}
	return nil
}

// Place matches o against its book and rests any remainder. o must come from
// the authenticator; the engine takes a copy.
func (e *Engine) Place(ctx context.Context, o *domain.Order) (*domain.PlaceResult, error) {
	if o.Outcome != 0 && o.Outcome != 1 {
		return nil, domain.Reject(domain.ErrMalformed, "outcome must be 0 or 1, got %d", o.Outcome)
	}
	market, err := e.markets.GetByID(ctx, o.MarketID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Reject(domain.ErrMarketNotTradable, "unknown market %s", o.MarketID)
	}
	if err != nil {
		return nil, fmt.Errorf("matching: load market %s: %w", o.MarketID, err)
	}

	a, err := e.actorFor(o.Key())
	if err != nil {
		return nil, err
	}
	var res *domain.PlaceResult
	err = a.do(ctx, func() error {
		var cmdErr error
		res, cmdErr = a.place(ctx, o.Clone(), &market)
		return cmdErr
	})
	return res, err
}

// Cancel removes the whole remaining quantity of a resting order. A cancel of
// an order that already reached a terminal state returns the current state
// together with an ErrOrderTerminal rejection.
func (e *Engine) Cancel(ctx context.Context, orderID, maker string) (*domain.CancelResult, error) {
	stored, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("matching: cancel %s: %w", orderID, err)
	}
	if !strings.EqualFold(stored.Maker, maker) {
		return nil, domain.Reject(domain.ErrUnauthorized, "order %s does not belong to %s", orderID, maker)
	}

	a, err := e.actorFor(stored.Key())
	if err != nil {
		return nil, err
	}
	var res *domain.CancelResult
	err = a.do(ctx, func() error {
		var cmdErr error
		res, cmdErr = a.cancel(ctx, orderID)
		return cmdErr
	})
	return res, err
}

// CloseMarket cancels every resting order in both outcome books of a market.
func (e *Engine) CloseMarket(ctx context.Context, marketID string) (int, error) {
	total := 0
	for outcome := 0; outcome < 2; outcome++ {
		a, err := e.actorFor(domain.BookKey{MarketID: marketID, Outcome: outcome})
		if err != nil {
			return total, err
		}
		err = a.do(ctx, func() error {
			n, cmdErr := a.closeBook(ctx)
			total += n
			return cmdErr
		})
		if err != nil {
			return total, fmt.Errorf("matching: close %s: %w", a.key, err)
		}
	}
	if total > 0 {
		e.logger.InfoContext(ctx, "market books closed",
			slog.String("market_id", marketID),
			slog.Int("cancelled", total),
		)
	}
	return total, nil
}

// Sweep removes expired resting orders from every loaded book.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, a := range e.snapshotActors() {
		err := a.do(ctx, func() error {
			n, cmdErr := a.sweep(ctx)
			total += n
			return cmdErr
		})
		if err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, fmt.Errorf("%s: %w", a.key, err))
		}
	}
	return total, errors.Join(errs...)
}

// Snapshot returns the last committed snapshot of a book.
func (e *Engine) Snapshot(ctx context.Context, key domain.BookKey) (domain.BookSnapshot, error) {
	a, err := e.actorFor(key)
	if err != nil {
		return domain.BookSnapshot{}, err
	}
	if err := a.wait(ctx); err != nil {
		return domain.BookSnapshot{}, err
	}
	return *a.snap.Load(), nil
}

// Run sweeps expired orders every SweepInterval until ctx is done, then
// stops every actor.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Close()
	if e.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := e.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				e.logger.ErrorContext(ctx, "expiry sweep failed", slog.String("error", err.Error()))
			}
			if n > 0 {
				e.logger.DebugContext(ctx, "expired orders swept", slog.Int("count", n))
			}
		}
	}
}

// Close stops every actor and waits for them to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}
