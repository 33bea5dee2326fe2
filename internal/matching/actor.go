package matching

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/marketdata"
	"github.com/alanyoungcy/polyclob/internal/orderbook"
)

// actor is the single writer of one book.
type actor struct {
	e    *Engine
	key  domain.BookKey
	book *orderbook.Book
	cmds chan func()
	snap atomic.Pointer[domain.BookSnapshot]

	ready   chan struct{} // closed once the book is loaded
	loadErr error
	done    chan struct{} // closed when run returns
}

func newActor(e *Engine, key domain.BookKey) *actor {
	return &actor{
		e:     e,
		key:   key,
		book:  orderbook.New(key),
		cmds:  make(chan func(), e.cfg.CommandBuffer),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (a *actor) run(ctx context.Context) {
	defer close(a.done)
	if err := a.load(ctx); err != nil {
		a.loadErr = fmt.Errorf("matching: load %s: %w", a.key, err)
		close(a.ready)
		a.e.forget(a)
		a.e.logger.Error("book load failed", slog.String("book", a.key.String()), slog.String("error", err.Error()))
		return
	}
	close(a.ready)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.cmds:
			cmd()
		}
	}
}

// load rebuilds the book from persisted open orders in arrival order.
func (a *actor) load(ctx context.Context) error {
	open, err := a.e.orders.ListOpenByBook(ctx, a.key)
	if err != nil {
		return err
	}
	book := orderbook.New(a.key)
	for i := range open {
		if err := book.Insert(open[i].Clone()); err != nil {
			return err
		}
	}
	a.book = book
	a.publishSnapshot(a.e.now())
	return nil
}

func (a *actor) wait(ctx context.Context) error {
	select {
	case <-a.ready:
		return a.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the actor goroutine and waits for it. Once enqueued, a
// command runs even if ctx is cancelled so the caller learns its outcome.
func (a *actor) do(ctx context.Context, fn func() error) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	result := make(chan error, 1)
	select {
	case a.cmds <- func() { result <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-a.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

func (a *actor) place(ctx context.Context, o *domain.Order, market *domain.Market) (*domain.PlaceResult, error) {
	now := a.e.now()
	if !market.Tradable(now) {
		return nil, domain.Reject(domain.ErrMarketNotTradable, "market %s is %s, trading ended at %s",
			market.ID, market.State, market.EndTime.UTC().Format(time.RFC3339))
	}
	if o.Expired(now) {
		return nil, domain.Reject(domain.ErrExpired, "order %s expired", o.ID)
	}
	if _, resting := a.book.Get(o.ID); resting {
		return nil, domain.Reject(domain.ErrReplayed, "order %s already resting", o.ID)
	}
	if o.Side == domain.OrderSideSell {
		if err := a.coverSell(ctx, o, now); err != nil {
			return nil, err
		}
	}

	o.FilledUnits = 0
	o.Status = domain.OrderStatusOpen
	o.Seq = a.book.NextSeq()
	o.UpdatedAt = now
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}

	plan := planMatch(a.book, o, now, a.e.newID)
	if err := a.commit(ctx, plan, now); err != nil {
		return nil, err
	}

	res := &domain.PlaceResult{Order: plan.Taker.Clone(), Trades: plan.Trades}
	for _, r := range plan.Removed {
		res.Expired = append(res.Expired, r.Clone())
	}
	return res, nil
}

// coverSell rejects a sell the maker cannot deliver: its size must fit in the
// maker's balance of the outcome less what their live resting sells already
// commit. Only this actor debits that balance, so the check holds until
// commit.
func (a *actor) coverSell(ctx context.Context, o *domain.Order, now time.Time) error {
	bal, err := a.e.holds.Balances(ctx, o.MarketID, o.Maker)
	if err != nil {
		return fmt.Errorf("matching: balances of %s: %w", o.Maker, err)
	}
	var committed int64
	a.book.Walk(domain.OrderSideSell, func(r *domain.Order) bool {
		if strings.EqualFold(r.Maker, o.Maker) && !r.Expired(now) {
			committed += r.Remaining()
		}
		return true
	})
	free := bal[o.Outcome] - committed
	if o.Remaining() > free {
		return domain.Reject(domain.ErrInsufficient, "%s holds %d units of outcome %d, %d committed to open sells, cannot sell %d",
			o.Maker, bal[o.Outcome], o.Outcome, committed, o.Remaining())
	}
	return nil
}

func (a *actor) cancel(ctx context.Context, orderID string) (*domain.CancelResult, error) {
	now := a.e.now()
	resting, ok := a.book.Get(orderID)
	if !ok {
		cur, err := a.e.orders.GetByID(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("matching: cancel %s: %w", orderID, err)
		}
		return &domain.CancelResult{Order: &cur, FilledUnits: cur.FilledUnits, Partial: cur.FilledUnits > 0},
			domain.Reject(domain.ErrOrderTerminal, "order %s is already %s", orderID, cur.Status)
	}

	removed := resting.Clone()
	removed.Status = domain.OrderStatusCancelled
	removed.UpdatedAt = now
	plan := domain.MatchResult{Key: a.key, Removed: []*domain.Order{removed}}
	if err := a.commit(ctx, plan, now); err != nil {
		return nil, err
	}
	return &domain.CancelResult{
		Order:          removed.Clone(),
		CancelledUnits: removed.Remaining(),
		FilledUnits:    removed.FilledUnits,
		Partial:        removed.FilledUnits > 0,
	}, nil
}

// sweep removes expired resting orders.
func (a *actor) sweep(ctx context.Context) (int, error) {
	now := a.e.now()
	plan := domain.MatchResult{Key: a.key}
	for _, s := range []domain.OrderSide{domain.OrderSideBuy, domain.OrderSideSell} {
		a.book.Walk(s, func(o *domain.Order) bool {
			if o.Expired(now) {
				plan.Removed = append(plan.Removed, terminal(o, domain.OrderStatusExpired, now))
			}
			return true
		})
	}
	if len(plan.Removed) == 0 {
		return 0, nil
	}
	return len(plan.Removed), a.commit(ctx, plan, now)
}

// closeBook cancels every resting order.
func (a *actor) closeBook(ctx context.Context) (int, error) {
	now := a.e.now()
	plan := domain.MatchResult{Key: a.key}
	for _, o := range a.book.Orders() {
		plan.Removed = append(plan.Removed, terminal(o, domain.OrderStatusCancelled, now))
	}
	if len(plan.Removed) == 0 {
		return 0, nil
	}
	return len(plan.Removed), a.commit(ctx, plan, now)
}

// commit validates plan, persists it, applies it to the book and publishes
// the result. Nothing is applied unless persistence succeeds.
func (a *actor) commit(ctx context.Context, plan domain.MatchResult, now time.Time) error {
	if err := validatePlan(a.book, plan); err != nil {
		a.e.logger.ErrorContext(ctx, "rejecting invalid plan",
			slog.String("book", a.key.String()),
			slog.String("error", err.Error()),
		)
		return domain.Reject(domain.ErrInvariant, "%v", err)
	}
	if err := a.e.orders.ApplyMatch(ctx, plan); err != nil {
		return fmt.Errorf("matching: persist %s: %w", a.key, err)
	}
	if err := a.apply(plan, now); err != nil {
		// The store holds the truth; rebuild from it.
		a.e.logger.ErrorContext(ctx, "book diverged from plan, reloading",
			slog.String("book", a.key.String()),
			slog.String("error", err.Error()),
		)
		if lerr := a.load(ctx); lerr != nil {
			a.e.logger.ErrorContext(ctx, "book reload failed", slog.String("error", lerr.Error()))
		}
		return domain.Reject(domain.ErrInvariant, "%v", err)
	}
	a.publish(plan, now)
	return nil
}

func (a *actor) apply(plan domain.MatchResult, now time.Time) error {
	for _, t := range plan.Trades {
		if _, err := a.book.Fill(t.MakerOrderID, t.SizeUnits, now); err != nil {
			return err
		}
	}
	for _, r := range plan.Removed {
		if _, err := a.book.Remove(r.ID, r.Status, now); err != nil {
			return err
		}
	}
	if t := plan.Taker; t != nil && t.Remaining() > 0 {
		if err := a.book.Insert(t.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (a *actor) publishSnapshot(now time.Time) domain.BookSnapshot {
	snap := a.book.Snapshot(now)
	a.snap.Store(&snap)
	return snap
}

func (a *actor) publish(plan domain.MatchResult, now time.Time) {
	snap := a.publishSnapshot(now)
	events := make([]marketdata.Event, 0, 2+len(plan.Trades)+len(plan.Makers)+len(plan.Removed))
	events = append(events, marketdata.BookEvent(snap))
	for _, t := range plan.Trades {
		events = append(events, marketdata.TradeEvent(t))
	}
	if plan.Taker != nil {
		events = append(events, marketdata.OrderEvent(plan.Taker))
	}
	for _, m := range plan.Makers {
		events = append(events, marketdata.OrderEvent(m))
	}
	for _, r := range plan.Removed {
		events = append(events, marketdata.OrderEvent(r))
	}
	a.e.events.Publish(events...)
}

func terminal(o *domain.Order, status domain.OrderStatus, now time.Time) *domain.Order {
	c := o.Clone()
	c.Status = status
	c.UpdatedAt = now
	return c
}
