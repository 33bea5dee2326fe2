package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/notify"
)

// maxSteps bounds how many transitions one pass makes for a market.
const maxSteps = 8

// Report summarises one reconciliation pass.
type Report struct {
	Checked  int `json:"checked"`
	Advanced int `json:"advanced"`
	Stalled  int `json:"stalled"`
	Archived int `json:"archived"`
	Failed   int `json:"failed"`
}

// Reconcile advances every unresolved market as far as the clock and the
// oracle allow and archives resolved markets. It is idempotent. A failing
// market does not stop the pass; errors are joined.
func (b *Bridge) Reconcile(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error

	unresolved, err := b.markets.ListUnresolved(ctx)
	if err != nil {
		return rep, fmt.Errorf("settlement: list unresolved: %w", err)
	}
	for _, m := range unresolved {
		rep.Checked++
		advanced, err := b.ReconcileMarket(ctx, m.ID)
		if advanced {
			rep.Advanced++
		}
		if err != nil {
			rep.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", m.ID, err))
		}
		if cur, err := b.markets.GetByID(ctx, m.ID); err == nil && cur.Stalled {
			rep.Stalled++
		}
	}

	if b.archiver != nil {
		archived, failed, err := b.ArchiveResolved(ctx)
		rep.Archived += archived
		rep.Failed += failed
		if err != nil {
			errs = append(errs, err)
		}
	}

	if rep.Advanced > 0 || rep.Failed > 0 {
		b.logger.InfoContext(ctx, "reconcile pass",
			slog.Int("checked", rep.Checked),
			slog.Int("advanced", rep.Advanced),
			slog.Int("stalled", rep.Stalled),
			slog.Int("archived", rep.Archived),
			slog.Int("failed", rep.Failed),
		)
	}
	return rep, errors.Join(errs...)
}

// ArchiveResolved archives the trade log of every resolved market not yet
// archived. It needs no oracle, so the archive run mode calls it directly.
func (b *Bridge) ArchiveResolved(ctx context.Context) (archived, failed int, err error) {
	if b.archiver == nil {
		return 0, 0, errors.New("settlement: no archiver configured")
	}
	resolved, err := b.markets.ListUnarchived(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("settlement: list unarchived: %w", err)
	}
	var errs []error
	for _, m := range resolved {
		err := b.withLock(ctx, "settlement:"+m.ID, func() error { return b.archive(ctx, m.ID) })
		switch {
		case err == nil:
			archived++
		case errors.Is(err, domain.ErrLockHeld):
		default:
			failed++
			errs = append(errs, fmt.Errorf("%s: archive: %w", m.ID, err))
		}
	}
	return archived, failed, errors.Join(errs...)
}

// ReconcileMarket advances one market. It reports whether any transition
// was persisted. A market locked by another replica is skipped.
func (b *Bridge) ReconcileMarket(ctx context.Context, marketID string) (bool, error) {
	advanced := false
	err := b.withLock(ctx, "settlement:"+marketID, func() error {
		for i := 0; i < maxSteps; i++ {
			m, err := b.markets.GetByID(ctx, marketID)
			if err != nil {
				return fmt.Errorf("settlement: load %s: %w", marketID, err)
			}
			moved, err := b.step(ctx, &m)
			if moved {
				advanced = true
			}
			if err != nil || !moved {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, domain.ErrLockHeld) {
		return false, nil
	}
	return advanced, err
}

// Run reconciles every interval until ctx is done.
func (b *Bridge) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := b.Reconcile(ctx); err != nil && ctx.Err() == nil {
			b.logger.ErrorContext(ctx, "reconcile failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// step makes at most one transition.
func (b *Bridge) step(ctx context.Context, m *domain.Market) (bool, error) {
	switch m.State {
	case domain.MarketStateActive:
		if b.now().Before(m.EndTime) {
			return false, nil
		}
		return true, b.end(ctx, m)

	case domain.MarketStateEnded:
		if b.books != nil && !m.BooksClosed {
			return true, b.closeBooks(ctx, m)
		}
		if !b.cfg.AutoRequest {
			return false, nil
		}
		return true, b.request(ctx, m, "reconciler")

	case domain.MarketStateRequested, domain.MarketStateProposed, domain.MarketStateDisputed:
		return b.poll(ctx, m)
	}
	return false, nil
}

func (b *Bridge) end(ctx context.Context, m *domain.Market) error {
	now := b.now()
	m.State = domain.MarketStateEnded
	m.EndedAt = &now
	return b.save(ctx, m, "market_ended", nil)
}

// closeBooks cancels resting orders once. The books_closed flag keeps the
// step idempotent across passes and replicas.
func (b *Bridge) closeBooks(ctx context.Context, m *domain.Market) error {
	if b.books == nil || m.BooksClosed {
		return nil
	}
	n, err := b.books.CloseMarket(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("settlement: close books %s: %w", m.ID, err)
	}
	m.BooksClosed = true
	return b.save(ctx, m, "books_closed", map[string]any{"cancelled": n})
}

func (b *Bridge) request(ctx context.Context, m *domain.Market, caller string) error {
	var requestID string
	err := b.retry(ctx, "request resolution", func() error {
		var err error
		requestID, err = b.oracle.RequestResolution(ctx, m.QuestionID)
		return err
	})
	if err != nil {
		b.externalFailure(ctx, m, err)
		return err
	}
	now := b.now()
	m.State = domain.MarketStateRequested
	m.RequestID = requestID
	m.RequestedAt = &now
	clearStall(m)
	return b.save(ctx, m, "settlement_requested", map[string]any{"request_id": requestID, "caller": caller})
}

// poll reads the oracle and applies whatever transition it allows. With no
// transition available it checks the stall deadline instead.
func (b *Bridge) poll(ctx context.Context, m *domain.Market) (bool, error) {
	var rep domain.OracleReport
	err := b.retry(ctx, "oracle status", func() error {
		var err error
		rep, err = b.oracle.Status(ctx, m.QuestionID)
		return err
	})
	if err != nil {
		b.externalFailure(ctx, m, err)
		return false, err
	}

	now := b.now()
	switch {
	case m.State == domain.MarketStateRequested && rep.Status != domain.OracleUnresolved && rep.Payout != nil:
		m.State = domain.MarketStateProposed
		m.Proposed = rep.Payout
		m.ProposedAt = &now
		clearStall(m)
		return true, b.save(ctx, m, "settlement_proposed", map[string]any{"payout": rep.Payout.Numerators})

	case m.State == domain.MarketStateProposed && rep.Disputed && rep.Status == domain.OracleProposed:
		m.State = domain.MarketStateDisputed
		m.Disputed = true
		m.DisputedAt = &now
		m.DisputeCount++
		clearStall(m)
		return true, b.save(ctx, m, "settlement_disputed", map[string]any{"disputes": m.DisputeCount})

	case m.State == domain.MarketStateDisputed && rep.Status == domain.OracleProposed && !rep.Disputed && rep.Payout != nil:
		m.State = domain.MarketStateProposed
		m.Disputed = false
		m.Proposed = rep.Payout
		m.ProposedAt = &now
		clearStall(m)
		return true, b.save(ctx, m, "settlement_reproposed", map[string]any{"payout": rep.Payout.Numerators})

	case rep.Status == domain.OracleFinalized && rep.Payout != nil && m.State != domain.MarketStateRequested:
		return b.resolve(ctx, m, *rep.Payout)
	}
	return false, b.checkStall(ctx, m, "", notify.EventStalled)
}

// resolve confirms the oracle's final answer against the payout reported on
// chain. The market is never resolved on the oracle's word alone.
func (b *Bridge) resolve(ctx context.Context, m *domain.Market, final domain.Payout) (bool, error) {
	var onChain *domain.Payout
	err := b.retry(ctx, "payout vector", func() error {
		var err error
		onChain, err = b.ctf.PayoutVector(ctx, m.ConditionID)
		return err
	})
	if err != nil {
		b.externalFailure(ctx, m, err)
		return false, err
	}
	if onChain == nil {
		return false, b.checkStall(ctx, m, "", notify.EventStalled)
	}
	if !samePayout(*onChain, final) {
		reason := fmt.Sprintf("oracle payout %v/%d disagrees with chain %v/%d",
			final.Numerators, final.Denominator, onChain.Numerators, onChain.Denominator)
		m.LastError = reason
		return false, b.checkStall(ctx, m, reason, notify.EventStalled)
	}

	now := b.now()
	m.State = domain.MarketStateResolved
	m.Payout = onChain
	m.ResolvedAt = &now
	m.Disputed = false
	m.LastError = ""
	clearStall(m)
	if err := b.save(ctx, m, "market_resolved", map[string]any{"payout": onChain.Numerators}); err != nil {
		return false, err
	}
	b.alert(ctx, notify.EventResolved, "Market resolved",
		fmt.Sprintf("%s resolved with payout %v/%d", m.ID, onChain.Numerators, onChain.Denominator))
	return true, nil
}

// samePayout compares vectors by ratio.
func samePayout(a, b domain.Payout) bool {
	return a.Numerators[0]*b.Denominator == b.Numerators[0]*a.Denominator &&
		a.Numerators[1]*b.Denominator == b.Numerators[1]*a.Denominator
}

// checkStall flags a market whose oracle phase has outlived its challenge
// window plus grace, or that has a forced reason. The alert fires on the
// transition into stalled only.
func (b *Bridge) checkStall(ctx context.Context, m *domain.Market, reason, event string) error {
	start := m.PhaseStart()
	if reason == "" && start != nil && b.now().After(start.Add(b.cfg.ChallengeWindow+b.cfg.StallGrace)) {
		reason = fmt.Sprintf("no progress in %s since %s", m.State, start.Format(time.RFC3339))
	}
	if reason == "" {
		if !m.Stalled && m.LastError == "" {
			return nil
		}
		clearStall(m)
		m.LastError = ""
		return b.save(ctx, m, "settlement_recovered", nil)
	}
	if m.Stalled && m.StalledReason == reason {
		return nil
	}

	first := !m.Stalled
	now := b.now()
	m.Stalled = true
	m.StalledAt = &now
	m.StalledReason = reason
	if err := b.save(ctx, m, "settlement_stalled", map[string]any{"reason": reason}); err != nil {
		return err
	}
	if first {
		b.alert(ctx, event, "Settlement stalled", fmt.Sprintf("%s (%s): %s", m.ID, m.State, reason))
	}
	return nil
}

// externalFailure records an exhausted retry on the market and surfaces it
// as a stall. It never changes the lifecycle state.
func (b *Bridge) externalFailure(ctx context.Context, m *domain.Market, cause error) {
	m.LastError = cause.Error()
	if err := b.checkStall(ctx, m, "external dependency: "+cause.Error(), notify.EventExternal); err != nil {
		b.logger.WarnContext(ctx, "record external failure", slog.String("market_id", m.ID), slog.String("error", err.Error()))
	}
}

func clearStall(m *domain.Market) {
	m.Stalled = false
	m.StalledAt = nil
	m.StalledReason = ""
}

func (b *Bridge) archive(ctx context.Context, marketID string) error {
	m, err := b.markets.GetByID(ctx, marketID)
	if err != nil {
		return fmt.Errorf("settlement: load %s: %w", marketID, err)
	}
	if m.State != domain.MarketStateResolved || m.ArchivedAt != nil {
		return nil
	}
	n, err := b.archiver.ArchiveMarket(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("settlement: archive %s: %w", m.ID, err)
	}
	now := b.now()
	m.ArchivedAt = &now
	return b.save(ctx, &m, "trades_archived", map[string]any{"trades": n})
}

// save persists m under its version and records the change.
func (b *Bridge) save(ctx context.Context, m *domain.Market, event string, detail map[string]any) error {
	if err := b.markets.Update(ctx, m); err != nil {
		return fmt.Errorf("settlement: %s %s: %w", event, m.ID, err)
	}
	b.logger.InfoContext(ctx, event,
		slog.String("market_id", m.ID),
		slog.String("state", string(m.State)),
		slog.Int64("version", m.Version),
	)
	b.record(ctx, event, *m, detail)
	return nil
}

func (b *Bridge) withLock(ctx context.Context, key string, fn func() error) error {
	unlock, err := b.locks.Acquire(ctx, key, b.cfg.LockTTL)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// localLocks is the in-process LockManager used without Redis.
type localLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newLocalLocks() *localLocks {
	return &localLocks{held: make(map[string]bool)}
}

func (l *localLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
