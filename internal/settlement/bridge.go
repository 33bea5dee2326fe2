// Package settlement drives each market from trading through oracle
// resolution to redemption. All progress lives in the persisted Market
// record; Reconcile can run at any time, from any replica, and picks up
// wherever the record says the market is.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/marketdata"
)

// BookCloser cancels every resting order of a market.
type BookCloser interface {
	CloseMarket(ctx context.Context, marketID string) (int, error)
}

// Alerter raises operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// EventSink receives market lifecycle updates.
type EventSink interface {
	Publish(events ...marketdata.Event)
}

// Config tunes the bridge.
type Config struct {
	ChallengeWindow time.Duration
	StallGrace      time.Duration
	RetryAttempts   int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	AutoRequest     bool
	LockTTL         time.Duration
}

// Stores groups the persistence the bridge needs.
type Stores struct {
	Markets   domain.MarketStore
	Positions domain.PositionStore
	Audit     domain.AuditStore
}

// Bridge is the settlement state machine plus split and redemption.
type Bridge struct {
	cfg       Config
	markets   domain.MarketStore
	positions domain.PositionStore
	audit     domain.AuditStore
	oracle    domain.Oracle
	ctf       domain.ConditionalTokens
	books     BookCloser
	locks     domain.LockManager
	alerts    Alerter
	events    EventSink
	archiver  domain.Archiver
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures optional collaborators.
type Option func(*Bridge)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// WithBooks enables auto-cancel of resting orders when a market ends.
func WithBooks(c BookCloser) Option {
	return func(b *Bridge) { b.books = c }
}

// WithLocks serialises reconciliation of a market across replicas.
func WithLocks(l domain.LockManager) Option {
	return func(b *Bridge) { b.locks = l }
}

// WithAlerts sets where stall and failure alerts go.
func WithAlerts(a Alerter) Option {
	return func(b *Bridge) { b.alerts = a }
}

// WithEvents publishes lifecycle changes.
func WithEvents(s EventSink) Option {
	return func(b *Bridge) { b.events = s }
}

// WithArchiver archives the trade log of resolved markets.
func WithArchiver(a domain.Archiver) Option {
	return func(b *Bridge) { b.archiver = a }
}

// New creates a Bridge.
func New(cfg Config, stores Stores, oracle domain.Oracle, ctf domain.ConditionalTokens, logger *slog.Logger, opts ...Option) *Bridge {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	b := &Bridge{
		cfg:       cfg,
		markets:   stores.Markets,
		positions: stores.Positions,
		audit:     stores.Audit,
		oracle:    oracle,
		ctf:       ctf,
		locks:     newLocalLocks(),
		logger:    logger.With(slog.String("component", "settlement")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateMarket registers a new Active market.
func (b *Bridge) CreateMarket(ctx context.Context, m domain.Market) (domain.Market, error) {
	switch {
	case m.ID == "":
		return domain.Market{}, domain.Reject(domain.ErrMalformed, "market id is required")
	case !isBytes32(m.QuestionID):
		return domain.Market{}, domain.Reject(domain.ErrMalformed, "question id must be bytes32 hex")
	case !isBytes32(m.ConditionID):
		return domain.Market{}, domain.Reject(domain.ErrMalformed, "condition id must be bytes32 hex")
	case !m.EndTime.After(b.now()):
		return domain.Market{}, domain.Reject(domain.ErrMalformed, "end time must be in the future")
	}
	now := b.now()
	m.State = domain.MarketStateActive
	m.CreatedAt, m.UpdatedAt = now, now
	if err := b.markets.Create(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("settlement: create market %s: %w", m.ID, err)
	}
	created, err := b.markets.GetByID(ctx, m.ID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("settlement: create market %s: %w", m.ID, err)
	}
	b.record(ctx, "market_created", created, nil)
	return created, nil
}

func isBytes32(s string) bool {
	return len(s) == 66 && len(common.FromHex(s)) == 32
}

// RequestSettlement asks the oracle to resolve an ended market. A market
// whose deadline has passed but is still recorded Active is ended first.
func (b *Bridge) RequestSettlement(ctx context.Context, marketID, caller string) (domain.Market, error) {
	var out domain.Market
	err := b.withLock(ctx, "settlement:"+marketID, func() error {
		m, err := b.markets.GetByID(ctx, marketID)
		if err != nil {
			return fmt.Errorf("settlement: request %s: %w", marketID, err)
		}
		if m.State == domain.MarketStateActive && !b.now().Before(m.EndTime) {
			if err := b.end(ctx, &m); err != nil {
				return err
			}
		}
		if m.State != domain.MarketStateEnded {
			return domain.Reject(domain.ErrInvalidTransition, "market %s is %s, settlement needs %s", m.ID, m.State, domain.MarketStateEnded)
		}
		if err := b.closeBooks(ctx, &m); err != nil {
			return err
		}
		if err := b.request(ctx, &m, caller); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// Split escrows amountUnits of collateral on chain and credits the holder
// with that many units of both outcomes. Only allowed while Active.
func (b *Bridge) Split(ctx context.Context, marketID, holder string, amountUnits int64) (domain.Split, error) {
	if amountUnits <= 0 {
		return domain.Split{}, domain.Reject(domain.ErrMalformed, "split amount must be positive")
	}
	if !common.IsHexAddress(holder) {
		return domain.Split{}, domain.Reject(domain.ErrMalformed, "holder must be an address")
	}
	m, err := b.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Split{}, fmt.Errorf("settlement: split %s: %w", marketID, err)
	}
	if !m.Tradable(b.now()) {
		return domain.Split{}, domain.Reject(domain.ErrMarketNotTradable, "market %s is %s", m.ID, m.State)
	}

	var txHash string
	err = b.retry(ctx, "split position", func() error {
		var err error
		txHash, err = b.ctf.SplitPosition(ctx, m.ConditionID, holder, big.NewInt(amountUnits))
		return err
	})
	if err != nil {
		return domain.Split{}, err
	}

	split := domain.Split{
		MarketID:    m.ID,
		Holder:      common.HexToAddress(holder).Hex(),
		AmountUnits: amountUnits,
		TxHash:      txHash,
		CreatedAt:   b.now(),
	}
	if err := b.positions.RecordSplit(ctx, split); err != nil {
		return domain.Split{}, fmt.Errorf("settlement: record split %s: %w", m.ID, err)
	}
	b.record(ctx, "position_split", m, map[string]any{"holder": split.Holder, "amount": amountUnits, "tx": txHash})
	return split, nil
}

// Redeem pays out a holder's positions in a resolved market and burns them.
// Each (market, holder) redeems once; a second attempt is rejected with
// balances untouched.
func (b *Bridge) Redeem(ctx context.Context, marketID, holder string) (domain.Redemption, error) {
	if !common.IsHexAddress(holder) {
		return domain.Redemption{}, domain.Reject(domain.ErrMalformed, "holder must be an address")
	}
	holder = common.HexToAddress(holder).Hex()

	var out domain.Redemption
	err := b.withLock(ctx, "redeem:"+marketID+":"+holder, func() error {
		var err error
		out, err = b.redeem(ctx, marketID, holder)
		return err
	})
	return out, err
}

func (b *Bridge) redeem(ctx context.Context, marketID, holder string) (domain.Redemption, error) {
	m, err := b.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Redemption{}, fmt.Errorf("settlement: redeem %s: %w", marketID, err)
	}
	if m.Stalled {
		return domain.Redemption{}, domain.Reject(domain.ErrStalled, "market %s settlement stalled: %s", m.ID, m.StalledReason)
	}
	if m.State != domain.MarketStateResolved || m.Payout == nil {
		return domain.Redemption{}, domain.Reject(domain.ErrNotResolved, "market %s is %s", m.ID, m.State)
	}

	r, err := b.positions.BeginRedemption(ctx, m.ID, holder)
	if errors.Is(err, domain.ErrAlreadyRedeemed) {
		return r, domain.Reject(domain.ErrAlreadyRedeemed, "%s already redeemed %s", holder, m.ID)
	}
	if err != nil {
		return domain.Redemption{}, fmt.Errorf("settlement: begin redemption %s: %w", m.ID, err)
	}

	bal, err := b.positions.Balances(ctx, m.ID, holder)
	if err != nil {
		return domain.Redemption{}, fmt.Errorf("settlement: balances %s: %w", m.ID, err)
	}
	r.Burned, r.PayoutUnits = redeemable(bal, *m.Payout)

	if sets := indexSets(r.Burned); len(sets) > 0 {
		err := b.retry(ctx, "redeem positions", func() error {
			var err error
			r.TxHash, err = b.ctf.RedeemPositions(ctx, m.ConditionID, sets, holder)
			return err
		})
		if err != nil {
			return r, err
		}
	}

	if err := b.positions.CompleteRedemption(ctx, &r); err != nil {
		if errors.Is(err, domain.ErrAlreadyRedeemed) {
			return r, domain.Reject(domain.ErrAlreadyRedeemed, "%s already redeemed %s", holder, m.ID)
		}
		return r, fmt.Errorf("settlement: complete redemption %s: %w", m.ID, err)
	}
	b.record(ctx, "positions_redeemed", m, map[string]any{"holder": holder, "payout": r.PayoutUnits, "tx": r.TxHash})
	return r, nil
}

// redeemable returns the balances to burn and the collateral they pay.
// Only positive balances are redeemed.
func redeemable(bal [2]int64, p domain.Payout) (burned [2]int64, payout int64) {
	for i, units := range bal {
		if units > 0 {
			burned[i] = units
			payout += p.Pays(i, units)
		}
	}
	return burned, payout
}

// indexSets has one bit per outcome being redeemed.
func indexSets(burned [2]int64) []*big.Int {
	var sets []*big.Int
	for i, units := range burned {
		if units > 0 {
			sets = append(sets, big.NewInt(1<<i))
		}
	}
	return sets
}

// record writes the audit log and publishes the market's new state.
// Neither failure is fatal to the transition that already committed.
func (b *Bridge) record(ctx context.Context, event string, m domain.Market, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	detail["market_id"] = m.ID
	detail["state"] = string(m.State)
	if b.audit != nil {
		if err := b.audit.Log(ctx, event, detail); err != nil {
			b.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
		}
	}
	if b.events != nil {
		b.events.Publish(marketdata.MarketEvent(m))
	}
}

func (b *Bridge) alert(ctx context.Context, event, title, message string) {
	if b.alerts == nil {
		return
	}
	if err := b.alerts.Notify(ctx, event, title, message); err != nil {
		b.logger.WarnContext(ctx, "alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
