// Package memory implements the domain store interfaces in process memory.
// It backs the "memory" store driver used for local runs and tests; every
// operation, including ApplyMatch, is atomic under a single lock.
package memory

import (
	"sync"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

type holderKey struct {
	market string
	holder string
}

// DB is the shared state behind the memory stores.
type DB struct {
	mu          sync.RWMutex
	markets     map[string]domain.Market
	orders      map[string]domain.Order
	trades      []domain.Trade
	positions   map[holderKey]*[2]int64
	touched     map[holderKey]time.Time
	splits      []domain.Split
	redemptions map[holderKey]domain.Redemption
	audit       []domain.AuditEntry
	now         func() time.Time
}

// New creates an empty DB.
func New() *DB {
	return &DB{
		markets:     make(map[string]domain.Market),
		orders:      make(map[string]domain.Order),
		positions:   make(map[holderKey]*[2]int64),
		touched:     make(map[holderKey]time.Time),
		redemptions: make(map[holderKey]domain.Redemption),
		now:         time.Now,
	}
}

// Markets returns the domain.MarketStore view.
func (db *DB) Markets() *MarketStore { return &MarketStore{db: db} }

// Orders returns the domain.OrderStore view.
func (db *DB) Orders() *OrderStore { return &OrderStore{db: db} }

// Trades returns the domain.TradeStore view.
func (db *DB) Trades() *TradeStore { return &TradeStore{db: db} }

// Positions returns the domain.PositionStore view.
func (db *DB) Positions() *PositionStore { return &PositionStore{db: db} }

// Audit returns the domain.AuditStore view.
func (db *DB) Audit() *AuditStore { return &AuditStore{db: db} }

// addPosition must be called with mu held.
func (db *DB) addPosition(market, holder string, outcome int, units int64) {
	k := holderKey{market, holder}
	bal, ok := db.positions[k]
	if !ok {
		bal = new([2]int64)
		db.positions[k] = bal
	}
	bal[outcome] += units
	db.touched[k] = db.now()
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset >= len(items) {
		return nil
	}
	items = items[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

func within(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !t.Before(*opts.Until) {
		return false
	}
	return true
}

var (
	_ domain.MarketStore   = (*MarketStore)(nil)
	_ domain.OrderStore    = (*OrderStore)(nil)
	_ domain.TradeStore    = (*TradeStore)(nil)
	_ domain.PositionStore = (*PositionStore)(nil)
	_ domain.AuditStore    = (*AuditStore)(nil)
)
