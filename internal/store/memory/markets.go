package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// MarketStore implements domain.MarketStore.
type MarketStore struct{ db *DB }

func cloneMarket(m domain.Market) domain.Market {
	if m.Payout != nil {
		p := *m.Payout
		m.Payout = &p
	}
	if m.Proposed != nil {
		p := *m.Proposed
		m.Proposed = &p
	}
	return m
}

// Create stores a new market at version 1.
func (s *MarketStore) Create(_ context.Context, m domain.Market) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.markets[m.ID]; ok {
		return fmt.Errorf("memory: create market %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	now := db.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Version = 1
	db.markets[m.ID] = cloneMarket(m)
	return nil
}

// GetByID returns one market.
func (s *MarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	m, ok := s.db.markets[id]
	if !ok {
		return domain.Market{}, fmt.Errorf("memory: get market %s: %w", id, domain.ErrNotFound)
	}
	return cloneMarket(m), nil
}

// List returns markets ordered by end time.
func (s *MarketStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	out := s.filter(func(domain.Market) bool { return true })
	return page(out, opts), nil
}

// ListUnresolved returns every market not yet Resolved.
func (s *MarketStore) ListUnresolved(_ context.Context) ([]domain.Market, error) {
	return s.filter(func(m domain.Market) bool { return m.State != domain.MarketStateResolved }), nil
}

// ListUnarchived returns resolved markets whose trades are not archived.
func (s *MarketStore) ListUnarchived(_ context.Context) ([]domain.Market, error) {
	return s.filter(func(m domain.Market) bool {
		return m.State == domain.MarketStateResolved && m.ArchivedAt == nil
	}), nil
}

func (s *MarketStore) filter(match func(domain.Market) bool) []domain.Market {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.Market
	for _, m := range s.db.markets {
		if match(m) {
			out = append(out, cloneMarket(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndTime.Equal(out[j].EndTime) {
			return out[i].EndTime.Before(out[j].EndTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update writes m when its version is current and bumps the version.
func (s *MarketStore) Update(_ context.Context, m *domain.Market) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	cur, ok := db.markets[m.ID]
	if !ok {
		return fmt.Errorf("memory: update market %s: %w", m.ID, domain.ErrNotFound)
	}
	if cur.Version != m.Version {
		return fmt.Errorf("memory: update market %s at version %d, stored %d: %w", m.ID, m.Version, cur.Version, domain.ErrConflict)
	}
	m.Version++
	m.UpdatedAt = db.now()
	db.markets[m.ID] = cloneMarket(*m)
	return nil
}
