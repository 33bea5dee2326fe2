package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// PositionStore implements domain.PositionStore.
type PositionStore struct{ db *DB }

// RecordSplit credits both outcome balances with the split amount.
func (s *PositionStore) RecordSplit(_ context.Context, split domain.Split) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if split.CreatedAt.IsZero() {
		split.CreatedAt = db.now()
	}
	db.splits = append(db.splits, split)
	db.addPosition(split.MarketID, split.Holder, 0, split.AmountUnits)
	db.addPosition(split.MarketID, split.Holder, 1, split.AmountUnits)
	return nil
}

// Balances returns the holder's balance of each outcome.
func (s *PositionStore) Balances(_ context.Context, marketID, holder string) ([2]int64, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	if bal, ok := s.db.positions[holderKey{marketID, holder}]; ok {
		return *bal, nil
	}
	return [2]int64{}, nil
}

// ListByHolder returns every non-zero position of a holder.
func (s *PositionStore) ListByHolder(_ context.Context, holder string) ([]domain.Position, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.Position
	for k, bal := range s.db.positions {
		if k.holder != holder {
			continue
		}
		for outcome, units := range bal {
			if units != 0 {
				out = append(out, domain.Position{
					MarketID:     k.market,
					Holder:       holder,
					Outcome:      outcome,
					BalanceUnits: units,
					UpdatedAt:    s.db.touched[k],
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out, nil
}

// BeginRedemption creates or resumes the holder's pending redemption.
func (s *PositionStore) BeginRedemption(_ context.Context, marketID, holder string) (domain.Redemption, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	k := holderKey{marketID, holder}
	if r, ok := db.redemptions[k]; ok {
		if r.Status == domain.RedemptionCompleted {
			return r, fmt.Errorf("memory: begin redemption %s/%s: %w", marketID, holder, domain.ErrAlreadyRedeemed)
		}
		return r, nil
	}
	r := domain.Redemption{
		MarketID:  marketID,
		Holder:    holder,
		Status:    domain.RedemptionPending,
		CreatedAt: db.now(),
	}
	db.redemptions[k] = r
	return r, nil
}

// CompleteRedemption burns r.Burned from the holder's balances and marks
// the redemption completed.
func (s *PositionStore) CompleteRedemption(_ context.Context, r *domain.Redemption) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	k := holderKey{r.MarketID, r.Holder}
	cur, ok := db.redemptions[k]
	if !ok {
		return fmt.Errorf("memory: complete redemption %s/%s: %w", r.MarketID, r.Holder, domain.ErrNotFound)
	}
	if cur.Status == domain.RedemptionCompleted {
		return fmt.Errorf("memory: complete redemption %s/%s: %w", r.MarketID, r.Holder, domain.ErrAlreadyRedeemed)
	}
	for outcome, units := range r.Burned {
		if units != 0 {
			db.addPosition(r.MarketID, r.Holder, outcome, -units)
		}
	}
	now := db.now()
	r.Status = domain.RedemptionCompleted
	r.CompletedAt = &now
	db.redemptions[k] = *r
	return nil
}

// GetRedemption returns the holder's redemption record.
func (s *PositionStore) GetRedemption(_ context.Context, marketID, holder string) (domain.Redemption, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	r, ok := s.db.redemptions[holderKey{marketID, holder}]
	if !ok {
		return domain.Redemption{}, fmt.Errorf("memory: get redemption %s/%s: %w", marketID, holder, domain.ErrNotFound)
	}
	return r, nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct{ db *DB }

// Log appends an audit entry.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	db.audit = append(db.audit, domain.AuditEntry{
		ID:        int64(len(db.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: db.now(),
	})
	return nil
}

// List returns audit entries, newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.AuditEntry
	for i := len(s.db.audit) - 1; i >= 0; i-- {
		if e := s.db.audit[i]; within(e.CreatedAt, opts) {
			out = append(out, e)
		}
	}
	return page(out, opts), nil
}
