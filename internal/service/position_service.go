package service

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// PositionService reads holder balances and redemption records.
type PositionService struct {
	positions domain.PositionStore
}

// NewPositionService creates a PositionService.
func NewPositionService(positions domain.PositionStore) *PositionService {
	return &PositionService{positions: positions}
}

// ListByHolder returns every non-empty position of holder.
func (s *PositionService) ListByHolder(ctx context.Context, holder string) ([]domain.Position, error) {
	all, err := s.positions.ListByHolder(ctx, holder)
	if err != nil {
		return nil, fmt.Errorf("position_service: list %s: %w", holder, err)
	}
	out := all[:0]
	for _, p := range all {
		if p.BalanceUnits != 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

// Redemption returns the redemption record of holder in marketID.
func (s *PositionService) Redemption(ctx context.Context, marketID, holder string) (domain.Redemption, error) {
	r, err := s.positions.GetRedemption(ctx, marketID, holder)
	if err != nil {
		return domain.Redemption{}, fmt.Errorf("position_service: redemption %s/%s: %w", marketID, holder, err)
	}
	return r, nil
}
