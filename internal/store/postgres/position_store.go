package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// RecordSplit stores the split and credits both outcome tokens.
func (s *PositionStore) RecordSplit(ctx context.Context, split domain.Split) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		const query = `
			INSERT INTO splits (market_id, holder, amount_units, tx_hash, created_at)
			VALUES ($1, $2, $3, $4, $5)`
		if _, err := tx.Exec(ctx, query, split.MarketID, split.Holder, split.AmountUnits, split.TxHash, split.CreatedAt); err != nil {
			return fmt.Errorf("postgres: record split %s/%s: %w", split.MarketID, split.Holder, err)
		}
		return addPositions(ctx, tx, []domain.PositionDelta{
			{MarketID: split.MarketID, Holder: split.Holder, Outcome: 0, Units: split.AmountUnits},
			{MarketID: split.MarketID, Holder: split.Holder, Outcome: 1, Units: split.AmountUnits},
		})
	})
}

// Balances returns the holder's balance of each outcome; missing rows are zero.
func (s *PositionStore) Balances(ctx context.Context, marketID, holder string) ([2]int64, error) {
	var out [2]int64
	rows, err := s.pool.Query(ctx,
		`SELECT outcome, balance_units FROM positions WHERE market_id = $1 AND holder = $2`,
		marketID, holder)
	if err != nil {
		return out, fmt.Errorf("postgres: balances %s/%s: %w", marketID, holder, err)
	}
	defer rows.Close()
	for rows.Next() {
		var outcome int
		var units int64
		if err := rows.Scan(&outcome, &units); err != nil {
			return out, fmt.Errorf("postgres: balances scan: %w", err)
		}
		if outcome == 0 || outcome == 1 {
			out[outcome] = units
		}
	}
	return out, rows.Err()
}

// ListByHolder returns every position row of holder.
func (s *PositionStore) ListByHolder(ctx context.Context, holder string) ([]domain.Position, error) {
	const query = `
		SELECT market_id, holder, outcome, balance_units, updated_at
		FROM positions WHERE holder = $1 ORDER BY market_id, outcome`
	rows, err := s.pool.Query(ctx, query, holder)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions %s: %w", holder, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.MarketID, &p.Holder, &p.Outcome, &p.BalanceUnits, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return positions, nil
}

const redemptionCols = `market_id, holder, status, burned_0, burned_1, payout_units,
	tx_hash, created_at, completed_at`

func scanRedemption(row pgx.Row) (domain.Redemption, error) {
	var r domain.Redemption
	var status string
	err := row.Scan(&r.MarketID, &r.Holder, &status, &r.Burned[0], &r.Burned[1],
		&r.PayoutUnits, &r.TxHash, &r.CreatedAt, &r.CompletedAt)
	r.Status = domain.RedemptionStatus(status)
	return r, err
}

// BeginRedemption inserts a pending row if none exists and returns the
// stored row.
func (s *PositionStore) BeginRedemption(ctx context.Context, marketID, holder string) (domain.Redemption, error) {
	const insert = `
		INSERT INTO redemptions (market_id, holder, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (market_id, holder) DO NOTHING`
	if _, err := s.pool.Exec(ctx, insert, marketID, holder, string(domain.RedemptionPending)); err != nil {
		return domain.Redemption{}, fmt.Errorf("postgres: begin redemption %s/%s: %w", marketID, holder, err)
	}
	r, err := s.GetRedemption(ctx, marketID, holder)
	if err != nil {
		return domain.Redemption{}, err
	}
	if r.Status == domain.RedemptionCompleted {
		return r, domain.ErrAlreadyRedeemed
	}
	return r, nil
}

// CompleteRedemption zeroes the burned balances and marks r completed in one
// transaction. Only a pending row can complete.
func (s *PositionStore) CompleteRedemption(ctx context.Context, r *domain.Redemption) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		const update = `
			UPDATE redemptions SET
				status = $3, burned_0 = $4, burned_1 = $5, payout_units = $6,
				tx_hash = $7, completed_at = NOW()
			WHERE market_id = $1 AND holder = $2 AND status = $8
			RETURNING completed_at`
		err := tx.QueryRow(ctx, update,
			r.MarketID, r.Holder, string(domain.RedemptionCompleted),
			r.Burned[0], r.Burned[1], r.PayoutUnits, r.TxHash,
			string(domain.RedemptionPending),
		).Scan(&r.CompletedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: complete redemption %s/%s: %w", r.MarketID, r.Holder, domain.ErrAlreadyRedeemed)
		}
		if err != nil {
			return fmt.Errorf("postgres: complete redemption %s/%s: %w", r.MarketID, r.Holder, err)
		}

		var burns []domain.PositionDelta
		for outcome, units := range r.Burned {
			if units != 0 {
				burns = append(burns, domain.PositionDelta{
					MarketID: r.MarketID, Holder: r.Holder, Outcome: outcome, Units: -units,
				})
			}
		}
		if err := addPositions(ctx, tx, burns); err != nil {
			return err
		}
		r.Status = domain.RedemptionCompleted
		return nil
	})
}

// GetRedemption returns the redemption of holder in marketID.
func (s *PositionStore) GetRedemption(ctx context.Context, marketID, holder string) (domain.Redemption, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+redemptionCols+` FROM redemptions WHERE market_id = $1 AND holder = $2`,
		marketID, holder)
	r, err := scanRedemption(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Redemption{}, domain.ErrNotFound
		}
		return domain.Redemption{}, fmt.Errorf("postgres: get redemption %s/%s: %w", marketID, holder, err)
	}
	return r, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
