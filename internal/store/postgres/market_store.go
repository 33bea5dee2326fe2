package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, question, question_id, condition_id, token_id_0, token_id_1,
	state, end_time, ended_at, books_closed, requested_at, request_id,
	proposed_at, proposed, disputed, disputed_at, dispute_count,
	resolved_at, payout, stalled, stalled_at, stalled_reason, last_error,
	archived_at, version, created_at, updated_at`

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var state string
	var proposed, payout []byte
	err := row.Scan(
		&m.ID, &m.Question, &m.QuestionID, &m.ConditionID, &m.TokenIDs[0], &m.TokenIDs[1],
		&state, &m.EndTime, &m.EndedAt, &m.BooksClosed, &m.RequestedAt, &m.RequestID,
		&m.ProposedAt, &proposed, &m.Disputed, &m.DisputedAt, &m.DisputeCount,
		&m.ResolvedAt, &payout, &m.Stalled, &m.StalledAt, &m.StalledReason, &m.LastError,
		&m.ArchivedAt, &m.Version, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.State = domain.MarketState(state)
	if m.Proposed, err = decodePayout(proposed); err != nil {
		return domain.Market{}, err
	}
	if m.Payout, err = decodePayout(payout); err != nil {
		return domain.Market{}, err
	}
	return m, nil
}

func encodePayout(p *domain.Payout) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func decodePayout(data []byte) (*domain.Payout, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p domain.Payout
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payout: %w", err)
	}
	return &p, nil
}

// Create inserts a market at version 1.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, question, question_id, condition_id, token_id_0, token_id_1,
			state, end_time, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, NOW(), NOW())`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Question, m.QuestionID, m.ConditionID, m.TokenIDs[0], m.TokenIDs[1],
		string(m.State), m.EndTime,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: create market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// List returns markets newest first.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query, args := listClause(`SELECT `+marketCols+` FROM markets WHERE 1=1`, nil, "created_at", opts)
	return s.query(ctx, "list markets", query, args...)
}

// ListUnresolved returns every market not yet Resolved.
func (s *MarketStore) ListUnresolved(ctx context.Context) ([]domain.Market, error) {
	return s.query(ctx, "list unresolved markets",
		`SELECT `+marketCols+` FROM markets WHERE state <> $1 ORDER BY end_time`,
		string(domain.MarketStateResolved))
}

// ListUnarchived returns resolved markets whose trades are not archived.
func (s *MarketStore) ListUnarchived(ctx context.Context) ([]domain.Market, error) {
	return s.query(ctx, "list unarchived markets",
		`SELECT `+marketCols+` FROM markets WHERE state = $1 AND archived_at IS NULL ORDER BY resolved_at`,
		string(domain.MarketStateResolved))
}

func (s *MarketStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return markets, nil
}

// Update writes every lifecycle field when the stored version equals
// m.Version, then bumps m.Version.
func (s *MarketStore) Update(ctx context.Context, m *domain.Market) error {
	proposed, err := encodePayout(m.Proposed)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, err)
	}
	payout, err := encodePayout(m.Payout)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, err)
	}

	const query = `
		UPDATE markets SET
			state = $3, ended_at = $4, books_closed = $5, requested_at = $6,
			request_id = $7, proposed_at = $8, proposed = $9, disputed = $10,
			disputed_at = $11, dispute_count = $12, resolved_at = $13, payout = $14,
			stalled = $15, stalled_at = $16, stalled_reason = $17, last_error = $18,
			archived_at = $19, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`

	err = s.pool.QueryRow(ctx, query,
		m.ID, m.Version,
		string(m.State), m.EndedAt, m.BooksClosed, m.RequestedAt,
		m.RequestID, m.ProposedAt, proposed, m.Disputed,
		m.DisputedAt, m.DisputeCount, m.ResolvedAt, payout,
		m.Stalled, m.StalledAt, m.StalledReason, m.LastError,
		m.ArchivedAt,
	).Scan(&m.Version, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetByID(ctx, m.ID); errors.Is(getErr, domain.ErrNotFound) {
			return fmt.Errorf("postgres: update market %s: %w", m.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("postgres: update market %s at version %d: %w", m.ID, m.Version, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketStore = (*MarketStore)(nil)
