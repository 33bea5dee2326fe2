package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeCols = `id, market_id, outcome, maker_order_id, taker_order_id,
	maker, taker, taker_side, price_ticks, size_units, ts`

// ListByMarket returns a market's trades newest first.
func (s *TradeStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := listClause(`SELECT `+tradeCols+` FROM trades WHERE market_id = $1`, []any{marketID}, "ts", opts)
	return s.query(ctx, "list trades by market", query, args...)
}

// ListByOrder returns every trade an order took part in.
func (s *TradeStore) ListByOrder(ctx context.Context, orderID string) ([]domain.Trade, error) {
	return s.query(ctx, "list trades by order",
		`SELECT `+tradeCols+` FROM trades WHERE maker_order_id = $1 OR taker_order_id = $1 ORDER BY ts`,
		orderID)
}

// VolumeSince aggregates a market's trades at or after since.
func (s *TradeStore) VolumeSince(ctx context.Context, marketID string, since time.Time) (domain.Volume, error) {
	v := domain.Volume{MarketID: marketID, Since: since}
	const query = `
		SELECT COUNT(*), COALESCE(SUM(size_units), 0),
		       COALESCE(SUM(price_ticks * size_units / 1000000), 0)
		FROM trades WHERE market_id = $1 AND ts >= $2`
	if err := s.pool.QueryRow(ctx, query, marketID, since).Scan(&v.Trades, &v.SizeUnits, &v.NotionalUnits); err != nil {
		return domain.Volume{}, fmt.Errorf("postgres: volume %s: %w", marketID, err)
	}
	return v, nil
}

func (s *TradeStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var side string
		if err := rows.Scan(
			&t.ID, &t.MarketID, &t.Outcome, &t.MakerOrderID, &t.TakerOrderID,
			&t.Maker, &t.Taker, &side, &t.PriceTicks, &t.SizeUnits, &t.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		t.TakerSide = domain.OrderSide(side)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return trades, nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
