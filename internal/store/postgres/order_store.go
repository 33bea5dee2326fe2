package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderCols = `id, market_id, outcome, side, maker, price_ticks, size_units,
	filled_units, salt, nonce, expiration, signature, status, seq, created_at, updated_at`

const openStatuses = `('open', 'partial')`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var side, status, salt, nonce string
	var seq int64
	err := row.Scan(
		&o.ID, &o.MarketID, &o.Outcome, &side, &o.Maker, &o.PriceTicks, &o.SizeUnits,
		&o.FilledUnits, &salt, &nonce, &o.Expiration, &o.Signature, &status, &seq,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	o.Seq = uint64(seq)
	o.Salt, _ = new(big.Int).SetString(salt, 10)
	o.Nonce, _ = new(big.Int).SetString(nonce, 10)
	return o, nil
}

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

// ApplyMatch persists one engine command in a single transaction. Makers
// and removed orders are updated only while still live; a row that changed
// underneath aborts the whole command with ErrConflict.
func (s *OrderStore) ApplyMatch(ctx context.Context, res domain.MatchResult) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if t := res.Taker; t != nil {
			const upsert = `
				INSERT INTO orders (` + orderCols + `)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
				ON CONFLICT (id) DO UPDATE SET
					filled_units = EXCLUDED.filled_units,
					status       = EXCLUDED.status,
					updated_at   = EXCLUDED.updated_at
				WHERE orders.status IN ` + openStatuses
			tag, err := tx.Exec(ctx, upsert,
				t.ID, t.MarketID, t.Outcome, string(t.Side), t.Maker, t.PriceTicks, t.SizeUnits,
				t.FilledUnits, bigString(t.Salt), bigString(t.Nonce), t.Expiration, t.Signature,
				string(t.Status), int64(t.Seq), t.CreatedAt, t.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("postgres: apply match: taker %s: %w", t.ID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("postgres: apply match: taker %s is terminal: %w", t.ID, domain.ErrConflict)
			}
		}

		const update = `
			UPDATE orders SET filled_units = $2, status = $3, updated_at = $4
			WHERE id = $1 AND status IN ` + openStatuses
		for _, group := range [][]*domain.Order{res.Makers, res.Removed} {
			for _, o := range group {
				tag, err := tx.Exec(ctx, update, o.ID, o.FilledUnits, string(o.Status), o.UpdatedAt)
				if err != nil {
					return fmt.Errorf("postgres: apply match: order %s: %w", o.ID, err)
				}
				if tag.RowsAffected() == 0 {
					return fmt.Errorf("postgres: apply match: order %s is not live: %w", o.ID, domain.ErrConflict)
				}
			}
		}

		if len(res.Trades) > 0 {
			rows := make([][]any, len(res.Trades))
			for i, t := range res.Trades {
				rows[i] = []any{
					t.ID, t.MarketID, t.Outcome, t.MakerOrderID, t.TakerOrderID,
					t.Maker, t.Taker, string(t.TakerSide), t.PriceTicks, t.SizeUnits, t.Timestamp,
				}
			}
			_, err := tx.CopyFrom(ctx, pgx.Identifier{"trades"}, []string{
				"id", "market_id", "outcome", "maker_order_id", "taker_order_id",
				"maker", "taker", "taker_side", "price_ticks", "size_units", "ts",
			}, pgx.CopyFromRows(rows))
			if err != nil {
				return fmt.Errorf("postgres: apply match: insert trades: %w", err)
			}
		}

		return addPositions(ctx, tx, res.Positions)
	})
}

// addPositions applies balance deltas inside tx.
func addPositions(ctx context.Context, tx pgx.Tx, deltas []domain.PositionDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	const upsert = `
		INSERT INTO positions (market_id, holder, outcome, balance_units, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (market_id, holder, outcome) DO UPDATE SET
			balance_units = positions.balance_units + EXCLUDED.balance_units,
			updated_at    = NOW()`

	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(upsert, d.MarketID, d.Holder, d.Outcome, d.Units)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for i := range deltas {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: position delta %d: %w", i, err)
		}
	}
	return nil
}

// GetByID retrieves an order by id.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListOpenByMaker returns a maker's resting orders.
func (s *OrderStore) ListOpenByMaker(ctx context.Context, maker string) ([]domain.Order, error) {
	return s.query(ctx, "list open orders by maker",
		`SELECT `+orderCols+` FROM orders WHERE maker = $1 AND status IN `+openStatuses+`
		 ORDER BY created_at, seq`, maker)
}

// ListOpenByBook returns one book's resting orders in arrival order.
func (s *OrderStore) ListOpenByBook(ctx context.Context, key domain.BookKey) ([]domain.Order, error) {
	return s.query(ctx, "list open orders by book",
		`SELECT `+orderCols+` FROM orders
		 WHERE market_id = $1 AND outcome = $2 AND status IN `+openStatuses+`
		 ORDER BY seq`, key.MarketID, key.Outcome)
}

func (s *OrderStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return orders, nil
}

// Compile-time interface check.
var _ domain.OrderStore = (*OrderStore)(nil)
