package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a FillStore backed by the given pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

// Insert records a simulated fill.
func (s *FillStore) Insert(ctx context.Context, f domain.Fill) error {
	const query = `
		INSERT INTO fills (id, order_id, token_id, side, price, size, slippage, spread_paid, fee, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		f.ID, f.OrderID, f.TokenID, string(f.Side),
		f.Price, f.Size, f.Slippage, f.SpreadPaid, f.Fee, f.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fill %s: %w", f.ID, err)
	}
	return nil
}

const fillSelectCols = `id, order_id, token_id, side, price, size, slippage, spread_paid, fee, ts`

// ListBefore returns all fills strictly before the cutoff, oldest first. The
// archiver uses this for export.
func (s *FillStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Fill, error) {
	query := `SELECT ` + fillSelectCols + ` FROM fills WHERE ts < $1 ORDER BY ts`
	return s.list(ctx, query, before)
}

func (s *FillStore) list(ctx context.Context, query string, args ...any) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var side string
		if err := rows.Scan(
			&f.ID, &f.OrderID, &f.TokenID, &side,
			&f.Price, &f.Size, &f.Slippage, &f.SpreadPaid, &f.Fee, &f.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		f.Side = domain.OrderSide(side)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

var _ domain.FillStore = (*FillStore)(nil)
