package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Upsert inserts or replaces the position row for (market_id, token_id).
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (market_id, token_id, size, avg_price, realized_pnl, unrealized_pnl, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (market_id, token_id) DO UPDATE SET
			size = EXCLUDED.size,
			avg_price = EXCLUDED.avg_price,
			realized_pnl = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			last_update = EXCLUDED.last_update`

	_, err := s.pool.Exec(ctx, query,
		p.MarketID, p.TokenID, p.Size, p.AvgPrice, p.RealizedPnL, p.UnrealizedPnL, p.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s/%s: %w", p.MarketID, p.TokenID, err)
	}
	return nil
}

// Get returns the position for (marketID, tokenID), or domain.ErrNotFound.
func (s *PositionStore) Get(ctx context.Context, marketID, tokenID string) (domain.Position, error) {
	const query = `
		SELECT market_id, token_id, size, avg_price, realized_pnl, unrealized_pnl, last_update
		FROM positions
		WHERE market_id = $1 AND token_id = $2`

	var p domain.Position
	err := s.pool.QueryRow(ctx, query, marketID, tokenID).Scan(
		&p.MarketID, &p.TokenID, &p.Size, &p.AvgPrice, &p.RealizedPnL, &p.UnrealizedPnL, &p.LastUpdate,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s/%s: %w", marketID, tokenID, err)
	}
	return p, nil
}

// ListOpen returns every position with a non-zero size.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	const query = `
		SELECT market_id, token_id, size, avg_price, realized_pnl, unrealized_pnl, last_update
		FROM positions
		WHERE size <> 0
		ORDER BY market_id, token_id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(
			&p.MarketID, &p.TokenID, &p.Size, &p.AvgPrice, &p.RealizedPnL, &p.UnrealizedPnL, &p.LastUpdate,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

var _ domain.PositionStore = (*PositionStore)(nil)
