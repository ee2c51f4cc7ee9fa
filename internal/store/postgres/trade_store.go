package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// InsertBatch appends trade prints using a single COPY.
func (s *TradeStore) InsertBatch(ctx context.Context, trades []domain.TradeRecord) error {
	if len(trades) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, []any{t.TokenID, t.Price, t.Size, string(t.Side), t.Timestamp})
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"trades"},
		[]string{"token_id", "price", "size", "side", "ts"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trades: %w", err)
	}
	return nil
}

// ListBefore returns all trades strictly before the cutoff, oldest first.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	const query = `
		SELECT token_id, price, size, side, ts
		FROM trades
		WHERE ts < $1
		ORDER BY ts`
	return s.list(ctx, query, before)
}

func (s *TradeStore) list(ctx context.Context, query string, args ...any) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		var side string
		if err := rows.Scan(&t.TokenID, &t.Price, &t.Size, &side, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		t.Side = domain.OrderSide(side)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

var _ domain.TradeStore = (*TradeStore)(nil)
