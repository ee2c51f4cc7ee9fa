package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

// BalanceStore implements domain.BalanceStore using a singleton row.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a BalanceStore backed by the given pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// Get returns the paper cash balance, or domain.ErrNotFound before the first
// Set.
func (s *BalanceStore) Get(ctx context.Context) (domain.Balance, error) {
	const query = `SELECT cash, updated_at FROM balance WHERE id = 1`

	var b domain.Balance
	err := s.pool.QueryRow(ctx, query).Scan(&b.Cash, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Balance{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Balance{}, fmt.Errorf("postgres: get balance: %w", err)
	}
	return b, nil
}

// Set replaces the paper cash balance.
func (s *BalanceStore) Set(ctx context.Context, cash decimal.Decimal) error {
	const query = `
		INSERT INTO balance (id, cash, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET cash = EXCLUDED.cash, updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, cash); err != nil {
		return fmt.Errorf("postgres: set balance: %w", err)
	}
	return nil
}

var _ domain.BalanceStore = (*BalanceStore)(nil)
