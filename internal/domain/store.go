package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStore persists paper positions. The engine reads holdings through
// this interface and never caches them across ticks.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	Get(ctx context.Context, marketID, tokenID string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
}

// OrderStore persists simulated orders.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	Update(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListOpen(ctx context.Context) ([]Order, error)
}

// FillStore persists simulated fills.
type FillStore interface {
	Insert(ctx context.Context, fill Fill) error
	ListBefore(ctx context.Context, before time.Time) ([]Fill, error)
}

// TradeStore persists the observed trade tape.
type TradeStore interface {
	InsertBatch(ctx context.Context, trades []TradeRecord) error
	ListBefore(ctx context.Context, before time.Time) ([]TradeRecord, error)
}

// BalanceStore persists the paper cash balance.
type BalanceStore interface {
	Get(ctx context.Context) (Balance, error)
	Set(ctx context.Context, cash decimal.Decimal) error
}
