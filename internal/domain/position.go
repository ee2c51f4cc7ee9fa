package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the current holding for one (market, token) pair. Size is
// signed: positive long, negative short. The engine treats the repository as
// the sole source of truth for holdings; it does not persist anything itself.
type Position struct {
	MarketID      string
	TokenID       string
	Size          decimal.Decimal
	AvgPrice      decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	LastUpdate    time.Time
}

// IsFlat reports whether the position size is exactly zero.
func (p Position) IsFlat() bool {
	return p.Size.IsZero()
}

// Balance is the paper account cash balance.
type Balance struct {
	Cash      decimal.Decimal
	UpdatedAt time.Time
}
