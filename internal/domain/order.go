package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType distinguishes limit from market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus tracks the simulated order lifecycle:
// open -> (partially_filled)* -> filled, or open -> cancelled. Cancelled and
// filled are terminal; an order never leaves a terminal state.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// OrderIntent is a gated signal turned into a paper order. Price is ignored
// for market orders.
type OrderIntent struct {
	ID        string
	TokenID   string
	Side      OrderSide
	Price     decimal.Decimal
	Size      decimal.Decimal
	Type      OrderType
	CreatedAt time.Time
}

// Order is the persisted view of a simulated order.
type Order struct {
	ID          string
	TokenID     string
	Side        OrderSide
	Type        OrderType
	Price       decimal.Decimal
	Size        decimal.Decimal
	FilledSize  decimal.Decimal
	Status      OrderStatus
	CreatedAt   time.Time
	FilledAt    *time.Time
	CancelledAt *time.Time
}

// Fill is a single simulated execution. Slippage and SpreadPaid are measured
// against the mid price at fill time; Fee is always price*size*feeRate.
type Fill struct {
	ID         string
	OrderID    string
	TokenID    string
	Side       OrderSide
	Price      decimal.Decimal
	Size       decimal.Decimal
	Slippage   decimal.Decimal
	SpreadPaid decimal.Decimal
	Fee        decimal.Decimal
	Timestamp  time.Time
}

// Notional returns price*size for the fill.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Size)
}
