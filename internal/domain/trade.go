package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is a single trade print from the market feed. Records are
// retained in a bounded FIFO tape per token and drive EMA/volatility.
type TradeRecord struct {
	TokenID   string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Side      OrderSide
	Timestamp time.Time
}

// DerivedFeatures is a point-in-time statistical view of one token, recomputed
// on demand from the live orderbook and trade tape. It is never a source of
// truth. Price fields are nil when the relevant book side has no levels or no
// trade has been observed yet.
type DerivedFeatures struct {
	TokenID    string
	MidPrice   *decimal.Decimal
	Spread     *decimal.Decimal
	SpreadBps  *decimal.Decimal
	BidDepth   decimal.Decimal
	AskDepth   decimal.Decimal
	EMA        *decimal.Decimal
	Volatility *decimal.Decimal
	LastUpdate time.Time
}
