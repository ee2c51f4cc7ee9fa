package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache provides fast access to the latest observed prices.
type PriceCache interface {
	SetPrice(ctx context.Context, tokenID string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, tokenID string) (decimal.Decimal, time.Time, error)
}

// OrderbookCache mirrors live orderbook state for external readers (strategy
// processes, dashboards). The in-process book engine remains the source of
// truth for the tick loop.
type OrderbookCache interface {
	SetBook(ctx context.Context, book OrderBook) error
	GetBook(ctx context.Context, tokenID string) (OrderBook, error)
}

// SignalBus provides pub/sub messaging between the external strategy layer
// and the engine.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
