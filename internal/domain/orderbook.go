package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a single price+size entry in an orderbook. Stored sizes are
// always positive; a delta entry with size <= 0 means "remove this price".
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook is the resting state for one token: bids strictly descending by
// price, asks strictly ascending, each price unique within its side.
// Sequence is the last applied delta sequence, or 0 when the feed carries no
// sequence numbers.
type OrderBook struct {
	TokenID    string
	Bids       []PriceLevel
	Asks       []PriceLevel
	Sequence   int64
	LastUpdate time.Time
}

// BestBid returns the highest resting bid. ok is false when the side is empty.
func (b OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest resting ask. ok is false when the side is empty.
func (b OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// MidPrice returns (bestBid+bestAsk)/2, or ok=false when either side is empty.
func (b OrderBook) MidPrice() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Decimal{}, false
	}
	return bid.Price.Add(ask.Price).Div(two), true
}

// Spread returns bestAsk-bestBid, or ok=false when either side is empty.
// A crossed book yields a negative spread; the engine does not correct it.
func (b OrderBook) Spread() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Decimal{}, false
	}
	return ask.Price.Sub(bid.Price), true
}

// BidDepth returns the total size resting on the bid side.
func (b OrderBook) BidDepth() decimal.Decimal {
	return sideDepth(b.Bids)
}

// AskDepth returns the total size resting on the ask side.
func (b OrderBook) AskDepth() decimal.Decimal {
	return sideDepth(b.Asks)
}

func sideDepth(levels []PriceLevel) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range levels {
		total = total.Add(lvl.Size)
	}
	return total
}

// Clone returns a deep copy safe to hand to readers outside the tick loop.
func (b OrderBook) Clone() OrderBook {
	out := b
	out.Bids = append([]PriceLevel(nil), b.Bids...)
	out.Asks = append([]PriceLevel(nil), b.Asks...)
	return out
}

var two = decimal.NewFromInt(2)

// BookSnapshot is a full orderbook image received from the feed. It replaces
// any prior state for the token and becomes the baseline for later deltas.
type BookSnapshot struct {
	TokenID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Sequence  int64
	Timestamp time.Time
}

// BookDelta is an incremental set of level updates for one token. An entry
// with Size <= 0 removes the level at that price.
type BookDelta struct {
	TokenID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Sequence  int64
	Timestamp time.Time
}
