// Package book maintains a consistent per-token orderbook registry from feed
// snapshots and sequenced deltas. Each token's book has exactly one logical
// writer (the tick-loop ingestion step); readers receive deep copies.
package book

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

// Engine owns all orderbook state, keyed by token id. Books are created on
// first snapshot or delta and persist for the process lifetime.
type Engine struct {
	mu     sync.RWMutex
	books  map[string]*domain.OrderBook
	topN   int
	logger *slog.Logger
}

// NewEngine creates an Engine that trims every side to topN levels on
// ingestion. topN <= 0 disables trimming.
func NewEngine(topN int, logger *slog.Logger) *Engine {
	return &Engine{
		books:  make(map[string]*domain.OrderBook),
		topN:   topN,
		logger: logger.With(slog.String("component", "book_engine")),
	}
}

// ApplySnapshot replaces the book for snap.TokenID with the snapshot contents.
// The snapshot becomes the baseline for subsequent deltas.
func (e *Engine) ApplySnapshot(snap domain.BookSnapshot) {
	bids := normalizeSide(snap.Bids, true, e.topN)
	asks := normalizeSide(snap.Asks, false, e.topN)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.books[snap.TokenID] = &domain.OrderBook{
		TokenID:    snap.TokenID,
		Bids:       bids,
		Asks:       asks,
		Sequence:   snap.Sequence,
		LastUpdate: snap.Timestamp,
	}
}

// ApplyDelta merges level updates into the book for delta.TokenID, creating
// the book when none exists. A delta whose sequence is non-zero and <= the
// last applied sequence is dropped without touching the book; this is the
// out-of-order protection, not an error. It returns false when the delta was
// dropped.
func (e *Engine) ApplyDelta(delta domain.BookDelta) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.books[delta.TokenID]
	if !ok {
		b = &domain.OrderBook{TokenID: delta.TokenID}
		e.books[delta.TokenID] = b
	}

	if delta.Sequence != 0 && b.Sequence != 0 && delta.Sequence <= b.Sequence {
		e.logger.Debug("stale delta dropped",
			slog.String("token_id", delta.TokenID),
			slog.Int64("sequence", delta.Sequence),
			slog.Int64("last_applied", b.Sequence),
		)
		return false
	}

	b.Bids = mergeSide(b.Bids, delta.Bids, true, e.topN)
	b.Asks = mergeSide(b.Asks, delta.Asks, false, e.topN)
	if delta.Sequence != 0 {
		b.Sequence = delta.Sequence
	}
	if !delta.Timestamp.IsZero() {
		b.LastUpdate = delta.Timestamp
	}
	return true
}

// Snapshot returns a deep copy of the book for tokenID. ok is false when no
// book exists yet.
func (e *Engine) Snapshot(tokenID string) (domain.OrderBook, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[tokenID]
	if !ok {
		return domain.OrderBook{}, false
	}
	return b.Clone(), true
}

// Tokens returns every token id with a book, in no particular order.
func (e *Engine) Tokens() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.books))
	for id := range e.books {
		out = append(out, id)
	}
	return out
}

// BestBid returns the best bid price for tokenID. ok is false when the book
// or side is missing.
func (e *Engine) BestBid(tokenID string) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[tokenID]
	if !ok {
		return decimal.Decimal{}, false
	}
	lvl, ok := b.BestBid()
	return lvl.Price, ok
}

// BestAsk returns the best ask price for tokenID. ok is false when the book
// or side is missing.
func (e *Engine) BestAsk(tokenID string) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[tokenID]
	if !ok {
		return decimal.Decimal{}, false
	}
	lvl, ok := b.BestAsk()
	return lvl.Price, ok
}

// MidPrice returns (bestBid+bestAsk)/2 for tokenID.
func (e *Engine) MidPrice(tokenID string) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[tokenID]
	if !ok {
		return decimal.Decimal{}, false
	}
	return b.MidPrice()
}

// Spread returns bestAsk-bestBid for tokenID.
func (e *Engine) Spread(tokenID string) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[tokenID]
	if !ok {
		return decimal.Decimal{}, false
	}
	return b.Spread()
}

// LastUpdate returns the timestamp of the last applied snapshot or delta.
func (e *Engine) LastUpdate(tokenID string) (time.Time, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[tokenID]
	if !ok {
		return time.Time{}, false
	}
	return b.LastUpdate, true
}

// normalizeSide dedups by price (last entry wins), drops non-positive sizes,
// sorts, and trims.
func normalizeSide(levels []domain.PriceLevel, descending bool, topN int) []domain.PriceLevel {
	return mergeSide(nil, levels, descending, topN)
}

// mergeSide applies updates onto existing levels keyed by price. Updates with
// size <= 0 remove the price; others overwrite or insert. The side is fully
// re-sorted after merging and trimmed to topN levels.
func mergeSide(existing, updates []domain.PriceLevel, descending bool, topN int) []domain.PriceLevel {
	byPrice := make(map[string]domain.PriceLevel, len(existing)+len(updates))
	for _, lvl := range existing {
		byPrice[lvl.Price.String()] = lvl
	}
	for _, upd := range updates {
		key := upd.Price.String()
		if upd.Size.Sign() <= 0 {
			delete(byPrice, key)
			continue
		}
		byPrice[key] = upd
	}

	out := make([]domain.PriceLevel, 0, len(byPrice))
	for _, lvl := range byPrice {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}
