// Package feature derives per-token statistics (mid, spread, depth, EMA,
// EWMA volatility) from the live orderbook and a bounded trade tape.
package feature

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/paperbot/internal/book"
	"github.com/alanyoungcy/paperbot/internal/domain"
)

// tapeCapacity bounds the per-token FIFO trade tape.
const tapeCapacity = 1000

var (
	one     = decimal.NewFromInt(1)
	two     = decimal.NewFromInt(2)
	tenKBps = decimal.NewFromInt(10_000)
)

// tokenState is the per-token statistical state. Tokens are fully independent;
// no state is shared between entries.
type tokenState struct {
	ema        decimal.Decimal
	emaSeeded  bool
	prices     []decimal.Decimal // rolling buffer, capacity 2*volWindow
	tape       []domain.TradeRecord
	lastUpdate time.Time
}

// Engine computes derived features on demand. It owns the registry of
// per-token EMA/volatility/tape state; all mutation happens through
// RecordTrade on the single-writer tick loop.
type Engine struct {
	books *book.Engine

	mu        sync.RWMutex
	states    map[string]*tokenState
	alpha     decimal.Decimal
	volWindow int
	logger    *slog.Logger
}

// NewEngine creates an Engine over the given book registry. emaPeriod sets
// the EMA smoothing factor alpha = 2/(period+1); volWindow is the number of
// return samples used for volatility.
func NewEngine(books *book.Engine, emaPeriod, volWindow int, logger *slog.Logger) *Engine {
	alpha := two.Div(decimal.NewFromInt(int64(emaPeriod) + 1))
	return &Engine{
		books:     books,
		states:    make(map[string]*tokenState),
		alpha:     alpha,
		volWindow: volWindow,
		logger:    logger.With(slog.String("component", "feature_engine")),
	}
}

// RecordTrade folds a trade print into the token's EMA, price history, and
// tape. The first observed trade seeds the EMA at its price.
func (e *Engine) RecordTrade(t domain.TradeRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[t.TokenID]
	if !ok {
		st = &tokenState{}
		e.states[t.TokenID] = st
	}

	if !st.emaSeeded {
		st.ema = t.Price
		st.emaSeeded = true
	} else {
		// ema = alpha*price + (1-alpha)*ema
		st.ema = e.alpha.Mul(t.Price).Add(one.Sub(e.alpha).Mul(st.ema))
	}

	st.prices = append(st.prices, t.Price)
	if limit := 2 * e.volWindow; len(st.prices) > limit {
		st.prices = st.prices[len(st.prices)-limit:]
	}

	st.tape = append(st.tape, t)
	if len(st.tape) > tapeCapacity {
		st.tape = st.tape[len(st.tape)-tapeCapacity:]
	}
	st.lastUpdate = t.Timestamp
}

// Features recomputes the derived view for tokenID from the current book and
// trade state. When no book exists all price fields are nil and depths are
// zero; EMA/volatility are carried if trades have been seen.
func (e *Engine) Features(tokenID string) domain.DerivedFeatures {
	out := domain.DerivedFeatures{TokenID: tokenID}

	if b, ok := e.books.Snapshot(tokenID); ok {
		out.BidDepth = b.BidDepth()
		out.AskDepth = b.AskDepth()
		out.LastUpdate = b.LastUpdate
		if mid, ok := b.MidPrice(); ok {
			out.MidPrice = &mid
		}
		if spread, ok := b.Spread(); ok {
			out.Spread = &spread
			if out.MidPrice != nil && !out.MidPrice.IsZero() {
				bps := spread.Div(*out.MidPrice).Mul(tenKBps)
				out.SpreadBps = &bps
			}
		}
	} else {
		out.BidDepth = decimal.Zero
		out.AskDepth = decimal.Zero
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[tokenID]
	if !ok {
		return out
	}
	if st.emaSeeded {
		ema := st.ema
		out.EMA = &ema
	}
	if vol, ok := volatility(st.prices, e.volWindow); ok {
		out.Volatility = &vol
	}
	if st.lastUpdate.After(out.LastUpdate) {
		out.LastUpdate = st.lastUpdate
	}
	return out
}

// LastPriceUpdate returns the timestamp of the most recent trade or book
// update for tokenID, used by the stale-feed check.
func (e *Engine) LastPriceUpdate(tokenID string) (time.Time, bool) {
	var latest time.Time
	if ts, ok := e.books.LastUpdate(tokenID); ok {
		latest = ts
	}
	e.mu.RLock()
	st, ok := e.states[tokenID]
	if ok && st.lastUpdate.After(latest) {
		latest = st.lastUpdate
	}
	e.mu.RUnlock()
	if latest.IsZero() {
		return time.Time{}, false
	}
	return latest, true
}

// Tape returns a copy of the bounded trade tape for tokenID.
func (e *Engine) Tape(tokenID string) []domain.TradeRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[tokenID]
	if !ok || len(st.tape) == 0 {
		return nil
	}
	out := make([]domain.TradeRecord, len(st.tape))
	copy(out, st.tape)
	return out
}

// volatility computes the standard deviation of simple returns over the most
// recent window of prices. It needs at least three prices (two returns).
// Sums are kept in decimal; only the final square root passes through float.
func volatility(prices []decimal.Decimal, window int) (decimal.Decimal, bool) {
	if len(prices) > window+1 {
		prices = prices[len(prices)-(window+1):]
	}
	if len(prices) < 3 {
		return decimal.Decimal{}, false
	}

	returns := make([]decimal.Decimal, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1].IsZero() {
			continue
		}
		r := prices[i].Div(prices[i-1]).Sub(one)
		returns = append(returns, r)
	}
	if len(returns) < 2 {
		return decimal.Decimal{}, false
	}

	sum := decimal.Zero
	for _, r := range returns {
		sum = sum.Add(r)
	}
	n := decimal.NewFromInt(int64(len(returns)))
	mean := sum.Div(n)

	variance := decimal.Zero
	for _, r := range returns {
		d := r.Sub(mean)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(n)

	f, _ := variance.Float64()
	return decimal.NewFromFloat(math.Sqrt(f)), true
}
