// Package engine runs the single-writer cooperative tick loop: drain the
// bounded inbox of market updates, recompute derived state, gate pending
// signals, simulate fills against the now-current book, and propagate the
// resulting fills to position and balance state.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/paperbot/internal/book"
	"github.com/alanyoungcy/paperbot/internal/domain"
	"github.com/alanyoungcy/paperbot/internal/feature"
	"github.com/alanyoungcy/paperbot/internal/risk"
	"github.com/alanyoungcy/paperbot/internal/sim"
)

// Stores groups the optional persistence collaborators. Any nil store is
// skipped; the engine works fully in memory without them.
type Stores struct {
	Orders    domain.OrderStore
	Fills     domain.FillStore
	Trades    domain.TradeStore
	Positions domain.PositionStore
	Balance   domain.BalanceStore
}

// Caches groups the optional external-read mirrors.
type Caches struct {
	Books  domain.OrderbookCache
	Prices domain.PriceCache
}

// Engine wires the book registry, feature engine, risk gate, and simulator
// into one tick loop. All engine state is mutated from Run's goroutine only.
type Engine struct {
	books    *book.Engine
	features *feature.Engine
	gate     *risk.Gate
	sim      *sim.Simulator
	ledger   *Ledger
	stores   Stores
	caches   Caches

	inbox   chan domain.MarketEvent
	signals chan domain.TradeSignal

	riskPerTrade decimal.Decimal

	// orders carries per-order bookkeeping the simulator does not expose:
	// the originating market and the cumulative filled size. Entries are
	// removed when the order reaches a terminal state.
	orders map[string]*orderState

	logger *slog.Logger
}

// orderState is the engine-side record for one live order.
type orderState struct {
	marketID string
	size     decimal.Decimal
	filled   decimal.Decimal
}

// New creates an Engine with a bounded inbox of inboxSize events.
func New(
	books *book.Engine,
	features *feature.Engine,
	gate *risk.Gate,
	simulator *sim.Simulator,
	ledger *Ledger,
	riskPerTrade decimal.Decimal,
	inboxSize int,
	logger *slog.Logger,
) *Engine {
	if inboxSize <= 0 {
		inboxSize = 1024
	}
	return &Engine{
		books:        books,
		features:     features,
		gate:         gate,
		sim:          simulator,
		ledger:       ledger,
		riskPerTrade: riskPerTrade,
		inbox:        make(chan domain.MarketEvent, inboxSize),
		signals:      make(chan domain.TradeSignal, 256),
		orders:       make(map[string]*orderState),
		logger:       logger.With(slog.String("component", "engine")),
	}
}

// SetStores attaches persistence collaborators. Must be called before Run.
func (e *Engine) SetStores(s Stores) { e.stores = s }

// SetCaches attaches external-read mirrors. Must be called before Run.
func (e *Engine) SetCaches(c Caches) { e.caches = c }

// SubmitEvent offers a market event to the bounded inbox without blocking.
// It returns false when the inbox is full and the event was dropped; the
// caller decides whether to log or back off.
func (e *Engine) SubmitEvent(ev domain.MarketEvent) bool {
	select {
	case e.inbox <- ev:
		return true
	default:
		return false
	}
}

// SubmitSignal offers a candidate signal for gating on the next tick.
func (e *Engine) SubmitSignal(sig domain.TradeSignal) bool {
	select {
	case e.signals <- sig:
		return true
	default:
		return false
	}
}

// Features exposes the derived view for external readers.
func (e *Engine) Features(tokenID string) domain.DerivedFeatures {
	return e.features.Features(tokenID)
}

// Positions exposes current paper holdings.
func (e *Engine) Positions() []domain.Position {
	return e.ledger.Positions()
}

// Run blocks processing ticks until ctx is cancelled. A tick starts when at
// least one event or signal is pending.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started")
	defer e.logger.Info("engine stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.inbox:
			e.tick(ctx, &ev)
		case sig := <-e.signals:
			e.tick(ctx, nil, sig)
		}
	}
}

// RunOnce performs a single tick over whatever is currently queued. Intended
// for backtest stepping and tests; Run uses the same path.
func (e *Engine) RunOnce(ctx context.Context) []domain.Fill {
	return e.tick(ctx, nil)
}

// tick is the fixed-order processing pass of the cooperative model: no
// computation observes a half-applied book because the inbox is fully drained
// before anything downstream runs.
func (e *Engine) tick(ctx context.Context, first *domain.MarketEvent, pending ...domain.TradeSignal) []domain.Fill {
	// (1) Drain all pending market updates. Touched tokens are visited in
	// first-touch arrival order in every later step; iterating a map here
	// would reshuffle the per-token passes between runs and with them the
	// RNG draw sequence, breaking replay.
	touched := newTouchSet()
	if first != nil {
		e.applyEvent(ctx, *first, touched)
	}
drain:
	for {
		select {
		case ev := <-e.inbox:
			e.applyEvent(ctx, ev, touched)
		default:
			break drain
		}
	}

	// (2) Refresh derived state and external mirrors for touched tokens.
	for _, tokenID := range touched.order {
		e.publishState(ctx, tokenID)
	}

	// (3) Gate pending signals, oldest first.
	sigs := pending
collect:
	for {
		select {
		case sig := <-e.signals:
			sigs = append(sigs, sig)
		default:
			break collect
		}
	}
	for _, sig := range sigs {
		e.handleSignal(ctx, sig)
	}

	// (4) Attempt execution against the now-current book.
	var fills []domain.Fill
	for _, tokenID := range touched.order {
		b, ok := e.books.Snapshot(tokenID)
		if !ok {
			continue
		}
		tokenFills := e.sim.ProcessMarketUpdate(b, touched.last[tokenID])

		// (5) Propagate fills to position/balance state.
		for _, f := range tokenFills {
			e.applyFill(ctx, f, b)
		}
		fills = append(fills, tokenFills...)
	}
	return fills
}

// touchSet records the tokens affected by one tick's events in first-touch
// arrival order, with the latest trade print seen per token.
type touchSet struct {
	order []string
	last  map[string]*domain.TradeRecord
}

func newTouchSet() *touchSet {
	return &touchSet{last: make(map[string]*domain.TradeRecord)}
}

func (t *touchSet) mark(tokenID string, trade *domain.TradeRecord) {
	if _, ok := t.last[tokenID]; !ok {
		t.order = append(t.order, tokenID)
		t.last[tokenID] = nil
	}
	if trade != nil {
		t.last[tokenID] = trade
	}
}

func (e *Engine) applyEvent(ctx context.Context, ev domain.MarketEvent, touched *touchSet) {
	switch {
	case ev.Snapshot != nil:
		e.books.ApplySnapshot(*ev.Snapshot)
		touched.mark(ev.Snapshot.TokenID, nil)
	case ev.Delta != nil:
		if e.books.ApplyDelta(*ev.Delta) {
			touched.mark(ev.Delta.TokenID, nil)
		}
	case ev.Trade != nil:
		t := *ev.Trade
		e.features.RecordTrade(t)
		touched.mark(t.TokenID, &t)
		if e.stores.Trades != nil {
			if err := e.stores.Trades.InsertBatch(ctx, []domain.TradeRecord{t}); err != nil {
				e.logger.Warn("trade persist failed",
					slog.String("token_id", t.TokenID),
					slog.String("error", err.Error()))
				e.gate.RecordError()
			}
		}
	}
}

// publishState mirrors the refreshed book and price into the external caches.
func (e *Engine) publishState(ctx context.Context, tokenID string) {
	b, ok := e.books.Snapshot(tokenID)
	if !ok {
		return
	}
	if e.caches.Books != nil {
		if err := e.caches.Books.SetBook(ctx, b); err != nil {
			e.logger.Warn("book cache update failed",
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()))
			e.gate.RecordError()
		}
	}
	if e.caches.Prices != nil {
		if mid, ok := b.MidPrice(); ok {
			if err := e.caches.Prices.SetPrice(ctx, tokenID, mid, b.LastUpdate); err != nil {
				e.logger.Warn("price cache update failed",
					slog.String("token_id", tokenID),
					slog.String("error", err.Error()))
				e.gate.RecordError()
			}
		}
	}
}

func (e *Engine) handleSignal(ctx context.Context, sig domain.TradeSignal) {
	if sig.Cancel {
		e.cancelOrder(ctx, sig.ID)
		return
	}

	lastUpdate, _ := e.features.LastPriceUpdate(sig.TokenID)
	decision := e.gate.Check(sig, e.ledger.Positions(), lastUpdate)
	if decision.Gated {
		e.logger.Info("signal gated",
			slog.String("signal_id", sig.ID),
			slog.String("token_id", sig.TokenID),
			slog.Any("reasons", decision.Reasons))
		return
	}

	size := risk.CalculateSize(risk.SizingInput{
		SignalSize:       sig.Size,
		Balance:          e.ledger.Cash(),
		WinProbability:   sig.WinProbability,
		WinAmount:        sig.WinAmount,
		LossAmount:       sig.LossAmount,
		StopLossDistance: sig.StopLossDistance,
		RiskPerTrade:     e.riskPerTrade,
	})
	if size.Sign() <= 0 {
		e.logger.Info("signal sized to zero",
			slog.String("signal_id", sig.ID),
			slog.String("balance", e.ledger.Cash().String()))
		return
	}

	intent := domain.OrderIntent{
		ID:        sig.ID,
		TokenID:   sig.TokenID,
		Side:      sig.Side,
		Price:     sig.Price,
		Size:      size,
		Type:      sig.Type,
		CreatedAt: sig.CreatedAt,
	}
	if err := e.sim.PlaceOrder(intent); err != nil {
		e.logger.Warn("order rejected by simulator",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()))
		e.gate.RecordError()
		return
	}
	e.orders[intent.ID] = &orderState{marketID: sig.MarketID, size: size}

	if e.stores.Orders != nil {
		order := domain.Order{
			ID:        intent.ID,
			TokenID:   intent.TokenID,
			Side:      intent.Side,
			Type:      intent.Type,
			Price:     intent.Price,
			Size:      intent.Size,
			Status:    domain.OrderStatusOpen,
			CreatedAt: intent.CreatedAt,
		}
		if err := e.stores.Orders.Create(ctx, order); err != nil {
			e.logger.Warn("order persist failed",
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()))
			e.gate.RecordError()
		}
	}
}

// cancelOrder withdraws a live order. A fill already computed this tick
// stands; cancellation only stops future attempts. Unknown or terminal ids
// are a no-op.
func (e *Engine) cancelOrder(ctx context.Context, id string) {
	st, ok := e.orders[id]
	if !ok {
		e.logger.Info("cancel ignored for unknown order",
			slog.String("order_id", id))
		return
	}
	e.sim.CancelOrder(id)
	delete(e.orders, id)

	if e.stores.Orders != nil {
		now := time.Now().UTC()
		upd := domain.Order{
			ID:          id,
			FilledSize:  st.filled,
			Status:      domain.OrderStatusCancelled,
			CancelledAt: &now,
		}
		if err := e.stores.Orders.Update(ctx, upd); err != nil {
			e.logger.Warn("order cancel persist failed",
				slog.String("order_id", id),
				slog.String("error", err.Error()))
			e.gate.RecordError()
		}
	}
	e.logger.Info("order cancelled", slog.String("order_id", id))
}

func (e *Engine) applyFill(ctx context.Context, f domain.Fill, b domain.OrderBook) {
	st := e.orders[f.OrderID]
	if st == nil {
		st = &orderState{size: f.Size}
	}
	st.filled = st.filled.Add(f.Size)
	status := domain.OrderStatusPartiallyFilled
	if st.filled.GreaterThanOrEqual(st.size) {
		status = domain.OrderStatusFilled
	}

	marketID := st.marketID
	realized := e.ledger.ApplyFill(marketID, f)
	e.gate.RecordPnL(realized)

	if mid, ok := b.MidPrice(); ok {
		e.ledger.MarkToMarket(marketID, f.TokenID, mid, f.Timestamp)
	}

	if e.stores.Orders != nil {
		upd := domain.Order{
			ID:         f.OrderID,
			FilledSize: st.filled,
			Status:     status,
		}
		if status == domain.OrderStatusFilled {
			ts := f.Timestamp
			upd.FilledAt = &ts
		}
		if err := e.stores.Orders.Update(ctx, upd); err != nil {
			e.logger.Warn("order update persist failed",
				slog.String("order_id", f.OrderID),
				slog.String("error", err.Error()))
			e.gate.RecordError()
		}
	}
	if status == domain.OrderStatusFilled {
		delete(e.orders, f.OrderID)
	}

	if e.stores.Fills != nil {
		if err := e.stores.Fills.Insert(ctx, f); err != nil {
			e.logger.Warn("fill persist failed",
				slog.String("fill_id", f.ID),
				slog.String("error", err.Error()))
			e.gate.RecordError()
		}
	}
	if e.stores.Positions != nil {
		pos := e.ledger.Position(marketID, f.TokenID)
		if err := e.stores.Positions.Upsert(ctx, pos); err != nil {
			e.logger.Warn("position persist failed",
				slog.String("token_id", f.TokenID),
				slog.String("error", err.Error()))
			e.gate.RecordError()
		}
	}
	if e.stores.Balance != nil {
		if err := e.stores.Balance.Set(ctx, e.ledger.Cash()); err != nil {
			e.logger.Warn("balance persist failed",
				slog.String("error", err.Error()))
			e.gate.RecordError()
		}
	}

	e.logger.Info("fill applied",
		slog.String("order_id", f.OrderID),
		slog.String("token_id", f.TokenID),
		slog.String("side", string(f.Side)),
		slog.String("price", f.Price.String()),
		slog.String("size", f.Size.String()),
		slog.String("fee", f.Fee.String()),
		slog.String("realized_pnl", realized.String()),
		slog.String("cash", e.ledger.Cash().String()))
}
