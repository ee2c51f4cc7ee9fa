// Package sim simulates fills for paper trading and backtesting. Given an
// identical sequence of placements and market updates and an identical RNG
// seed, two simulators produce identical fill sequences.
package sim

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

// Config holds the immutable simulation parameters.
type Config struct {
	FeeRate         decimal.Decimal
	FillProbability decimal.Decimal
}

// Validate rejects out-of-range parameters.
func (c Config) Validate() error {
	if c.FeeRate.Sign() < 0 {
		return fmt.Errorf("sim: fee_rate must be >= 0")
	}
	one := decimal.NewFromInt(1)
	if c.FillProbability.Sign() < 0 || c.FillProbability.GreaterThan(one) {
		return fmt.Errorf("sim: fill_probability must be in [0,1]")
	}
	return nil
}

// openOrder is the live state for one simulated order.
type openOrder struct {
	intent    domain.OrderIntent
	remaining decimal.Decimal
	status    domain.OrderStatus
}

// Simulator matches open paper orders against the current book and trade
// prints. The RNG driving passive fills is a constructor dependency so runs
// are reproducible by seed, never ambient-global randomness.
type Simulator struct {
	cfg    Config
	rng    *rand.Rand
	logger *slog.Logger

	mu     sync.Mutex
	orders map[string]*openOrder
	// byToken preserves registration order per token; fills are attempted in
	// that order on every market update.
	byToken map[string][]string
}

// New creates a Simulator. rng must be a dedicated, seeded generator; sharing
// it with other components breaks reproducibility.
func New(cfg Config, rng *rand.Rand, logger *slog.Logger) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Simulator{
		cfg:     cfg,
		rng:     rng,
		logger:  logger.With(slog.String("component", "simulator")),
		orders:  make(map[string]*openOrder),
		byToken: make(map[string][]string),
	}, nil
}

// PlaceOrder registers an intent keyed by its id. Malformed intents (empty
// id/token, non-positive size, non-positive limit price) violate the caller
// contract and are rejected with ErrInvalidOrder.
func (s *Simulator) PlaceOrder(intent domain.OrderIntent) error {
	if intent.ID == "" {
		intent.ID = uuid.New().String()
	}
	if intent.TokenID == "" || intent.Size.Sign() <= 0 {
		return fmt.Errorf("sim: place %s: %w", intent.ID, domain.ErrInvalidOrder)
	}
	if intent.Type == domain.OrderTypeLimit && intent.Price.Sign() <= 0 {
		return fmt.Errorf("sim: place %s: %w", intent.ID, domain.ErrInvalidOrder)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[intent.ID]; exists {
		return fmt.Errorf("sim: place %s: %w", intent.ID, domain.ErrAlreadyExists)
	}
	s.orders[intent.ID] = &openOrder{
		intent:    intent,
		remaining: intent.Size,
		status:    domain.OrderStatusOpen,
	}
	s.byToken[intent.TokenID] = append(s.byToken[intent.TokenID], intent.ID)
	return nil
}

// CancelOrder removes an open order. Cancelling an unknown or already
// terminal order is a no-op; cancellation is advisory, a fill computed in the
// same processing pass is not rolled back.
func (s *Simulator) CancelOrder(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return
	}
	o.status = domain.OrderStatusCancelled
	s.removeLocked(id)
}

// OpenOrders returns the open orders for tokenID in registration order.
func (s *Simulator) OpenOrders(tokenID string) []domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Order, 0, len(s.byToken[tokenID]))
	for _, id := range s.byToken[tokenID] {
		o := s.orders[id]
		out = append(out, domain.Order{
			ID:         o.intent.ID,
			TokenID:    o.intent.TokenID,
			Side:       o.intent.Side,
			Type:       o.intent.Type,
			Price:      o.intent.Price,
			Size:       o.intent.Size,
			FilledSize: o.intent.Size.Sub(o.remaining),
			Status:     o.status,
			CreatedAt:  o.intent.CreatedAt,
		})
	}
	return out
}

// ProcessMarketUpdate attempts a fill for every open order on the book's
// token, in registration order. trade is the trade print that accompanied
// this update, or nil. Orders that cannot fill (empty opposing side, passive
// limit with no qualifying print) simply stay open; that is not an error.
func (s *Simulator) ProcessMarketUpdate(b domain.OrderBook, trade *domain.TradeRecord) []domain.Fill {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fills []domain.Fill
	ids := s.byToken[b.TokenID]
	for _, id := range ids {
		o := s.orders[id]
		if fill, ok := s.tryFillLocked(o, b, trade); ok {
			fills = append(fills, fill)
		}
	}

	// Drop terminal orders from the open table after the pass so the fill
	// attempt order stayed stable during iteration.
	for _, f := range fills {
		if o := s.orders[f.OrderID]; o != nil && o.status == domain.OrderStatusFilled {
			s.removeLocked(f.OrderID)
		}
	}
	return fills
}

func (s *Simulator) tryFillLocked(o *openOrder, b domain.OrderBook, trade *domain.TradeRecord) (domain.Fill, bool) {
	switch o.intent.Type {
	case domain.OrderTypeMarket:
		return s.fillAgainstBookLocked(o, b)
	case domain.OrderTypeLimit:
		if crosses(o.intent, b) {
			return s.fillAgainstBookLocked(o, b)
		}
		return s.fillPassiveLocked(o, b, trade)
	}
	return domain.Fill{}, false
}

// fillAgainstBookLocked fills a market order or a crossing limit order at the
// best opposing price, never at the order's own limit.
func (s *Simulator) fillAgainstBookLocked(o *openOrder, b domain.OrderBook) (domain.Fill, bool) {
	best, ok := opposingBest(o.intent.Side, b)
	if !ok {
		// No liquidity this update; the order stays open.
		return domain.Fill{}, false
	}

	size := decimal.Min(o.remaining, best.Size)
	if size.Sign() <= 0 {
		return domain.Fill{}, false
	}

	slip := decimal.Zero
	if mid, ok := b.MidPrice(); ok {
		slip = best.Price.Sub(mid).Abs()
	}
	fill := s.buildFillLocked(o, best.Price, size, slip, slip, b.LastUpdate)
	return fill, true
}

// fillPassiveLocked fills a resting limit order all-or-nothing when a trade
// print has crossed through its limit and the probability draw succeeds.
// A maker fill pays no spread; slippage is |limit - mid|.
func (s *Simulator) fillPassiveLocked(o *openOrder, b domain.OrderBook, trade *domain.TradeRecord) (domain.Fill, bool) {
	if trade == nil || trade.TokenID != o.intent.TokenID {
		return domain.Fill{}, false
	}

	crossed := false
	switch o.intent.Side {
	case domain.OrderSideBuy:
		crossed = trade.Price.LessThanOrEqual(o.intent.Price)
	case domain.OrderSideSell:
		crossed = trade.Price.GreaterThanOrEqual(o.intent.Price)
	}
	if !crossed {
		return domain.Fill{}, false
	}

	// The draw happens only after a qualifying print so replaying the same
	// update sequence consumes the RNG identically.
	draw := decimal.NewFromFloat(s.rng.Float64())
	if draw.GreaterThanOrEqual(s.cfg.FillProbability) {
		return domain.Fill{}, false
	}

	slip := decimal.Zero
	if mid, ok := b.MidPrice(); ok {
		slip = o.intent.Price.Sub(mid).Abs()
	}
	fill := s.buildFillLocked(o, o.intent.Price, o.remaining, slip, decimal.Zero, trade.Timestamp)
	return fill, true
}

func (s *Simulator) buildFillLocked(o *openOrder, price, size, slippage, spreadPaid decimal.Decimal, ts time.Time) domain.Fill {
	o.remaining = o.remaining.Sub(size)
	if o.remaining.Sign() <= 0 {
		o.status = domain.OrderStatusFilled
	} else {
		o.status = domain.OrderStatusPartiallyFilled
	}

	fee := price.Mul(size).Mul(s.cfg.FeeRate)
	fill := domain.Fill{
		ID:         uuid.New().String(),
		OrderID:    o.intent.ID,
		TokenID:    o.intent.TokenID,
		Side:       o.intent.Side,
		Price:      price,
		Size:       size,
		Slippage:   slippage,
		SpreadPaid: spreadPaid,
		Fee:        fee,
		Timestamp:  ts,
	}
	s.logger.Debug("simulated fill",
		slog.String("order_id", fill.OrderID),
		slog.String("token_id", fill.TokenID),
		slog.String("price", price.String()),
		slog.String("size", size.String()),
		slog.String("fee", fee.String()),
	)
	return fill
}

// MarkToMarket returns, for every open order on tokenID, the hypothetical
// unrealized PnL as if the remaining size filled at the current mid price.
// It mutates nothing.
func (s *Simulator) MarkToMarket(tokenID string, b domain.OrderBook) map[string]decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	mid, ok := b.MidPrice()
	if !ok {
		return nil
	}

	out := make(map[string]decimal.Decimal, len(s.byToken[tokenID]))
	for _, id := range s.byToken[tokenID] {
		o := s.orders[id]
		ref := o.intent.Price
		if o.intent.Type == domain.OrderTypeMarket {
			ref = mid
		}
		pnl := mid.Sub(ref).Mul(o.remaining)
		if o.intent.Side == domain.OrderSideSell {
			pnl = pnl.Neg()
		}
		out[id] = pnl
	}
	return out
}

func (s *Simulator) removeLocked(id string) {
	o, ok := s.orders[id]
	if !ok {
		return
	}
	ids := s.byToken[o.intent.TokenID]
	for i, v := range ids {
		if v == id {
			s.byToken[o.intent.TokenID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	delete(s.orders, id)
}

// crosses reports whether a limit order would execute immediately against the
// opposing best price.
func crosses(intent domain.OrderIntent, b domain.OrderBook) bool {
	switch intent.Side {
	case domain.OrderSideBuy:
		if ask, ok := b.BestAsk(); ok {
			return intent.Price.GreaterThanOrEqual(ask.Price)
		}
	case domain.OrderSideSell:
		if bid, ok := b.BestBid(); ok {
			return intent.Price.LessThanOrEqual(bid.Price)
		}
	}
	return false
}

func opposingBest(side domain.OrderSide, b domain.OrderBook) (domain.PriceLevel, bool) {
	if side == domain.OrderSideBuy {
		return b.BestAsk()
	}
	return b.BestBid()
}
