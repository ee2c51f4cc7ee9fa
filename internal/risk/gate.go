// Package risk gates candidate signals against hard safety limits before any
// simulated capital is put at risk. The gate never returns an error; every
// evaluation produces a GateDecision.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

// Config holds the immutable risk limits, supplied at construction.
type Config struct {
	MaxPositionPerToken   decimal.Decimal
	MaxGrossExposure      decimal.Decimal
	MaxNetExposure        decimal.Decimal
	MaxDailyLoss          decimal.Decimal
	MaxOrderRatePerSecond int
	StaleFeed             time.Duration
	WSDisconnectTimeout   time.Duration
	PriceFeedStale        time.Duration
	MaxErrorRatePerMinute int
}

// Validate rejects non-positive limits. A gate with an invalid config must
// never start.
func (c Config) Validate() error {
	if c.MaxPositionPerToken.Sign() <= 0 {
		return fmt.Errorf("risk: max_position_per_token must be > 0")
	}
	if c.MaxGrossExposure.Sign() <= 0 {
		return fmt.Errorf("risk: max_gross_exposure must be > 0")
	}
	if c.MaxNetExposure.Sign() <= 0 {
		return fmt.Errorf("risk: max_net_exposure must be > 0")
	}
	if c.MaxDailyLoss.Sign() <= 0 {
		return fmt.Errorf("risk: max_daily_loss must be > 0")
	}
	if c.MaxOrderRatePerSecond <= 0 {
		return fmt.Errorf("risk: max_order_rate_per_second must be > 0")
	}
	if c.StaleFeed <= 0 {
		return fmt.Errorf("risk: stale_feed_ms must be > 0")
	}
	if c.WSDisconnectTimeout <= 0 {
		return fmt.Errorf("risk: ws_disconnect_timeout_ms must be > 0")
	}
	if c.PriceFeedStale <= 0 {
		return fmt.Errorf("risk: price_feed_stale_ms must be > 0")
	}
	if c.MaxErrorRatePerMinute <= 0 {
		return fmt.Errorf("risk: max_error_rate_per_minute must be > 0")
	}
	return nil
}

// KillSwitch is the external out-of-band halt signal, polled on every gate
// evaluation. The gate has no opinion on how it is set or cleared.
type KillSwitch interface {
	Engaged() bool
}

// Gate evaluates a fixed sequence of safety checks, short-circuiting at the
// first failure. The only mutable state is the rate window, the error window,
// and the daily PnL accumulator; all of it is updated under a single mutex in
// step with the single-writer tick discipline.
type Gate struct {
	cfg    Config
	kill   KillSwitch
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	orderCount  int
	errStart    time.Time
	errCount    int
	dayStart    time.Time
	dailyPnL    decimal.Decimal
}

// NewGate creates a Gate. It fails when the config is invalid; a misconfigured
// gate must never run.
func NewGate(cfg Config, kill KillSwitch, logger *slog.Logger) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gate{
		cfg:    cfg,
		kill:   kill,
		logger: logger.With(slog.String("component", "risk_gate")),
		now:    time.Now,
	}, nil
}

// SetClock overrides the gate's clock. Intended for tests.
func (g *Gate) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// Check runs the fixed check sequence against a signal:
//
//  1. kill switch
//  2. daily loss
//  3. position limit for the signal's (market, token)
//  4. gross exposure
//  5. net exposure
//  6. order rate (passing this check consumes a rate token)
//  7. stale feed
//
// positions is the current holdings read from the repository;
// lastPriceUpdate is the most recent price update for the signal's token
// (zero when none has been observed).
func (g *Gate) Check(sig domain.TradeSignal, positions []domain.Position, lastPriceUpdate time.Time) domain.GateDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollDayLocked(now)

	// 1. Kill switch.
	if g.kill != nil && g.kill.Engaged() {
		return domain.Blocked("Kill switch active")
	}

	// 2. Daily loss.
	if g.dailyPnL.Sign() < 0 && g.dailyPnL.Neg().GreaterThanOrEqual(g.cfg.MaxDailyLoss) {
		return domain.Blocked(fmt.Sprintf("Daily loss limit reached: %s >= %s",
			g.dailyPnL.Neg(), g.cfg.MaxDailyLoss))
	}

	// 3. Position limit for the specific (market, token) pair.
	delta := sig.Size
	if sig.Side == domain.OrderSideSell {
		delta = delta.Neg()
	}
	current := decimal.Zero
	for _, p := range positions {
		if p.MarketID == sig.MarketID && p.TokenID == sig.TokenID {
			current = p.Size
			break
		}
	}
	if current.Add(delta).Abs().GreaterThan(g.cfg.MaxPositionPerToken) {
		return domain.Blocked(fmt.Sprintf("Position limit exceeded: |%s + %s| > %s",
			current, delta, g.cfg.MaxPositionPerToken))
	}

	// 4. Gross exposure across all positions.
	gross := decimal.Zero
	net := decimal.Zero
	for _, p := range positions {
		gross = gross.Add(p.Size.Abs())
		net = net.Add(p.Size)
	}
	if gross.GreaterThan(g.cfg.MaxGrossExposure) {
		return domain.Blocked(fmt.Sprintf("Gross exposure limit exceeded: %s > %s",
			gross, g.cfg.MaxGrossExposure))
	}

	// 5. Net exposure.
	if net.Abs().GreaterThan(g.cfg.MaxNetExposure) {
		return domain.Blocked(fmt.Sprintf("Net exposure limit exceeded: |%s| > %s",
			net, g.cfg.MaxNetExposure))
	}

	// 6. Order rate: sliding one-second window. The check consumes a rate
	// token when it passes.
	if now.Sub(g.windowStart) >= time.Second {
		g.windowStart = now
		g.orderCount = 0
	}
	if g.orderCount >= g.cfg.MaxOrderRatePerSecond {
		return domain.Blocked(fmt.Sprintf("Order rate limit reached: %d/s",
			g.cfg.MaxOrderRatePerSecond))
	}
	g.orderCount++

	// 7. Stale feed.
	if lastPriceUpdate.IsZero() || now.Sub(lastPriceUpdate) > g.cfg.StaleFeed {
		return domain.Blocked(fmt.Sprintf("Stale feed for token %s", sig.TokenID))
	}

	return domain.Allowed()
}

// CheckCircuitBreakers evaluates the three breaker conditions and returns the
// first tripped reason. Nothing latches: each call re-derives the state from
// the supplied signals plus the trailing error counter.
func (g *Gate) CheckCircuitBreakers(wsConnected bool, wsDisconnectSince, lastPriceUpdate time.Time) domain.GateDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if !wsConnected && !wsDisconnectSince.IsZero() &&
		now.Sub(wsDisconnectSince) > g.cfg.WSDisconnectTimeout {
		return domain.Blocked(fmt.Sprintf("WebSocket disconnected for %s", now.Sub(wsDisconnectSince).Truncate(time.Millisecond)))
	}

	if lastPriceUpdate.IsZero() || now.Sub(lastPriceUpdate) > g.cfg.PriceFeedStale {
		return domain.Blocked("Price feed stale")
	}

	if now.Sub(g.errStart) >= time.Minute {
		g.errStart = now
		g.errCount = 0
	}
	if g.errCount > g.cfg.MaxErrorRatePerMinute {
		return domain.Blocked(fmt.Sprintf("Error rate limit reached: %d/min",
			g.cfg.MaxErrorRatePerMinute))
	}

	return domain.Allowed()
}

// RecordError increments the trailing 60s error counter.
func (g *Gate) RecordError() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if now.Sub(g.errStart) >= time.Minute {
		g.errStart = now
		g.errCount = 0
	}
	g.errCount++
}

// RecordPnL folds a realized PnL delta into the daily accumulator. The
// accumulator resets at each UTC day boundary.
func (g *Gate) RecordPnL(delta decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(g.now())
	g.dailyPnL = g.dailyPnL.Add(delta)
}

// DailyPnL returns the cumulative PnL since the UTC day start.
func (g *Gate) DailyPnL() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(g.now())
	return g.dailyPnL
}

func (g *Gate) rollDayLocked(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(g.dayStart) {
		if !g.dayStart.IsZero() {
			g.logger.Info("daily pnl accumulator reset",
				slog.String("previous_pnl", g.dailyPnL.String()))
		}
		g.dayStart = day
		g.dailyPnL = decimal.Zero
	}
}
