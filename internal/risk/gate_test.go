package risk

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// stubKill is a togglable kill switch for tests.
type stubKill struct{ engaged bool }

func (s *stubKill) Engaged() bool { return s.engaged }

func testConfig() Config {
	return Config{
		MaxPositionPerToken:   dec("100"),
		MaxGrossExposure:      dec("500"),
		MaxNetExposure:        dec("300"),
		MaxDailyLoss:          dec("50"),
		MaxOrderRatePerSecond: 2,
		StaleFeed:             30 * time.Second,
		WSDisconnectTimeout:   10 * time.Second,
		PriceFeedStale:        60 * time.Second,
		MaxErrorRatePerMinute: 5,
	}
}

func newTestGate(t *testing.T, kill KillSwitch) (*Gate, time.Time) {
	t.Helper()
	g, err := NewGate(testConfig(), kill, testLogger())
	require.NoError(t, err)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })
	return g, now
}

func buySignal(size string) domain.TradeSignal {
	return domain.TradeSignal{
		ID:       "sig-1",
		MarketID: "mkt",
		TokenID:  "tok",
		Side:     domain.OrderSideBuy,
		Price:    dec("0.50"),
		Size:     dec(size),
	}
}

func TestNewGateRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyLoss = decimal.Zero
	_, err := NewGate(cfg, nil, testLogger())
	assert.Error(t, err)
}

func TestCheckPassesCleanSignal(t *testing.T) {
	g, now := newTestGate(t, nil)

	d := g.Check(buySignal("10"), nil, now)
	assert.False(t, d.Gated)
	assert.Empty(t, d.Reasons)
}

func TestKillSwitchBlocksFirst(t *testing.T) {
	kill := &stubKill{engaged: true}
	g, now := newTestGate(t, kill)

	// Even a signal that would trip every other check reports only the kill
	// switch: the sequence short-circuits.
	positions := []domain.Position{
		{MarketID: "mkt", TokenID: "tok", Size: dec("1000")},
	}
	d := g.Check(buySignal("10000"), positions, now.Add(-time.Hour))
	require.True(t, d.Gated)
	assert.Equal(t, []string{"Kill switch active"}, d.Reasons)
}

func TestDailyLossCheckedBeforePositionLimit(t *testing.T) {
	g, now := newTestGate(t, nil)
	g.RecordPnL(dec("-60")) // past the 50 daily loss limit

	// Position limit would also trip; daily loss wins by order.
	positions := []domain.Position{
		{MarketID: "mkt", TokenID: "tok", Size: dec("99")},
	}
	d := g.Check(buySignal("50"), positions, now)
	require.True(t, d.Gated)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "Daily loss limit reached")
}

func TestPositionLimit(t *testing.T) {
	g, now := newTestGate(t, nil)

	positions := []domain.Position{
		{MarketID: "mkt", TokenID: "tok", Size: dec("95")},
	}
	d := g.Check(buySignal("10"), positions, now)
	require.True(t, d.Gated)
	assert.Contains(t, d.Reasons[0], "Position limit exceeded")

	// A sell of the same size reduces the position and passes.
	sell := buySignal("10")
	sell.Side = domain.OrderSideSell
	d = g.Check(sell, positions, now)
	assert.False(t, d.Gated)
}

func TestPositionLimitScopedToMarketToken(t *testing.T) {
	g, now := newTestGate(t, nil)

	// A big position in a different market does not count against this pair.
	positions := []domain.Position{
		{MarketID: "other", TokenID: "tok", Size: dec("99")},
	}
	d := g.Check(buySignal("10"), positions, now)
	assert.False(t, d.Gated)
}

func TestGrossExposureLimit(t *testing.T) {
	g, now := newTestGate(t, nil)

	// Long and short legs cancel in net but accumulate in gross.
	positions := []domain.Position{
		{MarketID: "m1", TokenID: "t1", Size: dec("280")},
		{MarketID: "m2", TokenID: "t2", Size: dec("-280")},
	}
	d := g.Check(buySignal("1"), positions, now)
	require.True(t, d.Gated)
	assert.Contains(t, d.Reasons[0], "Gross exposure limit exceeded")
}

func TestNetExposureLimit(t *testing.T) {
	g, now := newTestGate(t, nil)

	positions := []domain.Position{
		{MarketID: "m1", TokenID: "t1", Size: dec("90")},
		{MarketID: "m2", TokenID: "t2", Size: dec("90")},
		{MarketID: "m3", TokenID: "t3", Size: dec("90")},
		{MarketID: "m4", TokenID: "t4", Size: dec("90")},
	}
	d := g.Check(buySignal("1"), positions, now)
	require.True(t, d.Gated)
	assert.Contains(t, d.Reasons[0], "Net exposure limit exceeded")
}

func TestOrderRateLimitAndWindowReset(t *testing.T) {
	g, _ := newTestGate(t, nil)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })

	// Two allowed per second; each pass consumes a token.
	assert.False(t, g.Check(buySignal("1"), nil, now).Gated)
	assert.False(t, g.Check(buySignal("1"), nil, now).Gated)

	d := g.Check(buySignal("1"), nil, now)
	require.True(t, d.Gated)
	assert.Contains(t, d.Reasons[0], "Order rate limit reached")

	// The window rolls after a second.
	now = now.Add(time.Second)
	assert.False(t, g.Check(buySignal("1"), nil, now).Gated)
}

func TestBlockedSignalDoesNotConsumeRateToken(t *testing.T) {
	g, now := newTestGate(t, nil)

	// Exhaust position limit repeatedly; rate tokens stay untouched.
	positions := []domain.Position{
		{MarketID: "mkt", TokenID: "tok", Size: dec("100")},
	}
	for i := 0; i < 5; i++ {
		d := g.Check(buySignal("10"), positions, now)
		require.True(t, d.Gated)
		assert.Contains(t, d.Reasons[0], "Position limit exceeded")
	}

	assert.False(t, g.Check(buySignal("1"), nil, now).Gated)
	assert.False(t, g.Check(buySignal("1"), nil, now).Gated)
}

func TestStaleFeedBlocks(t *testing.T) {
	g, now := newTestGate(t, nil)

	d := g.Check(buySignal("1"), nil, now.Add(-time.Minute))
	require.True(t, d.Gated)
	assert.Contains(t, d.Reasons[0], "Stale feed for token tok")

	// Never-seen feed (zero time) also blocks.
	d = g.Check(buySignal("1"), nil, time.Time{})
	require.True(t, d.Gated)
	assert.Contains(t, d.Reasons[0], "Stale feed")
}

func TestDailyPnLResetsAtUTCDayBoundary(t *testing.T) {
	g, _ := newTestGate(t, nil)
	now := time.Date(2026, 2, 1, 23, 59, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })

	g.RecordPnL(dec("-60"))
	require.True(t, g.Check(buySignal("1"), nil, now).Gated)

	now = time.Date(2026, 2, 2, 0, 1, 0, 0, time.UTC)
	assert.True(t, g.DailyPnL().IsZero())
	assert.False(t, g.Check(buySignal("1"), nil, now).Gated)
}

func TestCircuitBreakerWSDisconnect(t *testing.T) {
	g, now := newTestGate(t, nil)

	// Disconnected but within the grace window: only the price staleness
	// matters, and a fresh price keeps the breaker closed.
	d := g.CheckCircuitBreakers(false, now.Add(-5*time.Second), now)
	assert.False(t, d.Gated)

	d = g.CheckCircuitBreakers(false, now.Add(-15*time.Second), now)
	require.True(t, d.Gated)
	assert.Contains(t, d.Reasons[0], "WebSocket disconnected")
}

func TestCircuitBreakerPriceStale(t *testing.T) {
	g, now := newTestGate(t, nil)

	d := g.CheckCircuitBreakers(true, time.Time{}, now.Add(-2*time.Minute))
	require.True(t, d.Gated)
	assert.Equal(t, "Price feed stale", d.Reasons[0])

	d = g.CheckCircuitBreakers(true, time.Time{}, time.Time{})
	assert.True(t, d.Gated)
}

func TestCircuitBreakerErrorRate(t *testing.T) {
	g, now := newTestGate(t, nil)

	for i := 0; i <= 6; i++ {
		g.RecordError()
	}
	d := g.CheckCircuitBreakers(true, time.Time{}, now)
	require.True(t, d.Gated)
	assert.Contains(t, d.Reasons[0], "Error rate limit reached")
}
