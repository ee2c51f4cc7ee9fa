package feature

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/paperbot/internal/book"
	"github.com/alanyoungcy/paperbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func trade(token, price string, ts time.Time) domain.TradeRecord {
	return domain.TradeRecord{
		TokenID:   token,
		Price:     dec(price),
		Size:      dec("1"),
		Side:      domain.OrderSideBuy,
		Timestamp: ts,
	}
}

func newEngines(emaPeriod, volWindow int) (*book.Engine, *Engine) {
	books := book.NewEngine(0, testLogger())
	return books, NewEngine(books, emaPeriod, volWindow, testLogger())
}

func TestFirstTradeSeedsEMA(t *testing.T) {
	_, e := newEngines(20, 20)

	e.RecordTrade(trade("tok", "0.42", time.Now()))

	f := e.Features("tok")
	require.NotNil(t, f.EMA)
	assert.True(t, f.EMA.Equal(dec("0.42")))
}

func TestEMAConvergesToConstantPrice(t *testing.T) {
	_, e := newEngines(10, 20)

	// Seed away from the constant, then feed the same price repeatedly.
	e.RecordTrade(trade("tok", "0.90", time.Now()))
	for i := 0; i < 200; i++ {
		e.RecordTrade(trade("tok", "0.50", time.Now()))
	}

	f := e.Features("tok")
	require.NotNil(t, f.EMA)
	diff := f.EMA.Sub(dec("0.50")).Abs()
	assert.True(t, diff.LessThan(dec("0.0001")), "ema %s should converge to 0.50", f.EMA)
}

func TestVolatilityZeroForConstantPrices(t *testing.T) {
	_, e := newEngines(20, 10)

	for i := 0; i < 20; i++ {
		e.RecordTrade(trade("tok", "0.50", time.Now()))
	}

	f := e.Features("tok")
	require.NotNil(t, f.Volatility)
	assert.True(t, f.Volatility.IsZero(), "constant prices have zero volatility, got %s", f.Volatility)
}

func TestVolatilityNeedsTwoReturns(t *testing.T) {
	_, e := newEngines(20, 10)

	e.RecordTrade(trade("tok", "0.50", time.Now()))
	e.RecordTrade(trade("tok", "0.51", time.Now()))

	f := e.Features("tok")
	assert.Nil(t, f.Volatility, "two prices give one return, not enough")

	e.RecordTrade(trade("tok", "0.52", time.Now()))
	f = e.Features("tok")
	require.NotNil(t, f.Volatility)
	assert.True(t, f.Volatility.Sign() > 0)
}

func TestFeaturesFromBook(t *testing.T) {
	books, e := newEngines(20, 20)
	books.ApplySnapshot(domain.BookSnapshot{
		TokenID: "tok",
		Bids: []domain.PriceLevel{
			{Price: dec("0.48"), Size: dec("10")},
			{Price: dec("0.47"), Size: dec("5")},
		},
		Asks: []domain.PriceLevel{
			{Price: dec("0.52"), Size: dec("8")},
		},
	})

	f := e.Features("tok")
	require.NotNil(t, f.MidPrice)
	assert.True(t, f.MidPrice.Equal(dec("0.50")))
	require.NotNil(t, f.Spread)
	assert.True(t, f.Spread.Equal(dec("0.04")))
	require.NotNil(t, f.SpreadBps)
	assert.True(t, f.SpreadBps.Equal(dec("800")), "spread 0.04 over mid 0.50 is 800 bps, got %s", f.SpreadBps)
	assert.True(t, f.BidDepth.Equal(dec("15")))
	assert.True(t, f.AskDepth.Equal(dec("8")))
}

func TestFeaturesWithoutBook(t *testing.T) {
	_, e := newEngines(20, 20)

	f := e.Features("nothing")
	assert.Nil(t, f.MidPrice)
	assert.Nil(t, f.Spread)
	assert.Nil(t, f.SpreadBps)
	assert.Nil(t, f.EMA)
	assert.Nil(t, f.Volatility)
	assert.True(t, f.BidDepth.IsZero())
	assert.True(t, f.AskDepth.IsZero())
}

func TestFeaturesCarryEMAWithoutBook(t *testing.T) {
	_, e := newEngines(20, 20)
	e.RecordTrade(trade("tok", "0.42", time.Now()))

	f := e.Features("tok")
	assert.Nil(t, f.MidPrice)
	require.NotNil(t, f.EMA)
}

func TestTokensAreIndependent(t *testing.T) {
	_, e := newEngines(20, 20)
	e.RecordTrade(trade("a", "0.10", time.Now()))
	e.RecordTrade(trade("b", "0.90", time.Now()))

	fa := e.Features("a")
	fb := e.Features("b")
	require.NotNil(t, fa.EMA)
	require.NotNil(t, fb.EMA)
	assert.True(t, fa.EMA.Equal(dec("0.10")))
	assert.True(t, fb.EMA.Equal(dec("0.90")))
}

func TestTapeIsBounded(t *testing.T) {
	_, e := newEngines(20, 20)

	for i := 0; i < tapeCapacity+50; i++ {
		e.RecordTrade(trade("tok", fmt.Sprintf("0.%03d", i%500+1), time.Now()))
	}

	tape := e.Tape("tok")
	assert.Len(t, tape, tapeCapacity)
}

func TestLastPriceUpdatePrefersNewestSource(t *testing.T) {
	books, e := newEngines(20, 20)
	t0 := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	_, ok := e.LastPriceUpdate("tok")
	assert.False(t, ok)

	books.ApplySnapshot(domain.BookSnapshot{
		TokenID:   "tok",
		Bids:      []domain.PriceLevel{{Price: dec("0.48"), Size: dec("1")}},
		Timestamp: t0,
	})
	ts, ok := e.LastPriceUpdate("tok")
	require.True(t, ok)
	assert.Equal(t, t0, ts)

	e.RecordTrade(trade("tok", "0.50", t1))
	ts, ok = e.LastPriceUpdate("tok")
	require.True(t, ok)
	assert.Equal(t, t1, ts)
}
