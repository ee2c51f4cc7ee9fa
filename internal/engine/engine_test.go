package engine

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/paperbot/internal/book"
	"github.com/alanyoungcy/paperbot/internal/domain"
	"github.com/alanyoungcy/paperbot/internal/feature"
	"github.com/alanyoungcy/paperbot/internal/risk"
	"github.com/alanyoungcy/paperbot/internal/sim"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds a full in-memory engine with no stores or caches.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	books := book.NewEngine(20, testLogger())
	features := feature.NewEngine(books, 20, 20, testLogger())

	gate, err := risk.NewGate(risk.Config{
		MaxPositionPerToken:   dec("1000"),
		MaxGrossExposure:      dec("5000"),
		MaxNetExposure:        dec("2500"),
		MaxDailyLoss:          dec("500"),
		MaxOrderRatePerSecond: 100,
		StaleFeed:             time.Minute,
		WSDisconnectTimeout:   10 * time.Second,
		PriceFeedStale:        time.Minute,
		MaxErrorRatePerMinute: 30,
	}, nil, testLogger())
	require.NoError(t, err)

	simulator, err := sim.New(sim.Config{
		FeeRate:         dec("0.02"),
		FillProbability: dec("1"),
	}, rand.New(rand.NewSource(1)), testLogger())
	require.NoError(t, err)

	ledger := NewLedger(dec("10000"))
	return New(books, features, gate, simulator, ledger, dec("0.01"), 64, testLogger())
}

func snapshotEvent(token string, ts time.Time) domain.MarketEvent {
	return domain.MarketEvent{Snapshot: &domain.BookSnapshot{
		TokenID: token,
		Bids: []domain.PriceLevel{
			{Price: dec("0.49"), Size: dec("100")},
		},
		Asks: []domain.PriceLevel{
			{Price: dec("0.51"), Size: dec("100")},
		},
		Sequence:  1,
		Timestamp: ts,
	}}
}

func tradeEvent(token, price string, ts time.Time) domain.MarketEvent {
	return domain.MarketEvent{Trade: &domain.TradeRecord{
		TokenID:   token,
		Price:     dec(price),
		Size:      dec("1"),
		Side:      domain.OrderSideBuy,
		Timestamp: ts,
	}}
}

func TestTickAppliesEventsBeforeSignals(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.True(t, e.SubmitEvent(snapshotEvent("tok", now)))
	require.True(t, e.SubmitEvent(tradeEvent("tok", "0.50", now)))
	require.True(t, e.SubmitSignal(domain.TradeSignal{
		ID:        "sig-1",
		MarketID:  "mkt",
		TokenID:   "tok",
		Side:      domain.OrderSideBuy,
		Price:     dec("0.52"),
		Size:      dec("10"),
		Type:      domain.OrderTypeLimit,
		CreatedAt: now,
	}))

	fills := e.RunOnce(ctx)

	// The limit at 0.52 crosses the 0.51 ask refreshed this same tick.
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Price.Equal(dec("0.51")))
	assert.True(t, fills[0].Size.Equal(dec("10")))

	positions := e.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "mkt", positions[0].MarketID)
	assert.True(t, positions[0].Size.Equal(dec("10")))
}

func TestSignalGatedWithoutPriceData(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// No book or trade has been seen for the token: the stale-feed check
	// blocks the signal and no order reaches the simulator.
	require.True(t, e.SubmitSignal(domain.TradeSignal{
		ID:      "sig-1",
		TokenID: "ghost",
		Side:    domain.OrderSideBuy,
		Price:   dec("0.50"),
		Size:    dec("10"),
		Type:    domain.OrderTypeLimit,
	}))

	fills := e.RunOnce(ctx)
	assert.Empty(t, fills)
	assert.Empty(t, e.Positions())
}

func TestFillUpdatesCashAndDailyPnL(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.True(t, e.SubmitEvent(snapshotEvent("tok", now)))
	require.True(t, e.SubmitSignal(domain.TradeSignal{
		ID:        "sig-1",
		MarketID:  "mkt",
		TokenID:   "tok",
		Side:      domain.OrderSideBuy,
		Price:     dec("0.51"),
		Size:      dec("10"),
		Type:      domain.OrderTypeLimit,
		CreatedAt: now,
	}))

	fills := e.RunOnce(ctx)
	require.Len(t, fills, 1)
	f := fills[0]

	// Fee 0.51 * 10 * 0.02 = 0.102; cash 10000 - 5.1 - 0.102.
	assert.True(t, f.Fee.Equal(dec("0.102")), "got fee %s", f.Fee)
	assert.True(t, e.ledger.Cash().Equal(dec("9994.798")), "got cash %s", e.ledger.Cash())

	// Opening fee realizes as a daily loss.
	assert.True(t, e.gate.DailyPnL().Equal(dec("-0.102")), "got pnl %s", e.gate.DailyPnL())
}

func TestTradeEventsFeedFeatures(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.True(t, e.SubmitEvent(snapshotEvent("tok", now)))
	require.True(t, e.SubmitEvent(tradeEvent("tok", "0.50", now)))
	e.RunOnce(ctx)

	f := e.Features("tok")
	require.NotNil(t, f.EMA)
	assert.True(t, f.EMA.Equal(dec("0.50")))
	require.NotNil(t, f.MidPrice)
	assert.True(t, f.MidPrice.Equal(dec("0.50")))
}

func TestStaleDeltaDoesNotTouchToken(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.True(t, e.SubmitEvent(snapshotEvent("tok", now)))
	e.RunOnce(ctx)

	// A stale delta is dropped; the book stays as the snapshot left it.
	require.True(t, e.SubmitEvent(domain.MarketEvent{Delta: &domain.BookDelta{
		TokenID:  "tok",
		Bids:     []domain.PriceLevel{{Price: dec("0.99"), Size: dec("1")}},
		Sequence: 1,
	}}))
	e.RunOnce(ctx)

	f := e.Features("tok")
	require.NotNil(t, f.MidPrice)
	assert.True(t, f.MidPrice.Equal(dec("0.50")))
}

func TestSubmitEventDropsWhenInboxFull(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()

	for i := 0; i < 64; i++ {
		require.True(t, e.SubmitEvent(tradeEvent("tok", "0.50", now)))
	}
	assert.False(t, e.SubmitEvent(tradeEvent("tok", "0.50", now)))
}

func TestPersistenceFailureDoesNotBlockFill(t *testing.T) {
	e := newTestEngine(t)
	e.SetStores(Stores{Fills: failingFillStore{}})
	ctx := context.Background()
	now := time.Now().UTC()

	require.True(t, e.SubmitEvent(snapshotEvent("tok", now)))
	require.True(t, e.SubmitSignal(domain.TradeSignal{
		ID:        "sig-1",
		MarketID:  "mkt",
		TokenID:   "tok",
		Side:      domain.OrderSideBuy,
		Price:     dec("0.51"),
		Size:      dec("10"),
		Type:      domain.OrderTypeLimit,
		CreatedAt: now,
	}))

	fills := e.RunOnce(ctx)
	require.Len(t, fills, 1)
	// In-memory state advanced even though the store write failed.
	require.Len(t, e.Positions(), 1)
}

type failingFillStore struct{}

func (failingFillStore) Insert(ctx context.Context, fill domain.Fill) error {
	return context.DeadlineExceeded
}

func (failingFillStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Fill, error) {
	return nil, nil
}

// recordingOrderStore captures lifecycle writes for assertions.
type recordingOrderStore struct {
	created []domain.Order
	updated []domain.Order
}

func (s *recordingOrderStore) Create(ctx context.Context, o domain.Order) error {
	s.created = append(s.created, o)
	return nil
}

func (s *recordingOrderStore) Update(ctx context.Context, o domain.Order) error {
	s.updated = append(s.updated, o)
	return nil
}

func (s *recordingOrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}

func (s *recordingOrderStore) ListOpen(ctx context.Context) ([]domain.Order, error) {
	return nil, nil
}

func TestMultiTokenFillsFollowArrivalOrder(t *testing.T) {
	tokens := []string{"tok0", "tok1", "tok2", "tok3", "tok4", "tok5", "tok6", "tok7"}
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	run := func() []string {
		e := newTestEngine(t)
		e.gate.SetClock(func() time.Time { return now })
		ctx := context.Background()

		for _, tok := range tokens {
			require.True(t, e.SubmitEvent(snapshotEvent(tok, now)))
		}
		e.RunOnce(ctx)

		// One resting passive buy per token, below the bid.
		for _, tok := range tokens {
			require.True(t, e.SubmitSignal(domain.TradeSignal{
				ID:        "o-" + tok,
				MarketID:  "mkt",
				TokenID:   tok,
				Side:      domain.OrderSideBuy,
				Price:     dec("0.45"),
				Size:      dec("10"),
				Type:      domain.OrderTypeLimit,
				CreatedAt: now,
			}))
		}
		require.Empty(t, e.RunOnce(ctx), "passive orders rest until a qualifying print")

		// One qualifying print per token, all drained in a single tick.
		for _, tok := range tokens {
			require.True(t, e.SubmitEvent(tradeEvent(tok, "0.44", now)))
		}
		var ids []string
		for _, f := range e.RunOnce(ctx) {
			ids = append(ids, f.OrderID)
		}
		return ids
	}

	first := run()
	require.Len(t, first, len(tokens))
	for i, tok := range tokens {
		assert.Equal(t, "o-"+tok, first[i], "fills follow event arrival order")
	}

	// An identical run with the same seed replays the identical sequence.
	assert.Equal(t, first, run())
}

func TestOrderLifecyclePersistedAcrossFills(t *testing.T) {
	e := newTestEngine(t)
	store := &recordingOrderStore{}
	e.SetStores(Stores{Orders: store})
	ctx := context.Background()
	now := time.Now().UTC()

	thinBook := func(seq int64) domain.MarketEvent {
		return domain.MarketEvent{Snapshot: &domain.BookSnapshot{
			TokenID:   "tok",
			Bids:      []domain.PriceLevel{{Price: dec("0.49"), Size: dec("50")}},
			Asks:      []domain.PriceLevel{{Price: dec("0.51"), Size: dec("50")}},
			Sequence:  seq,
			Timestamp: now,
		}}
	}

	require.True(t, e.SubmitEvent(thinBook(1)))
	require.True(t, e.SubmitSignal(domain.TradeSignal{
		ID:        "sig-1",
		MarketID:  "mkt",
		TokenID:   "tok",
		Side:      domain.OrderSideBuy,
		Price:     dec("0.52"),
		Size:      dec("100"),
		Type:      domain.OrderTypeLimit,
		CreatedAt: now,
	}))
	require.Len(t, e.RunOnce(ctx), 1)

	require.Len(t, store.created, 1)
	assert.Equal(t, domain.OrderStatusOpen, store.created[0].Status)

	require.Len(t, store.updated, 1)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, store.updated[0].Status)
	assert.True(t, store.updated[0].FilledSize.Equal(dec("50")))
	assert.Nil(t, store.updated[0].FilledAt)

	// The next book update fills the remainder.
	require.True(t, e.SubmitEvent(thinBook(2)))
	require.Len(t, e.RunOnce(ctx), 1)

	require.Len(t, store.updated, 2)
	assert.Equal(t, domain.OrderStatusFilled, store.updated[1].Status)
	assert.True(t, store.updated[1].FilledSize.Equal(dec("100")))
	require.NotNil(t, store.updated[1].FilledAt)
}

func TestCancelSignalWithdrawsRestingOrder(t *testing.T) {
	e := newTestEngine(t)
	store := &recordingOrderStore{}
	e.SetStores(Stores{Orders: store})
	ctx := context.Background()
	now := time.Now().UTC()

	require.True(t, e.SubmitEvent(snapshotEvent("tok", now)))
	require.True(t, e.SubmitSignal(domain.TradeSignal{
		ID:        "sig-1",
		MarketID:  "mkt",
		TokenID:   "tok",
		Side:      domain.OrderSideBuy,
		Price:     dec("0.45"),
		Size:      dec("10"),
		Type:      domain.OrderTypeLimit,
		CreatedAt: now,
	}))
	require.Empty(t, e.RunOnce(ctx))

	require.True(t, e.SubmitSignal(domain.TradeSignal{ID: "sig-1", Cancel: true}))
	e.RunOnce(ctx)

	require.Len(t, store.updated, 1)
	assert.Equal(t, domain.OrderStatusCancelled, store.updated[0].Status)
	require.NotNil(t, store.updated[0].CancelledAt)

	// A qualifying print after the cancel finds nothing to fill.
	require.True(t, e.SubmitEvent(tradeEvent("tok", "0.44", now)))
	assert.Empty(t, e.RunOnce(ctx))
}

func TestSignalSizingFieldsSelectPolicy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	p := func(s string) *decimal.Decimal {
		d := dec(s)
		return &d
	}

	require.True(t, e.SubmitEvent(snapshotEvent("tok", now)))

	// Kelly: f = 0.75 - 0.25/1 = 0.5, quarter-Kelly 0.125 of 10000 caps at
	// 1250, so the signal's own 800 stands.
	require.True(t, e.SubmitSignal(domain.TradeSignal{
		ID:             "sig-kelly",
		MarketID:       "mkt",
		TokenID:        "tok",
		Side:           domain.OrderSideBuy,
		Price:          dec("0.52"),
		Size:           dec("800"),
		Type:           domain.OrderTypeLimit,
		CreatedAt:      now,
		WinProbability: p("0.75"),
		WinAmount:      p("1"),
		LossAmount:     p("1"),
	}))

	// Fixed-fractional: 10000 * 0.01 / 0.25 = 400.
	require.True(t, e.SubmitSignal(domain.TradeSignal{
		ID:               "sig-stop",
		MarketID:         "mkt",
		TokenID:          "tok",
		Side:             domain.OrderSideBuy,
		Price:            dec("0.45"),
		Size:             dec("800"),
		Type:             domain.OrderTypeLimit,
		CreatedAt:        now,
		StopLossDistance: p("0.25"),
	}))
	e.RunOnce(ctx)

	open := e.sim.OpenOrders("tok")
	require.Len(t, open, 2)
	assert.Equal(t, "sig-kelly", open[0].ID)
	assert.True(t, open[0].Size.Equal(dec("800")), "got size %s", open[0].Size)
	assert.Equal(t, "sig-stop", open[1].ID)
	assert.True(t, open[1].Size.Equal(dec("400")), "got size %s", open[1].Size)
}
