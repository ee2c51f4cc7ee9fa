package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/paperbot/internal/book"
	"github.com/alanyoungcy/paperbot/internal/config"
	"github.com/alanyoungcy/paperbot/internal/domain"
	"github.com/alanyoungcy/paperbot/internal/engine"
	"github.com/alanyoungcy/paperbot/internal/feature"
	"github.com/alanyoungcy/paperbot/internal/feed"
	"github.com/alanyoungcy/paperbot/internal/risk"
	"github.com/alanyoungcy/paperbot/internal/sim"
)

// core bundles the wired tick-loop components for a run.
type core struct {
	books    *book.Engine
	features *feature.Engine
	gate     *risk.Gate
	sim      *sim.Simulator
	ledger   *engine.Ledger
	engine   *engine.Engine
}

// buildCore constructs the book registry, feature engine, risk gate,
// simulator, and tick loop from config, restoring ledger state from the
// stores when they are wired.
func (a *App) buildCore(ctx context.Context, deps *Dependencies) (*core, error) {
	ec := a.cfg.Engine

	books := book.NewEngine(ec.TopNLevels, a.logger)
	features := feature.NewEngine(books, ec.EMAPeriod, ec.VolatilityWindow, a.logger)

	gate, err := risk.NewGate(risk.Config{
		MaxPositionPerToken:   config.Decimal(ec.MaxPositionPerToken),
		MaxGrossExposure:      config.Decimal(ec.MaxGrossExposure),
		MaxNetExposure:        config.Decimal(ec.MaxNetExposure),
		MaxDailyLoss:          config.Decimal(ec.MaxDailyLoss),
		MaxOrderRatePerSecond: ec.MaxOrderRatePerSecond,
		StaleFeed:             config.MsDuration(ec.StaleFeedMs),
		WSDisconnectTimeout:   config.MsDuration(ec.WSDisconnectTimeoutMs),
		PriceFeedStale:        config.MsDuration(ec.PriceFeedStaleMs),
		MaxErrorRatePerMinute: ec.MaxErrorRatePerMinute,
	}, risk.NewFileKillSwitch(ec.KillSwitchFile), a.logger)
	if err != nil {
		return nil, fmt.Errorf("build core: %w", err)
	}

	simulator, err := sim.New(sim.Config{
		FeeRate:         config.Decimal(ec.FeeRate),
		FillProbability: config.Decimal(ec.FillProbability),
	}, rand.New(rand.NewSource(ec.RNGSeed)), a.logger)
	if err != nil {
		return nil, fmt.Errorf("build core: %w", err)
	}

	ledger := engine.NewLedger(config.Decimal(ec.StartingCash))
	if deps.BalanceStore != nil && deps.PositionStore != nil {
		bal, err := deps.BalanceStore.Get(ctx)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if err := deps.BalanceStore.Set(ctx, config.Decimal(ec.StartingCash)); err != nil {
				return nil, fmt.Errorf("build core: seed balance: %w", err)
			}
		case err != nil:
			return nil, fmt.Errorf("build core: read balance: %w", err)
		default:
			positions, err := deps.PositionStore.ListOpen(ctx)
			if err != nil {
				return nil, fmt.Errorf("build core: read positions: %w", err)
			}
			ledger.Restore(positions, bal.Cash)
			a.logger.InfoContext(ctx, "ledger restored",
				slog.String("cash", bal.Cash.String()),
				slog.Int("positions", len(positions)))
		}
	}

	eng := engine.New(books, features, gate, simulator, ledger,
		config.Decimal(ec.RiskPerTrade), ec.InboxSize, a.logger)
	eng.SetStores(engine.Stores{
		Orders:    deps.OrderStore,
		Fills:     deps.FillStore,
		Trades:    deps.TradeStore,
		Positions: deps.PositionStore,
		Balance:   deps.BalanceStore,
	})
	eng.SetCaches(engine.Caches{
		Books:  deps.BookCache,
		Prices: deps.PriceCache,
	})

	return &core{
		books:    books,
		features: features,
		gate:     gate,
		sim:      simulator,
		ledger:   ledger,
		engine:   eng,
	}, nil
}

// PaperMode runs the live paper loop: WebSocket feed and snapshot poller into
// the engine inbox, signal feeder from the bus, the tick loop itself, a
// circuit-breaker watchdog, and the daily archiver when object storage is
// configured.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode",
		slog.Int("tokens", len(a.cfg.Feed.Tokens)))

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return fmt.Errorf("paper mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.engine.Run(ctx)
	})

	ws := feed.NewWSClient(a.cfg.Feed.WSURL, a.cfg.Feed.Tokens, c.engine, a.logger)
	g.Go(func() error {
		return ws.Run(ctx)
	})

	poller := feed.NewSnapshotPoller(
		a.cfg.Feed.RestURL,
		a.cfg.Feed.Tokens,
		a.cfg.Feed.SnapshotInterval.Duration,
		a.cfg.Feed.SnapshotRPS,
		c.engine,
		a.logger,
	)
	g.Go(func() error {
		return poller.Run(ctx)
	})

	feeder := engine.NewSignalFeeder(deps.SignalBus, a.cfg.Feed.SignalChannel, c.engine, a.logger)
	g.Go(func() error {
		return feeder.Run(ctx)
	})

	g.Go(func() error {
		return a.runBreakerWatchdog(ctx, c, ws)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiveLoop(ctx, deps.Archiver)
		})
	}

	return g.Wait()
}

// MonitorMode runs read-only observation: feeds stream into the engine and
// the derived books and prices are mirrored to Redis, but no signals are
// consumed and no orders are simulated.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode",
		slog.Int("tokens", len(a.cfg.Feed.Tokens)))

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.engine.Run(ctx)
	})

	ws := feed.NewWSClient(a.cfg.Feed.WSURL, a.cfg.Feed.Tokens, c.engine, a.logger)
	g.Go(func() error {
		return ws.Run(ctx)
	})

	poller := feed.NewSnapshotPoller(
		a.cfg.Feed.RestURL,
		a.cfg.Feed.Tokens,
		a.cfg.Feed.SnapshotInterval.Duration,
		a.cfg.Feed.SnapshotRPS,
		c.engine,
		a.logger,
	)
	g.Go(func() error {
		return poller.Run(ctx)
	})

	g.Go(func() error {
		return a.runBreakerWatchdog(ctx, c, ws)
	})

	return g.Wait()
}

// BacktestMode replays the archived trade tape through the tick loop, one
// event per tick, and reports the resulting fills and PnL. The simulator RNG
// is seeded from config so identical inputs reproduce identical fills.
func (a *App) BacktestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting backtest mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return fmt.Errorf("backtest mode: %w", err)
	}

	keys, err := deps.BlobReader.List(ctx, "archive/trades/")
	if err != nil {
		return fmt.Errorf("backtest mode: list archive: %w", err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("backtest mode: no archived tape under archive/trades/")
	}
	sort.Strings(keys)

	var events, fills int
	for _, key := range keys {
		n, f, err := a.replayArchive(ctx, deps, c, key)
		if err != nil {
			return fmt.Errorf("backtest mode: replay %s: %w", key, err)
		}
		events += n
		fills += f
	}

	a.logger.InfoContext(ctx, "backtest complete",
		slog.Int("archives", len(keys)),
		slog.Int("events", events),
		slog.Int("fills", fills),
		slog.String("final_cash", c.ledger.Cash().String()),
		slog.String("daily_pnl", c.gate.DailyPnL().String()),
		slog.Int("open_positions", len(c.ledger.Positions())))
	return nil
}

// replayArchive streams one JSONL archive object through the engine.
func (a *App) replayArchive(ctx context.Context, deps *Dependencies, c *core, key string) (events, fills int, err error) {
	body, err := deps.BlobReader.Get(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	defer body.Close()

	a.logger.InfoContext(ctx, "replaying archive", slog.String("key", key))

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if ctx.Err() != nil {
			return events, fills, ctx.Err()
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var t domain.TradeRecord
		if err := json.Unmarshal(line, &t); err != nil {
			a.logger.Warn("skipping malformed tape line",
				slog.String("key", key),
				slog.String("error", err.Error()))
			continue
		}
		if !c.engine.SubmitEvent(domain.MarketEvent{Trade: &t}) {
			return events, fills, fmt.Errorf("engine inbox full during replay")
		}
		fills += len(c.engine.RunOnce(ctx))
		events++
	}
	if err := sc.Err(); err != nil {
		return events, fills, fmt.Errorf("scan tape: %w", err)
	}
	return events, fills, nil
}

// runBreakerWatchdog periodically evaluates the circuit breakers against the
// feed connection state and the freshest observed price, logging transitions.
func (a *App) runBreakerWatchdog(ctx context.Context, c *core, ws *feed.WSClient) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	tripped := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var latest time.Time
			for _, tokenID := range a.cfg.Feed.Tokens {
				if ts, ok := c.features.LastPriceUpdate(tokenID); ok && ts.After(latest) {
					latest = ts
				}
			}
			connected, since := ws.ConnState()
			decision := c.gate.CheckCircuitBreakers(connected, since, latest)
			if decision.Gated && !tripped {
				a.logger.Warn("circuit breaker tripped",
					slog.Any("reasons", decision.Reasons))
			} else if !decision.Gated && tripped {
				a.logger.Info("circuit breaker cleared")
			}
			tripped = decision.Gated
		}
	}
}

// runArchiveLoop exports fills and trades older than 24h once per day.
func (a *App) runArchiveLoop(ctx context.Context, archiver domain.Archiver) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-24 * time.Hour)
			keys, err := archiver.ArchiveBefore(ctx, cutoff)
			if err != nil {
				a.logger.Error("archive run failed",
					slog.String("error", err.Error()))
				continue
			}
			if len(keys) > 0 {
				a.logger.Info("archive run complete",
					slog.Time("cutoff", cutoff),
					slog.Any("keys", keys))
			}
		}
	}
}
