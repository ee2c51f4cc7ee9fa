package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

// SnapshotPoller fetches full orderbook snapshots over REST. It seeds the
// engine's books on startup and periodically re-baselines them so a missed
// delta cannot skew state forever.
type SnapshotPoller struct {
	baseURL  string
	tokens   []string
	sink     EventSink
	client   *http.Client
	limiter  *rate.Limiter
	interval time.Duration
	logger   *slog.Logger
}

// NewSnapshotPoller creates a poller hitting baseURL/book?token_id=… for every
// token each interval, at most rps requests per second.
func NewSnapshotPoller(baseURL string, tokens []string, interval time.Duration, rps float64, sink EventSink, logger *slog.Logger) *SnapshotPoller {
	return &SnapshotPoller{
		baseURL:  baseURL,
		tokens:   tokens,
		sink:     sink,
		client:   &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		interval: interval,
		logger:   logger.With(slog.String("component", "snapshot_poller")),
	}
}

// Run polls once immediately, then on every interval until ctx is cancelled.
func (p *SnapshotPoller) Run(ctx context.Context) error {
	p.logger.Info("snapshot poller started",
		slog.Int("tokens", len(p.tokens)),
		slog.Duration("interval", p.interval))
	defer p.logger.Info("snapshot poller stopped")

	p.pollAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *SnapshotPoller) pollAll(ctx context.Context) {
	for _, tokenID := range p.tokens {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		if err := p.pollOne(ctx, tokenID); err != nil {
			p.logger.Warn("snapshot poll failed",
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()))
		}
	}
}

func (p *SnapshotPoller) pollOne(ctx context.Context, tokenID string) error {
	u := fmt.Sprintf("%s/book?token_id=%s", p.baseURL, url.QueryEscape(tokenID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("feed: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("feed: fetch book: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feed: fetch book: status %d", resp.StatusCode)
	}

	var msg bookMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return fmt.Errorf("feed: decode book: %w", err)
	}
	bids, err := parseLevels(msg.Bids)
	if err != nil {
		return err
	}
	asks, err := parseLevels(msg.Asks)
	if err != nil {
		return err
	}

	ev := domain.MarketEvent{Snapshot: &domain.BookSnapshot{
		TokenID:   tokenID,
		Bids:      bids,
		Asks:      asks,
		Sequence:  msg.Sequence,
		Timestamp: parseTimestamp(msg.Timestamp),
	}}
	if !p.sink.SubmitEvent(ev) {
		p.logger.Warn("engine inbox full, snapshot dropped",
			slog.String("token_id", tokenID))
	}
	return nil
}
