package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

// signalEvent is the JSON shape external strategy processes publish on the
// "signals" channel. Prices and sizes travel as strings so no precision is
// lost crossing the bus.
type signalEvent struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	Source    string            `json:"source"`
	MarketID  string            `json:"market_id"`
	TokenID   string            `json:"token_id"`
	Side      string            `json:"side"`
	Price     string            `json:"price"`
	Size      string            `json:"size"`
	Type      string            `json:"type"`
	Kind      string            `json:"kind"`
	Rationale json.RawMessage   `json:"rationale"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp string            `json:"timestamp"`

	// Optional sizing inputs, decimal strings.
	WinProbability   string `json:"win_probability"`
	WinAmount        string `json:"win_amount"`
	LossAmount       string `json:"loss_amount"`
	StopLossDistance string `json:"stop_loss_distance"`
}

// SignalFeeder subscribes to the signal bus and submits decoded signals to
// the engine for gating on the next tick.
type SignalFeeder struct {
	bus     domain.SignalBus
	channel string
	engine  *Engine
	logger  *slog.Logger
}

// NewSignalFeeder creates a SignalFeeder reading from the given channel.
func NewSignalFeeder(bus domain.SignalBus, channel string, eng *Engine, logger *slog.Logger) *SignalFeeder {
	return &SignalFeeder{
		bus:     bus,
		channel: channel,
		engine:  eng,
		logger:  logger.With(slog.String("component", "signal_feeder")),
	}
}

// Run subscribes and forwards messages until ctx is cancelled.
func (f *SignalFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return fmt.Errorf("signal feeder: subscribe %s: %w", f.channel, err)
	}
	f.logger.Info("signal feeder started", slog.String("channel", f.channel))
	defer f.logger.Info("signal feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			sig, err := decodeSignal(data)
			if err != nil {
				f.logger.Debug("signal decode failed",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)))
				continue
			}
			if !f.engine.SubmitSignal(sig) {
				f.logger.Warn("signal queue full, dropped",
					slog.String("signal_id", sig.ID))
			}
		}
	}
}

func decodeSignal(data []byte) (domain.TradeSignal, error) {
	var ev signalEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.TradeSignal{}, err
	}

	if ev.Action == "cancel" {
		if strings.TrimSpace(ev.ID) == "" {
			return domain.TradeSignal{}, fmt.Errorf("cancel missing id")
		}
		return domain.TradeSignal{
			ID:        ev.ID,
			TokenID:   ev.TokenID,
			Cancel:    true,
			CreatedAt: time.Now().UTC(),
		}, nil
	}

	if strings.TrimSpace(ev.TokenID) == "" {
		return domain.TradeSignal{}, fmt.Errorf("signal missing token_id")
	}

	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return domain.TradeSignal{}, fmt.Errorf("signal price %q: %w", ev.Price, err)
	}
	size, err := decimal.NewFromString(ev.Size)
	if err != nil {
		return domain.TradeSignal{}, fmt.Errorf("signal size %q: %w", ev.Size, err)
	}

	sig := domain.TradeSignal{
		ID:        ev.ID,
		Source:    ev.Source,
		MarketID:  ev.MarketID,
		TokenID:   ev.TokenID,
		Side:      domain.OrderSide(ev.Side),
		Price:     price,
		Size:      size,
		Type:      domain.OrderType(ev.Type),
		Metadata:  ev.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.Type == "" {
		sig.Type = domain.OrderTypeLimit
	}
	if ev.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, ev.Timestamp); err == nil {
			sig.CreatedAt = t
		}
	}
	if r, err := decodeRationale(domain.SignalKind(ev.Kind), ev.Rationale); err == nil {
		sig.Rationale = r
	}

	for _, f := range []struct {
		name  string
		value string
		dst   **decimal.Decimal
	}{
		{"win_probability", ev.WinProbability, &sig.WinProbability},
		{"win_amount", ev.WinAmount, &sig.WinAmount},
		{"loss_amount", ev.LossAmount, &sig.LossAmount},
		{"stop_loss_distance", ev.StopLossDistance, &sig.StopLossDistance},
	} {
		if f.value == "" {
			continue
		}
		d, err := decimal.NewFromString(f.value)
		if err != nil {
			return domain.TradeSignal{}, fmt.Errorf("signal %s %q: %w", f.name, f.value, err)
		}
		*f.dst = &d
	}
	return sig, nil
}

// decodeRationale maps the wire kind onto the matching typed rationale.
// Unknown kinds leave the rationale nil rather than failing the signal.
func decodeRationale(kind domain.SignalKind, raw json.RawMessage) (domain.Rationale, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no rationale payload")
	}
	switch kind {
	case domain.SignalKindMispricing:
		var r domain.MispricingRationale
		return r, json.Unmarshal(raw, &r)
	case domain.SignalKindArbitrage:
		var r domain.ArbitrageRationale
		return r, json.Unmarshal(raw, &r)
	case domain.SignalKindParity:
		var r domain.ParityRationale
		return r, json.Unmarshal(raw, &r)
	case domain.SignalKindRelativeValue:
		var r domain.RelativeValueRationale
		return r, json.Unmarshal(raw, &r)
	}
	return nil, fmt.Errorf("unknown signal kind %q", kind)
}
