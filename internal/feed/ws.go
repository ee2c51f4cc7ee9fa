// Package feed streams live market data into the engine's inbox. Network I/O
// stays strictly outside the engine core; the feed only produces typed
// snapshot/delta/trade events.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// EventSink receives typed market events. Implemented by the engine.
type EventSink interface {
	SubmitEvent(ev domain.MarketEvent) bool
}

// WSClient is a WebSocket client for the CLOB market-data channel. It manages
// the connection lifecycle and pushes decoded events into the sink.
type WSClient struct {
	wsURL  string
	sink   EventSink
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	tokens []string

	connected       bool
	disconnectSince time.Time
}

// NewWSClient creates a WSClient for wsURL that subscribes to the given token
// ids on connect.
func NewWSClient(wsURL string, tokens []string, sink EventSink, logger *slog.Logger) *WSClient {
	return &WSClient{
		wsURL:  wsURL,
		tokens: tokens,
		sink:   sink,
		logger: logger.With(slog.String("component", "ws_feed")),
	}
}

// ConnState reports the connection flag and, when disconnected, the time the
// connection dropped. The risk gate's circuit breakers consume this.
func (w *WSClient) ConnState() (connected bool, disconnectSince time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected, w.disconnectSince
}

// Run connects and reads until ctx is cancelled, reconnecting with
// exponential backoff on failure.
func (w *WSClient) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		if err := w.connect(ctx); err != nil {
			w.logger.Warn("connect failed",
				slog.String("url", w.wsURL),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))
		} else {
			delay = reconnectDelay
			err := w.readLoop(ctx)
			w.markDisconnected()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("connection lost", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (w *WSClient) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", w.wsURL, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	cmd := wsCommand{Type: "subscribe", Channel: "market", Assets: w.tokens}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(cmd); err != nil {
		_ = conn.Close()
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.disconnectSince = time.Time{}
	w.mu.Unlock()

	w.logger.Info("connected", slog.Int("tokens", len(w.tokens)))
	return nil
}

func (w *WSClient) markDisconnected() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
	if w.connected {
		w.connected = false
		w.disconnectSince = time.Now()
	}
}

func (w *WSClient) readLoop(ctx context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return domain.ErrWSDisconnect
	}

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	msgCh := make(chan []byte, 64)
	errCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			msgCh <- data
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case data := <-msgCh:
			if err := w.dispatch(data); err != nil {
				w.logger.Debug("message dropped",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)))
			}
		}
	}
}

// dispatch decodes one wire message into a typed event and submits it.
func (w *WSClient) dispatch(data []byte) error {
	var head struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	var ev domain.MarketEvent
	switch head.EventType {
	case "book":
		var msg bookMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		bids, err := parseLevels(msg.Bids)
		if err != nil {
			return err
		}
		asks, err := parseLevels(msg.Asks)
		if err != nil {
			return err
		}
		ev.Snapshot = &domain.BookSnapshot{
			TokenID:   msg.AssetID,
			Bids:      bids,
			Asks:      asks,
			Sequence:  msg.Sequence,
			Timestamp: parseTimestamp(msg.Timestamp),
		}
	case "price_change":
		var msg priceChangeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		delta := &domain.BookDelta{
			TokenID:   msg.AssetID,
			Sequence:  msg.Sequence,
			Timestamp: parseTimestamp(msg.Timestamp),
		}
		for _, ch := range msg.Changes {
			price, err := decimal.NewFromString(ch.Price)
			if err != nil {
				return fmt.Errorf("feed: change price %q: %w", ch.Price, err)
			}
			size, err := decimal.NewFromString(ch.Size)
			if err != nil {
				return fmt.Errorf("feed: change size %q: %w", ch.Size, err)
			}
			lvl := domain.PriceLevel{Price: price, Size: size}
			if ch.Side == "BUY" {
				delta.Bids = append(delta.Bids, lvl)
			} else {
				delta.Asks = append(delta.Asks, lvl)
			}
		}
		ev.Delta = delta
	case "last_trade_price":
		var msg lastTradeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		price, err := decimal.NewFromString(msg.Price)
		if err != nil {
			return fmt.Errorf("feed: trade price %q: %w", msg.Price, err)
		}
		size, err := decimal.NewFromString(msg.Size)
		if err != nil {
			return fmt.Errorf("feed: trade size %q: %w", msg.Size, err)
		}
		side := domain.OrderSideBuy
		if msg.Side == "SELL" {
			side = domain.OrderSideSell
		}
		ev.Trade = &domain.TradeRecord{
			TokenID:   msg.AssetID,
			Price:     price,
			Size:      size,
			Side:      side,
			Timestamp: parseTimestamp(msg.Timestamp),
		}
	default:
		return nil
	}

	if !w.sink.SubmitEvent(ev) {
		w.logger.Warn("engine inbox full, event dropped",
			slog.String("event_type", head.EventType))
	}
	return nil
}
