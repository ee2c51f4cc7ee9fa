package feed

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

// wsCommand is a subscription command sent to the CLOB market channel.
type wsCommand struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel"`
	Assets  []string `json:"assets_ids"`
}

// wireLevel is a single price level as it travels on the wire. The feed sends
// prices and sizes as strings; they are parsed straight into decimals so no
// binary-float representation ever holds a price.
type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// bookMessage is a full orderbook snapshot event.
type bookMessage struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
	Sequence  int64       `json:"sequence,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// priceChangeMessage carries incremental level updates.
type priceChangeMessage struct {
	EventType string       `json:"event_type"`
	AssetID   string       `json:"asset_id"`
	Changes   []wireChange `json:"changes"`
	Sequence  int64        `json:"sequence,omitempty"`
	Timestamp string       `json:"timestamp"`
}

type wireChange struct {
	Price string `json:"price"`
	Side  string `json:"side"` // "BUY" or "SELL"
	Size  string `json:"size"`
}

// lastTradeMessage is a trade print event.
type lastTradeMessage struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Timestamp string `json:"timestamp"`
}

func parseLevels(in []wireLevel) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, lvl := range in {
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			return nil, fmt.Errorf("feed: level price %q: %w", lvl.Price, err)
		}
		size, err := decimal.NewFromString(lvl.Size)
		if err != nil {
			return nil, fmt.Errorf("feed: level size %q: %w", lvl.Size, err)
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}

// parseTimestamp accepts either unix milliseconds or RFC3339.
func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	return time.Now().UTC()
}
