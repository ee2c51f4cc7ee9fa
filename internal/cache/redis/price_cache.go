package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each token's
// price is stored at "price:{tokenID}" with fields "price" (decimal string,
// exact) and "ts" (Unix nanosecond timestamp).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(tokenID string) string {
	return "price:" + tokenID
}

// SetPrice stores the latest price and timestamp for a token.
func (pc *PriceCache) SetPrice(ctx context.Context, tokenID string, price decimal.Decimal, ts time.Time) error {
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(tokenID), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", tokenID, err)
	}
	return nil
}

// GetPrice retrieves the latest price and timestamp for a token. It returns
// domain.ErrNotFound when no price has been stored.
func (pc *PriceCache) GetPrice(ctx context.Context, tokenID string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(tokenID)).Result()
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("redis: get price %s: %w", tokenID, err)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Decimal{}, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("redis: parse price %q: %w", priceStr, err)
	}

	var ts time.Time
	if nanos, err := strconv.ParseInt(vals["ts"], 10, 64); err == nil {
		ts = time.Unix(0, nanos)
	}
	return price, ts, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
