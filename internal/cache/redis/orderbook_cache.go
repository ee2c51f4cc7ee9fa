package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

// OrderbookCache implements domain.OrderbookCache using Redis sorted sets and
// hashes. Prices are stored as exact decimal strings; sorted-set scores only
// order the levels and never feed back into arithmetic.
//
// Key schema:
//
//	book:{tokenID}:bids      - sorted set of bid prices (score = price)
//	book:{tokenID}:asks      - sorted set of ask prices (score = price)
//	book:{tokenID}:bid:size  - hash mapping price -> size
//	book:{tokenID}:ask:size  - hash mapping price -> size
//	book:{tokenID}:meta      - hash with "ts" and "seq" fields
type OrderbookCache struct {
	rdb *redis.Client
}

// NewOrderbookCache creates an OrderbookCache backed by the given Client.
func NewOrderbookCache(c *Client) *OrderbookCache {
	return &OrderbookCache{rdb: c.Underlying()}
}

func bookBidsKey(tokenID string) string    { return "book:" + tokenID + ":bids" }
func bookAsksKey(tokenID string) string    { return "book:" + tokenID + ":asks" }
func bookBidSizeKey(tokenID string) string { return "book:" + tokenID + ":bid:size" }
func bookAskSizeKey(tokenID string) string { return "book:" + tokenID + ":ask:size" }
func bookMetaKey(tokenID string) string    { return "book:" + tokenID + ":meta" }

// SetBook atomically replaces the mirrored book state for a token.
func (oc *OrderbookCache) SetBook(ctx context.Context, book domain.OrderBook) error {
	bidsKey := bookBidsKey(book.TokenID)
	asksKey := bookAsksKey(book.TokenID)
	bidSizeKey := bookBidSizeKey(book.TokenID)
	askSizeKey := bookAskSizeKey(book.TokenID)
	metaKey := bookMetaKey(book.TokenID)

	pipe := oc.rdb.TxPipeline()
	pipe.Del(ctx, bidsKey, asksKey, bidSizeKey, askSizeKey, metaKey)

	for _, lvl := range book.Bids {
		priceStr := lvl.Price.String()
		score, _ := lvl.Price.Float64()
		pipe.ZAdd(ctx, bidsKey, redis.Z{Score: score, Member: priceStr})
		pipe.HSet(ctx, bidSizeKey, priceStr, lvl.Size.String())
	}
	for _, lvl := range book.Asks {
		priceStr := lvl.Price.String()
		score, _ := lvl.Price.Float64()
		pipe.ZAdd(ctx, asksKey, redis.Z{Score: score, Member: priceStr})
		pipe.HSet(ctx, askSizeKey, priceStr, lvl.Size.String())
	}

	pipe.HSet(ctx, metaKey,
		"ts", strconv.FormatInt(book.LastUpdate.UnixNano(), 10),
		"seq", strconv.FormatInt(book.Sequence, 10),
	)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set book %s: %w", book.TokenID, err)
	}
	return nil
}

// GetBook reconstructs the mirrored book for a token. It returns
// domain.ErrNotFound when no book has been stored.
func (oc *OrderbookCache) GetBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	pipe := oc.rdb.Pipeline()
	bidsCmd := pipe.ZRevRange(ctx, bookBidsKey(tokenID), 0, -1)
	asksCmd := pipe.ZRange(ctx, bookAsksKey(tokenID), 0, -1)
	bidSizeCmd := pipe.HGetAll(ctx, bookBidSizeKey(tokenID))
	askSizeCmd := pipe.HGetAll(ctx, bookAskSizeKey(tokenID))
	metaCmd := pipe.HGetAll(ctx, bookMetaKey(tokenID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.OrderBook{}, fmt.Errorf("redis: get book %s: %w", tokenID, err)
	}

	bids, err := buildLevels(bidsCmd.Val(), bidSizeCmd.Val(), true)
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("redis: book %s bids: %w", tokenID, err)
	}
	asks, err := buildLevels(asksCmd.Val(), askSizeCmd.Val(), false)
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("redis: book %s asks: %w", tokenID, err)
	}
	if len(bids) == 0 && len(asks) == 0 {
		return domain.OrderBook{}, domain.ErrNotFound
	}

	book := domain.OrderBook{TokenID: tokenID, Bids: bids, Asks: asks}
	meta := metaCmd.Val()
	if nanos, err := strconv.ParseInt(meta["ts"], 10, 64); err == nil {
		book.LastUpdate = time.Unix(0, nanos)
	}
	if seq, err := strconv.ParseInt(meta["seq"], 10, 64); err == nil {
		book.Sequence = seq
	}
	return book, nil
}

// buildLevels joins ordered price members with their size hash. The exact
// decimal strings are re-sorted after parsing so float score rounding cannot
// reorder near-equal prices.
func buildLevels(prices []string, sizes map[string]string, descending bool) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(prices))
	for _, priceStr := range prices {
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", priceStr, err)
		}
		sizeStr, ok := sizes[priceStr]
		if !ok {
			continue
		}
		size, err := decimal.NewFromString(sizeStr)
		if err != nil {
			return nil, fmt.Errorf("parse size %q: %w", sizeStr, err)
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out, nil
}

var _ domain.OrderbookCache = (*OrderbookCache)(nil)
