package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alcyone-trading/execbot/internal/domain"
)

// QuoteCache implements domain.QuoteCache using Redis hashes. Each pair's
// last live quote is stored at key "quote:{pair}" with fields "price" and
// "ts" (Unix nanosecond timestamp).
type QuoteCache struct {
	rdb *redis.Client
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying()}
}

func quoteKey(pair string) string {
	return "quote:" + pair
}

// SetQuote stores the latest live price and observation time for a pair.
func (qc *QuoteCache) SetQuote(ctx context.Context, pair string, price float64, ts time.Time) error {
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := qc.rdb.HSet(ctx, quoteKey(pair), fields).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", pair, err)
	}
	return nil
}

// GetQuote retrieves the cached price and observation time for a pair.
// It returns domain.ErrNotFound when the pair has never been cached.
func (qc *QuoteCache) GetQuote(ctx context.Context, pair string) (float64, time.Time, error) {
	vals, err := qc.rdb.HGetAll(ctx, quoteKey(pair)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get quote %s: %w", pair, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse quote price %s: %w", pair, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse quote ts %s: %w", pair, err)
	}

	return price, time.Unix(0, tsNano).UTC(), nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
