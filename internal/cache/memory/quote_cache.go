// Package memory implements domain cache interfaces with in-process maps.
// It backs paper trading and tests, where no Redis is available.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alcyone-trading/execbot/internal/domain"
)

type cachedQuote struct {
	price float64
	ts    time.Time
}

// QuoteCache implements domain.QuoteCache with a mutex-guarded map.
type QuoteCache struct {
	mu     sync.RWMutex
	quotes map[string]cachedQuote
}

// NewQuoteCache creates an empty in-memory quote cache.
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{quotes: make(map[string]cachedQuote)}
}

// SetQuote stores the latest price for a pair, overwriting any prior value.
func (c *QuoteCache) SetQuote(_ context.Context, pair string, price float64, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[pair] = cachedQuote{price: price, ts: ts}
	return nil
}

// GetQuote returns the cached price for a pair, or domain.ErrNotFound.
func (c *QuoteCache) GetQuote(_ context.Context, pair string) (float64, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[pair]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return q.price, q.ts, nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
