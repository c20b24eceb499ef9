package domain

import (
	"context"
	"time"
)

// QuoteCache stores the last successfully fetched live price per pair. It
// backs the oracle's fallback path. Implementations must tolerate concurrent
// readers; writes are last-writer-wins.
type QuoteCache interface {
	// SetQuote stores the latest price and its observation time for a pair.
	SetQuote(ctx context.Context, pair string, price float64, ts time.Time) error

	// GetQuote returns the cached price and observation time for a pair.
	// It returns ErrNotFound when the pair has never been cached.
	GetQuote(ctx context.Context, pair string) (float64, time.Time, error)
}
