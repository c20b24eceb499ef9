// Package oracle resolves current prices for trading pairs. It consults the
// live feed first and falls back to the last cached quote when the feed is
// unavailable, so simulation stays possible through feed outages.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alcyone-trading/execbot/internal/domain"
)

// Feed is the pull interface to a live price source. Implementations must
// honor ctx cancellation; the oracle bounds every call with its configured
// timeout.
type Feed interface {
	LivePrice(ctx context.Context, pair string) (price float64, ts time.Time, err error)
}

// Config holds the oracle's tunables.
type Config struct {
	// Timeout bounds each live feed call.
	Timeout time.Duration

	// MaxAge is the staleness bound for fallback quotes. Older quotes are
	// still served (degraded) but logged.
	MaxAge time.Duration
}

// Oracle supplies quotes with live-first, cache-fallback semantics.
type Oracle struct {
	feed    Feed
	cache   domain.QuoteCache
	timeout time.Duration
	maxAge  time.Duration
	logger  *slog.Logger
}

// New creates an Oracle over the given feed and cache.
func New(feed Feed, cache domain.QuoteCache, cfg Config, logger *slog.Logger) *Oracle {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Oracle{
		feed:    feed,
		cache:   cache,
		timeout: timeout,
		maxAge:  cfg.MaxAge,
		logger:  logger.With(slog.String("component", "oracle")),
	}
}

// Quote returns the current price for a pair. A successful live fetch updates
// the cache; on feed failure the last cached quote is returned tagged
// fallback. It fails with domain.ErrNoPriceAvailable only when no live quote
// has ever been cached for the pair.
func (o *Oracle) Quote(ctx context.Context, pair string) (domain.Quote, error) {
	feedCtx, cancel := context.WithTimeout(ctx, o.timeout)
	price, ts, err := o.feed.LivePrice(feedCtx, pair)
	cancel()
	if err == nil {
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if cacheErr := o.cache.SetQuote(ctx, pair, price, ts); cacheErr != nil {
			o.logger.WarnContext(ctx, "quote cache update failed",
				slog.String("pair", pair),
				slog.String("error", cacheErr.Error()),
			)
		}
		return domain.Quote{Pair: pair, Price: price, Timestamp: ts, Source: domain.QuoteSourceLive}, nil
	}

	o.logger.WarnContext(ctx, "live feed failed, trying fallback",
		slog.String("pair", pair),
		slog.String("error", err.Error()),
	)

	price, ts, cacheErr := o.cache.GetQuote(ctx, pair)
	if cacheErr != nil {
		if errors.Is(cacheErr, domain.ErrNotFound) {
			return domain.Quote{}, fmt.Errorf("oracle: quote %s: %w", pair, domain.ErrNoPriceAvailable)
		}
		return domain.Quote{}, fmt.Errorf("oracle: quote %s: fallback read: %w", pair, cacheErr)
	}

	q := domain.Quote{Pair: pair, Price: price, Timestamp: ts, Source: domain.QuoteSourceFallback}
	if q.Stale(o.maxAge, time.Now().UTC()) {
		o.logger.WarnContext(ctx, "serving stale fallback quote",
			slog.String("pair", pair),
			slog.Duration("age", time.Since(ts)),
			slog.Duration("max_age", o.maxAge),
		)
	}
	return q, nil
}
