package oracle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alcyone-trading/execbot/internal/cache/memory"
	"github.com/alcyone-trading/execbot/internal/domain"
)

// feedFunc adapts a function to the Feed interface.
type feedFunc func(ctx context.Context, pair string) (float64, time.Time, error)

func (f feedFunc) LivePrice(ctx context.Context, pair string) (float64, time.Time, error) {
	return f(ctx, pair)
}

func newTestOracle(feed Feed, cache domain.QuoteCache, maxAge time.Duration) *Oracle {
	return New(feed, cache, Config{Timeout: time.Second, MaxAge: maxAge},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestQuoteLiveUpdatesCache(t *testing.T) {
	cache := memory.NewQuoteCache()
	ts := time.Now().UTC()
	o := newTestOracle(feedFunc(func(context.Context, string) (float64, time.Time, error) {
		return 50000, ts, nil
	}), cache, 0)

	q, err := o.Quote(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Price != 50000 || q.Source != domain.QuoteSourceLive {
		t.Fatalf("quote = %+v", q)
	}

	price, cachedTs, err := cache.GetQuote(context.Background(), "BTC-USDT")
	if err != nil || price != 50000 || !cachedTs.Equal(ts) {
		t.Fatalf("cache after live quote: price=%f ts=%v err=%v", price, cachedTs, err)
	}
}

func TestQuoteFallsBackToCache(t *testing.T) {
	cache := memory.NewQuoteCache()
	ts := time.Now().UTC()
	cache.SetQuote(context.Background(), "BTC-USDT", 49000, ts)

	o := newTestOracle(feedFunc(func(context.Context, string) (float64, time.Time, error) {
		return 0, time.Time{}, errors.New("connection refused")
	}), cache, 0)

	q, err := o.Quote(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Price != 49000 || q.Source != domain.QuoteSourceFallback {
		t.Fatalf("quote = %+v, want 49000 from fallback", q)
	}
}

func TestQuoteFailsWhenNeverCached(t *testing.T) {
	o := newTestOracle(feedFunc(func(context.Context, string) (float64, time.Time, error) {
		return 0, time.Time{}, errors.New("connection refused")
	}), memory.NewQuoteCache(), 0)

	if _, err := o.Quote(context.Background(), "BTC-USDT"); !errors.Is(err, domain.ErrNoPriceAvailable) {
		t.Fatalf("want ErrNoPriceAvailable, got %v", err)
	}
}

func TestQuoteServesStaleFallback(t *testing.T) {
	cache := memory.NewQuoteCache()
	cache.SetQuote(context.Background(), "BTC-USDT", 48000, time.Now().UTC().Add(-time.Hour))

	o := newTestOracle(feedFunc(func(context.Context, string) (float64, time.Time, error) {
		return 0, time.Time{}, errors.New("connection refused")
	}), cache, 5*time.Minute)

	// Stale quotes are served degraded, never withheld.
	q, err := o.Quote(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Price != 48000 || q.Source != domain.QuoteSourceFallback {
		t.Fatalf("quote = %+v", q)
	}
	if !q.Stale(5*time.Minute, time.Now().UTC()) {
		t.Fatal("hour-old quote should report stale")
	}
}

func TestQuoteBoundsFeedCalls(t *testing.T) {
	cache := memory.NewQuoteCache()
	cache.SetQuote(context.Background(), "BTC-USDT", 47000, time.Now().UTC())

	o := New(feedFunc(func(ctx context.Context, _ string) (float64, time.Time, error) {
		<-ctx.Done()
		return 0, time.Time{}, ctx.Err()
	}), cache, Config{Timeout: 10 * time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		q, err := o.Quote(context.Background(), "BTC-USDT")
		if err != nil || q.Source != domain.QuoteSourceFallback {
			t.Errorf("quote = %+v, err = %v", q, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("quote did not return; feed timeout not applied")
	}
}
