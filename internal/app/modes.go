package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alcyone-trading/execbot/internal/book"
	"github.com/alcyone-trading/execbot/internal/domain"
	"github.com/alcyone-trading/execbot/internal/engine"
	"github.com/alcyone-trading/execbot/internal/feed"
	"github.com/alcyone-trading/execbot/internal/ledger"
	"github.com/alcyone-trading/execbot/internal/oracle"
)

// buildEngine assembles the execution engine and its collaborators from the
// wired dependencies.
func (a *App) buildEngine(deps *Dependencies) *engine.Engine {
	restFeed := feed.NewRESTFeed(a.cfg.Feed.RestHost)
	orc := oracle.New(restFeed, deps.QuoteCache, oracle.Config{
		Timeout: a.cfg.Oracle.Timeout.Duration,
		MaxAge:  a.cfg.Oracle.MaxAge.Duration,
	}, a.logger)

	led := ledger.New(a.logger)
	for asset, amount := range a.cfg.Ledger.Deposits {
		led.Deposit(asset, amount)
	}

	bk := book.New(deps.EventSink, a.logger)

	lots := make(map[string]engine.LotRule, len(a.cfg.Engine.LotRules))
	for pair, rule := range a.cfg.Engine.LotRules {
		lots[pair] = engine.LotRule{
			MinQty:  rule.MinQty,
			MaxQty:  rule.MaxQty,
			StepQty: rule.StepQty,
		}
	}

	eng := engine.New(orc, led, bk, engine.Config{
		SlippageMargin: a.cfg.Engine.SlippageMargin,
		LotRules:       lots,
	}, a.logger)
	if deps.Gateway != nil {
		eng = eng.WithGateway(deps.Gateway)
	}
	if deps.OrderStore != nil {
		eng = eng.WithOrderStore(deps.OrderStore)
	}
	return eng
}

// runFeed streams live ticks into the quote cache and the engine until ctx
// is cancelled. Keeping the cache fresh from the stream means the oracle's
// fallback path covers REST outages too.
func (a *App) runFeed(ctx context.Context, deps *Dependencies, eng *engine.Engine) error {
	wsFeed := feed.NewWSFeed(a.cfg.Feed.WsHost, a.cfg.Engine.Pairs, func(ctx context.Context, quote domain.Quote) {
		if err := deps.QuoteCache.SetQuote(ctx, quote.Pair, quote.Price, quote.Timestamp); err != nil {
			a.logger.WarnContext(ctx, "tick cache update failed",
				slog.String("pair", quote.Pair),
				slog.String("error", err.Error()),
			)
		}
		if err := eng.Tick(ctx, quote); err != nil {
			a.logger.WarnContext(ctx, "tick processing failed",
				slog.String("pair", quote.Pair),
				slog.String("error", err.Error()),
			)
		}
	}, a.logger)
	return wsFeed.Run(ctx)
}

// runArchiver periodically exports old order events to object storage.
func (a *App) runArchiver(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-a.cfg.S3.ArchiveAfter.Duration)
			n, err := deps.Archiver.ArchiveEvents(ctx, cutoff)
			if err != nil {
				a.logger.ErrorContext(ctx, "event archive failed",
					slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.logger.InfoContext(ctx, "archived order events", slog.Int("count", n))
			}
		}
	}
}

// PaperMode runs the engine authoritatively against the simulated portfolio:
// the live feed drives ticks, every fill settles locally.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode",
		slog.Any("pairs", a.cfg.Engine.Pairs))

	eng := a.buildEngine(deps)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runFeed(ctx, deps, eng) })
	if deps.Archiver != nil {
		g.Go(func() error { return a.runArchiver(ctx, deps) })
	}
	return g.Wait()
}

// LiveMode runs the engine against the remote venue: submissions are
// confirmed through the gateway and resting orders are periodically
// reconciled against the venue's state.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode",
		slog.Any("pairs", a.cfg.Engine.Pairs))

	eng := a.buildEngine(deps)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runFeed(ctx, deps, eng) })
	if deps.Archiver != nil {
		g.Go(func() error { return a.runArchiver(ctx, deps) })
	}
	g.Go(func() error {
		interval := a.cfg.Engine.ReconcileInterval.Duration
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				for _, pair := range a.cfg.Engine.Pairs {
					for _, o := range eng.OpenOrders(pair) {
						if _, err := eng.Reconcile(ctx, o.ID); err != nil {
							a.logger.WarnContext(ctx, "reconcile failed",
								slog.String("order_id", o.ID),
								slog.String("error", err.Error()),
							)
						}
					}
				}
			}
		}
	})
	return g.Wait()
}
