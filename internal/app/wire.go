package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alcyone-trading/execbot/internal/blob/s3"
	"github.com/alcyone-trading/execbot/internal/cache/memory"
	"github.com/alcyone-trading/execbot/internal/cache/redis"
	"github.com/alcyone-trading/execbot/internal/config"
	"github.com/alcyone-trading/execbot/internal/crypto"
	"github.com/alcyone-trading/execbot/internal/domain"
	"github.com/alcyone-trading/execbot/internal/engine"
	"github.com/alcyone-trading/execbot/internal/platform/binance"
	"github.com/alcyone-trading/execbot/internal/store/postgres"
)

// Dependencies bundles the collaborators the operating modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	QuoteCache domain.QuoteCache
	EventSink  domain.EventSink  // nil when the audit sink is disabled
	EventStore domain.EventStore // nil when the audit sink is disabled
	OrderStore domain.OrderStore // nil when the audit sink is disabled
	Archiver   *s3blob.Archiver  // nil when object storage is disabled
	Gateway    engine.Gateway    // nil in paper mode
}

// Wire constructs the concrete dependency implementations from the given
// configuration and returns them together with a cleanup function to be
// called on shutdown.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Quote cache: Redis when enabled, in-process otherwise ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.QuoteCache = redis.NewQuoteCache(redisClient)
		logger.Info("quote cache: redis", slog.String("addr", cfg.Redis.Addr))
	} else {
		deps.QuoteCache = memory.NewQuoteCache()
		logger.Info("quote cache: in-memory")
	}

	// --- PostgreSQL audit sink ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		eventStore := postgres.NewEventStore(pgClient.Pool())
		deps.EventSink = eventStore
		deps.EventStore = eventStore
		deps.OrderStore = postgres.NewOrderStore(pgClient.Pool())
	}

	// --- S3 archiver (requires the event store for its read path) ---
	if cfg.S3.Enabled && deps.EventStore != nil {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3Client, deps.EventStore)
	}

	// --- Live gateway ---
	if strings.EqualFold(cfg.Mode, "live") {
		deps.Gateway = binance.New(cfg.Exchange.Host, &crypto.HMACAuth{
			Key:    cfg.Exchange.ApiKey,
			Secret: cfg.Exchange.ApiSecret,
		})
	}

	return deps, cleanup, nil
}
