package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/quantfeed/bookmirror/internal/blob/s3"
	"github.com/quantfeed/bookmirror/internal/book"
	"github.com/quantfeed/bookmirror/internal/cache/redis"
	"github.com/quantfeed/bookmirror/internal/config"
	"github.com/quantfeed/bookmirror/internal/domain"
	"github.com/quantfeed/bookmirror/internal/notify"
	"github.com/quantfeed/bookmirror/internal/store/postgres"
)

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Book state
	Registry *book.Registry
	Applier  *book.Applier

	// Persistence
	SnapshotStore domain.SnapshotStore
	TickerStore   domain.TickerStore

	// Cache and signalling
	SnapshotCache domain.SnapshotCache
	SignalBus     domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter

	// Notifications
	Notifier *notify.Notifier
}

// needsPostgres returns true for modes that persist snapshots.
func needsPostgres(mode string) bool {
	return mode == "mirror"
}

// needsS3 reports whether object storage must be wired: only the mirror
// mode archives, and only when archival is enabled.
func needsS3(cfg *config.Config) bool {
	return cfg.Mode == "mirror" && cfg.Archive.Enabled
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Order books ---
	bookCfgs := make([]book.Config, 0, len(cfg.Products))
	for _, p := range cfg.Products {
		bookCfgs = append(bookCfgs, book.Config{
			Product:      p.Symbol,
			MinPrice:     p.MinPrice,
			MaxPrice:     p.PriceCap,
			BucketWidth:  p.BucketWidth,
			ReadTimeout:  cfg.Latch.ReadTimeout.Duration,
			WriteTimeout: cfg.Latch.WriteTimeout.Duration,
		})
	}
	registry, err := book.NewRegistry(bookCfgs, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: registry: %w", err)
	}
	deps.Registry = registry
	deps.Applier = book.NewApplier(registry, logger)

	// --- PostgreSQL (only for modes that persist snapshots) ---
	if needsPostgres(cfg.Mode) {
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

		deps.SnapshotStore = postgres.NewSnapshotStore(pgClient.Pool())
		deps.TickerStore = postgres.NewTickerStore(pgClient.Pool())
	}

	// --- Redis ---
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

	deps.SnapshotCache = redis.NewSnapshotCache(redisClient, cfg.Redis.CacheTTL.Duration)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage (only when archival is enabled) ---
	if needsS3(cfg) {
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
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.SlackWebhookURL != "" {
		senders = append(senders, notify.NewSlackSender(cfg.Notify.SlackWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Throttle.Duration, logger)

	return deps, cleanup, nil
}
