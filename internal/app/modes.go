package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/quantfeed/bookmirror/internal/blob/s3"
	"github.com/quantfeed/bookmirror/internal/feed"
	"github.com/quantfeed/bookmirror/internal/sampler"
)

// MirrorMode runs the full pipeline: the exchange feed mutating the books,
// the sampler persisting snapshots to Postgres and Redis, and the archiver
// moving aged snapshots to object storage when enabled.
func (a *App) MirrorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting mirror mode")

	// Log where each product's persisted history left off.
	for _, product := range deps.Registry.Products() {
		ts, err := deps.SnapshotStore.GetLastTimestamp(ctx, product)
		if err != nil {
			a.logger.WarnContext(ctx, "could not read last snapshot timestamp",
				slog.String("product", product),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ts.IsZero() {
			a.logger.InfoContext(ctx, "resuming product history",
				slog.String("product", product),
				slog.Time("last_snapshot", ts),
			)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	exchangeFeed := a.newFeed(deps)
	g.Go(func() error {
		err := exchangeFeed.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("exchange feed: %w", err)
	})

	smp := sampler.New(
		deps.Registry,
		deps.SnapshotStore,
		deps.SnapshotCache,
		deps.SignalBus,
		deps.Notifier,
		a.cfg.Sampler.Interval.Duration,
		a.cfg.Sampler.PercentRanges,
		a.logger,
	)
	g.Go(func() error {
		err := smp.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("sampler: %w", err)
	})

	if a.cfg.Archive.Enabled && deps.BlobWriter != nil {
		archiver := s3blob.NewArchiver(
			deps.SnapshotStore,
			deps.BlobWriter,
			deps.Registry.Products(),
			time.Duration(a.cfg.Archive.RetentionDays)*24*time.Hour,
			a.cfg.Archive.Interval.Duration,
			a.cfg.Archive.BatchLimit,
			a.logger,
		)
		g.Go(func() error {
			err := archiver.RunLoop(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	return g.Wait()
}

// ObserveMode runs the feed and sampler without Postgres or S3: books are
// mirrored and snapshots fan out to the Redis cache and signal bus only.
func (a *App) ObserveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting observe mode")

	g, ctx := errgroup.WithContext(ctx)

	exchangeFeed := a.newFeed(deps)
	g.Go(func() error {
		err := exchangeFeed.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("exchange feed: %w", err)
	})

	smp := sampler.New(
		deps.Registry,
		nil,
		deps.SnapshotCache,
		deps.SignalBus,
		deps.Notifier,
		a.cfg.Sampler.Interval.Duration,
		a.cfg.Sampler.PercentRanges,
		a.logger,
	)
	g.Go(func() error {
		err := smp.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("sampler: %w", err)
	})

	return g.Wait()
}

// newFeed builds the exchange feed. TickerStore is nil outside mirror mode,
// which disables ticker persistence while the subscription stays the same.
func (a *App) newFeed(deps *Dependencies) *feed.ExchangeFeed {
	return feed.NewExchangeFeed(feed.Config{
		WSURL:            a.cfg.Feed.WSURL,
		Channels:         a.cfg.Feed.Channels,
		Products:         deps.Registry.Products(),
		HandshakeTimeout: a.cfg.Feed.HandshakeTimeout.Duration,
		RetryDelay:       a.cfg.Feed.ReconnectDelay.Duration,
	}, deps.Applier, deps.TickerStore, deps.Notifier, a.logger)
}
