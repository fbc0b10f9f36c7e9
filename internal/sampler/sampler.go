package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quantfeed/bookmirror/internal/book"
	"github.com/quantfeed/bookmirror/internal/domain"
	"github.com/quantfeed/bookmirror/internal/notify"
)

// signalChannel is the pub/sub channel new snapshot IDs are announced on.
const signalChannel = "bookmirror:snapshots"

// Sampler periodically reads a consistent snapshot of every registered book
// and fans it out to the snapshot store, the cache, and the signal bus.
// Books that have not finished building are skipped until they carry volume.
type Sampler struct {
	registry *book.Registry
	store    domain.SnapshotStore // nil in observe mode
	cache    domain.SnapshotCache
	bus      domain.SignalBus
	notifier *notify.Notifier
	interval time.Duration
	percents []float64
	logger   *slog.Logger
}

// New creates a Sampler. store and notifier may be nil; cache and bus may be
// nil when running without Redis.
func New(
	registry *book.Registry,
	store domain.SnapshotStore,
	cache domain.SnapshotCache,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	interval time.Duration,
	percents []float64,
	logger *slog.Logger,
) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sampler{
		registry: registry,
		store:    store,
		cache:    cache,
		bus:      bus,
		notifier: notifier,
		interval: interval,
		percents: percents,
		logger:   logger.With(slog.String("component", "sampler")),
	}
}

// Run samples every book on a fixed interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	s.logger.Info("sampler starting",
		slog.Duration("interval", s.interval),
		slog.Int("products", len(s.registry.Products())),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sampler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sampleAll(ctx)
		}
	}
}

// sampleAll takes one snapshot per built book. A lock timeout on one book
// only skips that book for this cycle.
func (s *Sampler) sampleAll(ctx context.Context) {
	for _, product := range s.registry.Products() {
		b, err := s.registry.Get(product)
		if err != nil {
			continue
		}

		built, err := b.Built(ctx)
		if err != nil {
			s.logSkip(product, err)
			continue
		}
		if !built {
			continue
		}

		snap, err := b.Snapshot(ctx, s.percents)
		if err != nil {
			s.logSkip(product, err)
			continue
		}

		snap.ID = uuid.NewString()
		if snap.Timestamp.IsZero() {
			snap.Timestamp = time.Now().UTC()
		}

		s.publish(ctx, snap)
	}
}

// publish persists and announces one snapshot. Failures in one sink do not
// block the others.
func (s *Sampler) publish(ctx context.Context, snap domain.Snapshot) {
	if s.store != nil {
		if err := s.store.Insert(ctx, snap); err != nil {
			s.logger.Error("snapshot insert failed",
				slog.String("product", snap.Product),
				slog.String("error", err.Error()))
			if s.notifier != nil {
				_ = s.notifier.Notify(ctx, "persist_failed", "Snapshot persist failed",
					fmt.Sprintf("product %s: %v", snap.Product, err))
			}
		}
	}

	if s.cache != nil {
		if err := s.cache.SetSnapshot(ctx, snap); err != nil {
			s.logger.Warn("snapshot cache update failed",
				slog.String("product", snap.Product),
				slog.String("error", err.Error()))
		}
	}

	if s.bus != nil {
		payload, err := json.Marshal(signalMessage{
			SnapshotID: snap.ID,
			Product:    snap.Product,
			Timestamp:  snap.Timestamp,
		})
		if err == nil {
			err = s.bus.Publish(ctx, signalChannel, payload)
		}
		if err != nil {
			s.logger.Warn("snapshot signal publish failed",
				slog.String("product", snap.Product),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Sampler) logSkip(product string, err error) {
	if errors.Is(err, domain.ErrLockTimeout) {
		s.logger.Warn("book busy, skipping sample", slog.String("product", product))
		return
	}
	s.logger.Warn("sample failed",
		slog.String("product", product),
		slog.String("error", err.Error()))
}

// signalMessage is the JSON payload published for each stored snapshot.
type signalMessage struct {
	SnapshotID string    `json:"snapshot_id"`
	Product    string    `json:"product"`
	Timestamp  time.Time `json:"timestamp"`
}
