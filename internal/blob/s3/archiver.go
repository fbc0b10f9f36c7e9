package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfeed/bookmirror/internal/domain"
)

// SnapshotArchiveStore is the narrow store surface the archiver needs: it
// reads snapshots older than a cutoff and deletes them once they are safely
// in object storage.
type SnapshotArchiveStore interface {
	ListBefore(ctx context.Context, product string, before time.Time, limit int) ([]domain.Snapshot, error)
	DeleteBefore(ctx context.Context, product string, before time.Time) (int64, error)
}

// Archiver moves aged snapshots out of the primary store into object
// storage. Each batch is serialized to JSONL and uploaded before the rows
// are deleted, so a failed upload leaves the store untouched.
type Archiver struct {
	store     SnapshotArchiveStore
	writer    domain.BlobWriter
	products  []string
	retention time.Duration
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewArchiver creates an Archiver for the given products.
func NewArchiver(
	store SnapshotArchiveStore,
	writer domain.BlobWriter,
	products []string,
	retention, interval time.Duration,
	batchSize int,
	logger *slog.Logger,
) *Archiver {
	if batchSize <= 0 {
		batchSize = 5000
	}
	return &Archiver{
		store:     store,
		writer:    writer,
		products:  products,
		retention: retention,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// RunLoop archives once at startup and then on the configured interval
// until ctx is cancelled.
func (a *Archiver) RunLoop(ctx context.Context) error {
	a.logger.Info("archiver starting",
		slog.Duration("retention", a.retention),
		slog.Duration("interval", a.interval),
	)

	if err := a.runOnce(ctx); err != nil {
		a.logger.Error("archive run failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := a.runOnce(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// runOnce archives all snapshots older than the retention window, one
// product at a time, in bounded batches.
func (a *Archiver) runOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-a.retention)

	for _, product := range a.products {
		if err := a.archiveProduct(ctx, product, cutoff); err != nil {
			return fmt.Errorf("archive %s: %w", product, err)
		}
	}
	return nil
}

func (a *Archiver) archiveProduct(ctx context.Context, product string, cutoff time.Time) error {
	for {
		batch, err := a.store.ListBefore(ctx, product, cutoff, a.batchSize)
		if err != nil {
			return fmt.Errorf("list snapshots: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		body, err := encodeJSONL(batch)
		if err != nil {
			return fmt.Errorf("encode batch: %w", err)
		}

		last := batch[len(batch)-1].Timestamp
		key := objectKey(product, batch[0].Timestamp, last)

		if err := a.writer.Put(ctx, key, bytes.NewReader(body), "application/x-ndjson"); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}

		// Rows sort ascending by timestamp, so deleting strictly before
		// last+1ns removes exactly the uploaded batch.
		deleted, err := a.store.DeleteBefore(ctx, product, last.Add(time.Nanosecond))
		if err != nil {
			return fmt.Errorf("delete archived rows: %w", err)
		}

		a.logger.Info("snapshot batch archived",
			slog.String("product", product),
			slog.String("key", key),
			slog.Int("count", len(batch)),
			slog.Int64("deleted", deleted),
		)

		if len(batch) < a.batchSize {
			return nil
		}
	}
}

// encodeJSONL serializes snapshots as newline-delimited JSON.
func encodeJSONL(snaps []domain.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range snaps {
		if err := enc.Encode(&snaps[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// objectKey builds the storage key for one archived batch, e.g.
// "archive/snapshots/BTC-USD/2026-08-31/20260831T120000Z-20260831T130000Z.jsonl".
func objectKey(product string, first, last time.Time) string {
	const stamp = "20060102T150405Z"
	return fmt.Sprintf("archive/snapshots/%s/%s/%s-%s.jsonl",
		product,
		first.UTC().Format("2006-01-02"),
		first.UTC().Format(stamp),
		last.UTC().Format(stamp),
	)
}
