package domain

import (
	"context"
	"time"
)

// SnapshotStore persists sampled book snapshots.
type SnapshotStore interface {
	Insert(ctx context.Context, snap Snapshot) error
	ListBefore(ctx context.Context, product string, before time.Time, limit int) ([]Snapshot, error)
	DeleteBefore(ctx context.Context, product string, before time.Time) (int64, error)
	GetLastTimestamp(ctx context.Context, product string) (time.Time, error)
}
