package domain

import "context"

// SnapshotCache stores the latest sampled snapshot per product for fast
// lookup by downstream consumers.
type SnapshotCache interface {
	SetSnapshot(ctx context.Context, snap Snapshot) error
	GetSnapshot(ctx context.Context, product string) (Snapshot, error)
	GetBBO(ctx context.Context, product string) (bestBid, bestAsk float64, err error)
}

// SignalBus provides fire-and-forget pub/sub for snapshot announcements.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
