package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantfeed/bookmirror/internal/domain"
)

// SnapshotCache implements domain.SnapshotCache. Each product keeps the full
// latest snapshot as a JSON blob plus a small BBO hash for callers that only
// need best prices.
//
// Key schema:
//
//	book:{product}:snapshot - JSON-encoded domain.Snapshot
//	book:{product}:bbo      - hash with fields "bid", "ask", "ts"
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client. A
// non-zero ttl expires stale snapshots so consumers never act on a book that
// stopped updating.
func NewSnapshotCache(c *Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{rdb: c.rdb, ttl: ttl}
}

func snapshotKey(product string) string { return "book:" + product + ":snapshot" }
func bboKey(product string) string      { return "book:" + product + ":bbo" }

// SetSnapshot stores the snapshot blob and refreshes the BBO hash in one
// pipeline round trip.
func (sc *SnapshotCache) SetSnapshot(ctx context.Context, snap domain.Snapshot) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %s: %w", snap.Product, err)
	}

	pipe := sc.rdb.TxPipeline()
	pipe.Set(ctx, snapshotKey(snap.Product), blob, sc.ttl)
	pipe.HSet(ctx, bboKey(snap.Product),
		"bid", strconv.FormatFloat(snap.BestBid, 'f', -1, 64),
		"ask", strconv.FormatFloat(snap.BestAsk, 'f', -1, 64),
		"ts", strconv.FormatInt(snap.Timestamp.UnixNano(), 10),
	)
	if sc.ttl > 0 {
		pipe.Expire(ctx, bboKey(snap.Product), sc.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.Product, err)
	}
	return nil
}

// GetSnapshot returns the latest cached snapshot for product, or
// domain.ErrNotFound when none exists.
func (sc *SnapshotCache) GetSnapshot(ctx context.Context, product string) (domain.Snapshot, error) {
	blob, err := sc.rdb.Get(ctx, snapshotKey(product)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("redis: get snapshot %s: %w", product, err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("redis: unmarshal snapshot %s: %w", product, err)
	}
	return snap, nil
}

// GetBBO retrieves the best bid and ask from the BBO hash. It returns
// domain.ErrNotFound if no BBO data exists.
func (sc *SnapshotCache) GetBBO(ctx context.Context, product string) (bestBid, bestAsk float64, err error) {
	vals, err := sc.rdb.HGetAll(ctx, bboKey(product)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis: get bbo %s: %w", product, err)
	}
	if len(vals) == 0 {
		return 0, 0, domain.ErrNotFound
	}

	if bidStr, ok := vals["bid"]; ok {
		bestBid, _ = strconv.ParseFloat(bidStr, 64)
	}
	if askStr, ok := vals["ask"]; ok {
		bestAsk, _ = strconv.ParseFloat(askStr, 64)
	}
	return bestBid, bestAsk, nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
