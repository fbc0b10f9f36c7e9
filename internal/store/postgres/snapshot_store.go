package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfeed/bookmirror/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Insert persists one snapshot and its range volumes in a single batch.
func (s *SnapshotStore) Insert(ctx context.Context, snap domain.Snapshot) error {
	batch := &pgx.Batch{}

	batch.Queue(`
		INSERT INTO book_snapshots (
			id, product, sampled_at,
			best_bid, best_ask, last_trade,
			bid_volume, ask_volume
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		snap.ID, snap.Product, snap.Timestamp,
		snap.BestBid, snap.BestAsk, snap.LastTrade,
		snap.BidVolume, snap.AskVolume,
	)

	const rangeQuery = `
		INSERT INTO snapshot_ranges (
			snapshot_id, side, low_price, high_price, percent, volume
		) VALUES ($1, $2, $3, $4, $5, $6)`
	for _, r := range snap.Ranges {
		batch.Queue(rangeQuery, snap.ID, string(r.Side), r.Low, r.High, r.Percent, r.Volume)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < 1+len(snap.Ranges); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert snapshot %s item %d: %w", snap.ID, i, err)
		}
	}
	return nil
}

// ListBefore returns up to limit snapshots for product sampled strictly
// before the cutoff, oldest first, with their range volumes attached.
func (s *SnapshotStore) ListBefore(ctx context.Context, product string, before time.Time, limit int) ([]domain.Snapshot, error) {
	query := `
		SELECT id, product, sampled_at, best_bid, best_ask, last_trade,
		       bid_volume, ask_volume
		FROM book_snapshots
		WHERE product = $1 AND sampled_at < $2
		ORDER BY sampled_at ASC`
	args := []any{product, before}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots before %s: %w", before, err)
	}
	defer rows.Close()

	var snaps []domain.Snapshot
	byID := make(map[string]int)
	for rows.Next() {
		var sn domain.Snapshot
		if err := rows.Scan(
			&sn.ID, &sn.Product, &sn.Timestamp,
			&sn.BestBid, &sn.BestAsk, &sn.LastTrade,
			&sn.BidVolume, &sn.AskVolume,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		byID[sn.ID] = len(snaps)
		snaps = append(snaps, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(snaps))
	for _, sn := range snaps {
		ids = append(ids, sn.ID)
	}

	rangeRows, err := s.pool.Query(ctx, `
		SELECT snapshot_id, side, low_price, high_price, percent, volume
		FROM snapshot_ranges
		WHERE snapshot_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshot ranges: %w", err)
	}
	defer rangeRows.Close()

	for rangeRows.Next() {
		var snapID, side string
		var r domain.RangeVolume
		if err := rangeRows.Scan(&snapID, &side, &r.Low, &r.High, &r.Percent, &r.Volume); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot range: %w", err)
		}
		r.Side = domain.Side(side)
		if idx, ok := byID[snapID]; ok {
			snaps[idx].Ranges = append(snaps[idx].Ranges, r)
		}
	}
	if err := rangeRows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list snapshot ranges: %w", err)
	}

	return snaps, nil
}

// DeleteBefore removes all snapshots for product sampled strictly before the
// cutoff and returns the number of deleted snapshots. Range rows go with
// their snapshot via ON DELETE CASCADE.
func (s *SnapshotStore) DeleteBefore(ctx context.Context, product string, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM book_snapshots WHERE product = $1 AND sampled_at < $2",
		product, before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete snapshots before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}

// GetLastTimestamp returns the most recent sample time for product, or the
// zero time when no snapshots exist.
func (s *SnapshotStore) GetLastTimestamp(ctx context.Context, product string) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		"SELECT MAX(sampled_at) FROM book_snapshots WHERE product = $1",
		product,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: get last snapshot timestamp: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// Compile-time interface check.
var _ domain.SnapshotStore = (*SnapshotStore)(nil)
