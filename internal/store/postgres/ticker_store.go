package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfeed/bookmirror/internal/domain"
)

// TickerStore implements domain.TickerStore using PostgreSQL.
type TickerStore struct {
	pool *pgxpool.Pool
}

// NewTickerStore creates a new TickerStore backed by the given pool.
func NewTickerStore(pool *pgxpool.Pool) *TickerStore {
	return &TickerStore{pool: pool}
}

// Insert persists one tick. Trade ids are unique per product, so ticks
// replayed after a reconnect are dropped instead of erroring.
func (s *TickerStore) Insert(ctx context.Context, tick domain.Ticker) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tickers (
			product, trade_id, sequence, price, last_size, side,
			best_bid, best_ask, open_24h, volume_24h, traded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (product, trade_id) DO NOTHING`,
		tick.Product, tick.TradeID, tick.Sequence, tick.Price, tick.Size,
		string(tick.Side), tick.BestBid, tick.BestAsk, tick.Open24h,
		tick.Volume24h, tick.Time,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert ticker %s/%d: %w", tick.Product, tick.TradeID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.TickerStore = (*TickerStore)(nil)
