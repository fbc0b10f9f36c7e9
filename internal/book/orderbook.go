package book

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfeed/bookmirror/internal/domain"
)

// Config sizes one product's book.
type Config struct {
	Product      string
	MinPrice     float64
	MaxPrice     float64
	BucketWidth  float64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// resting is the book's record of one live order.
type resting struct {
	side   domain.Side
	price  float64
	size   float64
	bucket int
}

// Book mirrors one product's limit order book: a price index per side, the
// map of resting orders, and cached best prices. All mutation goes through
// Apply, which runs under the write latch; the read methods take read
// sections and therefore always observe a fully applied state.
type Book struct {
	product string
	bids    *PriceIndex
	asks    *PriceIndex
	orders  map[string]resting

	// Best prices are cached together with their bucket index; the bucket
	// is the authority for "was the best level touched" checks, since a
	// recomputed best price is not an order price when bucket_width does
	// not align with the feed's tick size. -1 means the side is empty.
	bestBid       float64
	bestBidBucket int
	bestAsk       float64
	bestAskBucket int
	lastTrade     float64
	lastSeq       int64

	latch  *Latch
	logger *slog.Logger
}

// New creates an empty book for cfg.Product covering the configured price
// domain on both sides.
func New(cfg Config, logger *slog.Logger) (*Book, error) {
	bids, err := NewPriceIndex(cfg.MinPrice, cfg.MaxPrice, cfg.BucketWidth)
	if err != nil {
		return nil, fmt.Errorf("book: %s bid index: %w", cfg.Product, err)
	}
	asks, err := NewPriceIndex(cfg.MinPrice, cfg.MaxPrice, cfg.BucketWidth)
	if err != nil {
		return nil, fmt.Errorf("book: %s ask index: %w", cfg.Product, err)
	}
	return &Book{
		product:       cfg.Product,
		bids:          bids,
		asks:          asks,
		orders:        make(map[string]resting),
		bestBidBucket: -1,
		bestAskBucket: -1,
		latch:         NewLatch(cfg.ReadTimeout, cfg.WriteTimeout),
		logger:        logger.With(slog.String("component", "book"), slog.String("product", cfg.Product)),
	}, nil
}

// Product returns the product symbol this book mirrors.
func (b *Book) Product() string { return b.product }

// Apply applies one event to the book under the write latch. Events must
// arrive in exchange sequence order; a stale sequence number is skipped with
// a log line rather than applied out of order.
//
// Unknown order ids on change, done, and match are tolerated as logged
// no-ops (duplicate terminal messages are expected from the upstream feed).
// A duplicate id on open, an out-of-domain price, or a malformed event is
// returned to the caller.
func (b *Book) Apply(ctx context.Context, ev domain.Event) error {
	release, err := b.latch.Lock(ctx)
	if err != nil {
		return fmt.Errorf("book: %s write section: %w", b.product, err)
	}
	defer release()

	if ev.Sequence > 0 {
		if ev.Sequence <= b.lastSeq {
			b.logger.Debug("skipping stale event",
				slog.Int64("sequence", ev.Sequence),
				slog.Int64("last_sequence", b.lastSeq),
			)
			return nil
		}
		if b.lastSeq > 0 && ev.Sequence > b.lastSeq+1 {
			b.logger.Debug("sequence gap",
				slog.Int64("from", b.lastSeq),
				slog.Int64("to", ev.Sequence),
			)
		}
		b.lastSeq = ev.Sequence
	}

	switch ev.Type {
	case domain.EventOpen:
		err = b.applyOpen(ev.OrderID, ev.Side, ev.Price, ev.Size)
	case domain.EventChange:
		err = b.applyChange(ev.OrderID, ev.Size)
	case domain.EventDone:
		err = b.applyDone(ev.OrderID)
	case domain.EventMatch:
		err = b.applyMatch(ev.OrderID, ev.Size, ev.Price)
	default:
		return fmt.Errorf("book: %s event type %q: %w", b.product, ev.Type, domain.ErrUnsupportedEvent)
	}

	if errors.Is(err, domain.ErrUnknownOrder) && ev.Type != domain.EventChange {
		b.logger.Warn("event for unknown order ignored",
			slog.String("type", string(ev.Type)),
			slog.String("order_id", ev.OrderID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("book: %s apply %s: %w", b.product, ev.Type, err)
	}
	return nil
}

func (b *Book) index(side domain.Side) *PriceIndex {
	if side == domain.SideBid {
		return b.bids
	}
	return b.asks
}

func (b *Book) applyOpen(orderID string, side domain.Side, price, size float64) error {
	if orderID == "" || !side.Valid() {
		return domain.ErrInvalidEvent
	}
	if size <= 0 {
		return fmt.Errorf("open size %v must be positive: %w", size, domain.ErrInvalidEvent)
	}
	if _, exists := b.orders[orderID]; exists {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrDuplicateOrder)
	}

	ix := b.index(side)
	bucket, err := ix.Bucket(price)
	if err != nil {
		return err
	}
	if err := ix.Update(bucket, size); err != nil {
		return err
	}
	b.orders[orderID] = resting{side: side, price: price, size: size, bucket: bucket}

	if side == domain.SideBid {
		if b.bestBidBucket < 0 || price > b.bestBid {
			b.bestBid = price
			b.bestBidBucket = bucket
		}
	} else if b.bestAskBucket < 0 || price < b.bestAsk {
		b.bestAsk = price
		b.bestAskBucket = bucket
	}
	return nil
}

func (b *Book) applyChange(orderID string, newSize float64) error {
	r, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrUnknownOrder)
	}
	if newSize <= 0 {
		return b.applyDone(orderID)
	}
	if err := b.index(r.side).Update(r.bucket, newSize-r.size); err != nil {
		return err
	}
	r.size = newSize
	b.orders[orderID] = r
	return nil
}

func (b *Book) applyDone(orderID string) error {
	r, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrUnknownOrder)
	}
	return b.remove(orderID, r)
}

// applyMatch records a trade against a resting maker order: the traded size
// comes off the maker's remaining size and the trade price becomes the
// book's last trade price. A fully filled maker is removed like done.
func (b *Book) applyMatch(orderID string, size, price float64) error {
	if price > 0 {
		b.lastTrade = price
	}
	r, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("maker order %s: %w", orderID, domain.ErrUnknownOrder)
	}
	if size <= 0 {
		return fmt.Errorf("match size %v must be positive: %w", size, domain.ErrInvalidEvent)
	}
	if size >= r.size {
		return b.remove(orderID, r)
	}
	if err := b.index(r.side).Update(r.bucket, -size); err != nil {
		return err
	}
	r.size -= size
	b.orders[orderID] = r
	return nil
}

// remove deletes a resting order, zeroes its index contribution, and
// recomputes the affected best price when the removed order sat at or
// beyond the best bucket. The guard compares buckets, not prices: once a
// best price has been recomputed it may not coincide with any order price,
// so a price comparison would miss later removals at the same level.
func (b *Book) remove(orderID string, r resting) error {
	ix := b.index(r.side)
	if err := ix.Update(r.bucket, -r.size); err != nil {
		return err
	}
	delete(b.orders, orderID)

	if r.side == domain.SideBid {
		if b.bestBidBucket >= 0 && r.bucket >= b.bestBidBucket {
			if nb := ix.LastNonEmpty(ix.Buckets() - 1); nb >= 0 {
				b.bestBidBucket = nb
				b.bestBid = b.bestInBucket(domain.SideBid, nb)
			} else {
				b.bestBidBucket = -1
				b.bestBid = 0
			}
		}
	} else if b.bestAskBucket >= 0 && r.bucket <= b.bestAskBucket {
		if nb := ix.FirstNonEmpty(0); nb >= 0 {
			b.bestAskBucket = nb
			b.bestAsk = b.bestInBucket(domain.SideAsk, nb)
		} else {
			b.bestAskBucket = -1
			b.bestAsk = 0
		}
	}
	return nil
}

// bestInBucket returns the best resting order price within one bucket on
// side. The caller has already established the bucket holds volume; the
// bucket's lower-bound price is the fallback should the order scan come up
// empty.
func (b *Book) bestInBucket(side domain.Side, bucket int) float64 {
	best := 0.0
	for _, r := range b.orders {
		if r.side != side || r.bucket != bucket {
			continue
		}
		if best == 0 || (side == domain.SideBid && r.price > best) || (side == domain.SideAsk && r.price < best) {
			best = r.price
		}
	}
	if best == 0 {
		return b.index(side).Price(bucket)
	}
	return best
}

// BestBidAsk returns the cached best bid and ask under a read section. A
// zero value means that side of the book is empty.
func (b *Book) BestBidAsk(ctx context.Context) (bestBid, bestAsk float64, err error) {
	release, err := b.latch.RLock(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("book: %s read section: %w", b.product, err)
	}
	defer release()
	return b.bestBid, b.bestAsk, nil
}

// TotalVolume returns the total resting volume on one side.
func (b *Book) TotalVolume(ctx context.Context, side domain.Side) (float64, error) {
	release, err := b.latch.RLock(ctx)
	if err != nil {
		return 0, fmt.Errorf("book: %s read section: %w", b.product, err)
	}
	defer release()
	return b.index(side).TotalVolume(), nil
}

// VolumeInRange sums the resting volume on side within the inclusive price
// range [low, high]. Bounds outside the configured domain are clamped;
// inverted ranges return 0.
func (b *Book) VolumeInRange(ctx context.Context, side domain.Side, low, high float64) (float64, error) {
	release, err := b.latch.RLock(ctx)
	if err != nil {
		return 0, fmt.Errorf("book: %s read section: %w", b.product, err)
	}
	defer release()
	return b.volumeInRange(side, low, high), nil
}

// volumeInRange is the lock-free variant. Caller must hold a latch section.
func (b *Book) volumeInRange(side domain.Side, low, high float64) float64 {
	ix := b.index(side)
	lo, err := ix.Bucket(low)
	if err != nil {
		if low >= ix.max {
			return 0
		}
		lo = 0
	}
	hi, err := ix.Bucket(high)
	if err != nil {
		if high < ix.min {
			return 0
		}
		hi = ix.Buckets() - 1
	}
	return ix.RangeVolume(lo, hi)
}

// Built reports whether the book holds any volume yet. Queries against an
// unbuilt book would only produce zero rows.
func (b *Book) Built(ctx context.Context) (bool, error) {
	release, err := b.latch.RLock(ctx)
	if err != nil {
		return false, fmt.Errorf("book: %s read section: %w", b.product, err)
	}
	defer release()
	return b.bids.TotalVolume() != 0 || b.asks.TotalVolume() != 0, nil
}

// Snapshot builds a point-in-time view of the book under a single read
// section: best prices, side totals, and bid/ask volumes within each percent
// band around the last trade price. The returned value shares no state with
// the book.
func (b *Book) Snapshot(ctx context.Context, percents []float64) (domain.Snapshot, error) {
	release, err := b.latch.RLock(ctx)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("book: %s read section: %w", b.product, err)
	}
	defer release()

	snap := domain.Snapshot{
		Product:   b.product,
		Timestamp: time.Now().UTC(),
		BestBid:   b.bestBid,
		BestAsk:   b.bestAsk,
		LastTrade: b.lastTrade,
		BidVolume: b.bids.TotalVolume(),
		AskVolume: b.asks.TotalVolume(),
	}

	anchor := b.lastTrade
	if anchor == 0 && b.bestBid > 0 && b.bestAsk > 0 {
		anchor = (b.bestBid + b.bestAsk) / 2
	}
	if anchor == 0 {
		return snap, nil
	}

	snap.Ranges = make([]domain.RangeVolume, 0, 2*len(percents))
	for _, pct := range percents {
		low := anchor - anchor*pct/100
		high := anchor + anchor*pct/100
		snap.Ranges = append(snap.Ranges,
			domain.RangeVolume{
				Side:    domain.SideBid,
				Low:     low,
				High:    anchor,
				Percent: pct,
				Volume:  b.volumeInRange(domain.SideBid, low, anchor),
			},
			domain.RangeVolume{
				Side:    domain.SideAsk,
				Low:     anchor,
				High:    high,
				Percent: pct,
				Volume:  b.volumeInRange(domain.SideAsk, anchor, high),
			},
		)
	}
	return snap, nil
}
