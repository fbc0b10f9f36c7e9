package book

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/bookmirror/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBook(t *testing.T) *Book {
	t.Helper()
	b, err := New(Config{
		Product:      "BTC-USD",
		MinPrice:     0,
		MaxPrice:     50000,
		BucketWidth:  0.01,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, testLogger())
	require.NoError(t, err)
	return b
}

func open(id string, side domain.Side, price, size float64) domain.Event {
	return domain.Event{
		Product: "BTC-USD",
		Type:    domain.EventOpen,
		OrderID: id,
		Side:    side,
		Price:   price,
		Size:    size,
	}
}

func TestBook_OpenAddsVolume(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, open("a", domain.SideBid, 100.00, 1.5)))
	require.NoError(t, b.Apply(ctx, open("b", domain.SideAsk, 101.00, 2.0)))

	bidVol, err := b.TotalVolume(ctx, domain.SideBid)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, bidVol, 1e-9)

	askVol, err := b.TotalVolume(ctx, domain.SideAsk)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, askVol, 1e-9)

	vol, err := b.VolumeInRange(ctx, domain.SideBid, 99.50, 100.50)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, vol, 1e-9)
}

func TestBook_OrderLifecycleLeavesNoResidue(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, open("a", domain.SideBid, 100.00, 2.0)))

	require.NoError(t, b.Apply(ctx, domain.Event{
		Product: "BTC-USD", Type: domain.EventChange, OrderID: "a", Size: 0.75,
	}))
	vol, err := b.VolumeInRange(ctx, domain.SideBid, 100.00, 100.00)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, vol, 1e-9)

	require.NoError(t, b.Apply(ctx, domain.Event{
		Product: "BTC-USD", Type: domain.EventDone, OrderID: "a",
	}))
	vol, err = b.VolumeInRange(ctx, domain.SideBid, 100.00, 100.00)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, vol, 1e-9)

	total, err := b.TotalVolume(ctx, domain.SideBid)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, total, 1e-9)
}

func TestBook_DoneTwiceIsNoOp(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, open("a", domain.SideAsk, 100.00, 1.0)))
	require.NoError(t, b.Apply(ctx, domain.Event{Product: "BTC-USD", Type: domain.EventDone, OrderID: "a"}))
	// Duplicate terminal message from the feed.
	require.NoError(t, b.Apply(ctx, domain.Event{Product: "BTC-USD", Type: domain.EventDone, OrderID: "a"}))

	total, err := b.TotalVolume(ctx, domain.SideAsk)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, total, 1e-9)
}

func TestBook_DuplicateOpenRejected(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, open("a", domain.SideBid, 100.00, 1.0)))
	err := b.Apply(ctx, open("a", domain.SideBid, 101.00, 2.0))
	assert.ErrorIs(t, err, domain.ErrDuplicateOrder)

	// The failed open must not have touched the index.
	total, err := b.TotalVolume(ctx, domain.SideBid)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestBook_InvalidOpenRejected(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()

	err := b.Apply(ctx, open("a", domain.SideBid, 100.00, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	err = b.Apply(ctx, open("", domain.SideBid, 100.00, 1))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	err = b.Apply(ctx, open("a", domain.Side("hold"), 100.00, 1))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	total, err := b.TotalVolume(ctx, domain.SideBid)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, total, 1e-9)
}

func TestBook_OpenOutOfDomain(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()

	err := b.Apply(ctx, open("a", domain.SideAsk, 50000, 1.0))
	assert.ErrorIs(t, err, domain.ErrOutOfDomain)
}

func TestBook_ChangeUnknownOrderReturnsError(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()

	err := b.Apply(ctx, domain.Event{
		Product: "BTC-USD", Type: domain.EventChange, OrderID: "ghost", Size: 1.0,
	})
	assert.ErrorIs(t, err, domain.ErrUnknownOrder)
}

func TestBook_BestPricesTrackRemovals(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, open("b1", domain.SideBid, 99.00, 1)))
	require.NoError(t, b.Apply(ctx, open("b2", domain.SideBid, 101.00, 1)))
	require.NoError(t, b.Apply(ctx, open("b3", domain.SideBid, 100.00, 1)))
	require.NoError(t, b.Apply(ctx, open("a1", domain.SideAsk, 103.00, 1)))
	require.NoError(t, b.Apply(ctx, open("a2", domain.SideAsk, 102.00, 1)))

	bid, ask, err := b.BestBidAsk(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 101.00, bid, 1e-6)
	assert.InDelta(t, 102.00, ask, 1e-6)

	// Removing the best bid promotes the next highest level.
	require.NoError(t, b.Apply(ctx, domain.Event{Product: "BTC-USD", Type: domain.EventDone, OrderID: "b2"}))
	bid, _, err = b.BestBidAsk(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100.00, bid, 1e-6)

	// Removing the best ask promotes the next lowest level.
	require.NoError(t, b.Apply(ctx, domain.Event{Product: "BTC-USD", Type: domain.EventDone, OrderID: "a2"}))
	_, ask, err = b.BestBidAsk(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 103.00, ask, 1e-6)

	// Emptying a side zeroes its best.
	require.NoError(t, b.Apply(ctx, domain.Event{Product: "BTC-USD", Type: domain.EventDone, OrderID: "a1"}))
	_, ask, err = b.BestBidAsk(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, ask, 1e-9)
}

// newCoarseBook uses a bucket width much wider than the feed's tick size,
// so order prices land strictly inside their buckets.
func newCoarseBook(t *testing.T) *Book {
	t.Helper()
	b, err := New(Config{
		Product:      "BTC-USD",
		MinPrice:     0,
		MaxPrice:     50000,
		BucketWidth:  0.5,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, testLogger())
	require.NoError(t, err)
	return b
}

func TestBook_BestPricesWithCoarseBuckets(t *testing.T) {
	b := newCoarseBook(t)
	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, open("a1", domain.SideAsk, 100.30, 1)))
	require.NoError(t, b.Apply(ctx, open("a2", domain.SideAsk, 100.30, 1)))
	require.NoError(t, b.Apply(ctx, open("a3", domain.SideAsk, 102.00, 1)))
	require.NoError(t, b.Apply(ctx, open("b1", domain.SideBid, 99.70, 1)))
	require.NoError(t, b.Apply(ctx, open("b2", domain.SideBid, 99.70, 1)))
	require.NoError(t, b.Apply(ctx, open("b3", domain.SideBid, 98.10, 1)))

	// Two removals at the same non-aligned level. The second must still
	// trigger a recompute even though the first already rewrote the
	// cached best ask.
	require.NoError(t, b.Apply(ctx, domain.Event{Product: "BTC-USD", Type: domain.EventDone, OrderID: "a1"}))
	_, ask, err := b.BestBidAsk(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100.30, ask, 1e-6)

	require.NoError(t, b.Apply(ctx, domain.Event{Product: "BTC-USD", Type: domain.EventDone, OrderID: "a2"}))
	_, ask, err = b.BestBidAsk(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 102.00, ask, 1e-6)

	// Same on the bid side.
	require.NoError(t, b.Apply(ctx, domain.Event{Product: "BTC-USD", Type: domain.EventDone, OrderID: "b1"}))
	require.NoError(t, b.Apply(ctx, domain.Event{Product: "BTC-USD", Type: domain.EventDone, OrderID: "b2"}))
	bid, _, err := b.BestBidAsk(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 98.10, bid, 1e-6)
}

func TestBook_BestPriceExactWithinSharedBucket(t *testing.T) {
	b := newCoarseBook(t)
	ctx := context.Background()

	// Both asks share the [100.0, 100.5) bucket.
	require.NoError(t, b.Apply(ctx, open("a1", domain.SideAsk, 100.10, 1)))
	require.NoError(t, b.Apply(ctx, open("a2", domain.SideAsk, 100.40, 1)))

	_, ask, err := b.BestBidAsk(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100.10, ask, 1e-6)

	// Removing the front order promotes the other order in the same
	// bucket at its real price, not the bucket's lower bound.
	require.NoError(t, b.Apply(ctx, domain.Event{Product: "BTC-USD", Type: domain.EventDone, OrderID: "a1"}))
	_, ask, err = b.BestBidAsk(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100.40, ask, 1e-6)
}

func TestBook_MatchReducesMakerAndSetsLastTrade(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, open("m", domain.SideBid, 100.00, 2.0)))

	require.NoError(t, b.Apply(ctx, domain.Event{
		Product: "BTC-USD", Type: domain.EventMatch, OrderID: "m", Price: 100.00, Size: 0.5,
	}))
	vol, err := b.VolumeInRange(ctx, domain.SideBid, 100.00, 100.00)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, vol, 1e-9)

	// A full fill removes the maker.
	require.NoError(t, b.Apply(ctx, domain.Event{
		Product: "BTC-USD", Type: domain.EventMatch, OrderID: "m", Price: 100.00, Size: 1.5,
	}))
	total, err := b.TotalVolume(ctx, domain.SideBid)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, total, 1e-9)

	snap, err := b.Snapshot(ctx, nil)
	require.NoError(t, err)
	assert.InDelta(t, 100.00, snap.LastTrade, 1e-6)
}

func TestBook_MatchUnknownMakerStillAnchorsPrice(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()

	// Match arrives before we ever saw the maker open. Tolerated, but the
	// trade price still updates the anchor.
	require.NoError(t, b.Apply(ctx, domain.Event{
		Product: "BTC-USD", Type: domain.EventMatch, OrderID: "ghost", Price: 250.00, Size: 1.0,
	}))

	snap, err := b.Snapshot(ctx, nil)
	require.NoError(t, err)
	assert.InDelta(t, 250.00, snap.LastTrade, 1e-6)
}

func TestBook_StaleSequenceSkipped(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()

	ev := open("a", domain.SideBid, 100.00, 1.0)
	ev.Sequence = 10
	require.NoError(t, b.Apply(ctx, ev))

	// Replay of the same sequence must not double-apply.
	dup := open("dup", domain.SideBid, 100.00, 5.0)
	dup.Sequence = 10
	require.NoError(t, b.Apply(ctx, dup))

	total, err := b.TotalVolume(ctx, domain.SideBid)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestBook_Built(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()

	built, err := b.Built(ctx)
	require.NoError(t, err)
	assert.False(t, built)

	require.NoError(t, b.Apply(ctx, open("a", domain.SideAsk, 100.00, 1.0)))
	built, err = b.Built(ctx)
	require.NoError(t, err)
	assert.True(t, built)
}

func TestBook_SnapshotRanges(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, open("b1", domain.SideBid, 99.50, 1.0)))
	require.NoError(t, b.Apply(ctx, open("b2", domain.SideBid, 90.00, 3.0)))
	require.NoError(t, b.Apply(ctx, open("a1", domain.SideAsk, 100.50, 2.0)))
	require.NoError(t, b.Apply(ctx, open("a2", domain.SideAsk, 120.00, 4.0)))
	require.NoError(t, b.Apply(ctx, domain.Event{
		Product: "BTC-USD", Type: domain.EventMatch, OrderID: "b1", Price: 100.00, Size: 0.5,
	}))

	snap, err := b.Snapshot(ctx, []float64{1, 25})
	require.NoError(t, err)

	assert.Equal(t, "BTC-USD", snap.Product)
	assert.InDelta(t, 100.00, snap.LastTrade, 1e-6)
	assert.InDelta(t, 0.5+3.0, snap.BidVolume, 1e-9)
	assert.InDelta(t, 2.0+4.0, snap.AskVolume, 1e-9)
	require.Len(t, snap.Ranges, 4)

	// 1% band: bids in [99, 100], asks in [100, 101].
	assert.Equal(t, domain.SideBid, snap.Ranges[0].Side)
	assert.InDelta(t, 0.5, snap.Ranges[0].Volume, 1e-9)
	assert.Equal(t, domain.SideAsk, snap.Ranges[1].Side)
	assert.InDelta(t, 2.0, snap.Ranges[1].Volume, 1e-9)

	// 25% band: bids in [75, 100], asks in [100, 125].
	assert.InDelta(t, 3.5, snap.Ranges[2].Volume, 1e-9)
	assert.InDelta(t, 6.0, snap.Ranges[3].Volume, 1e-9)
}

func TestBook_SnapshotAnchorsFallBackToMid(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, open("b1", domain.SideBid, 99.00, 1.0)))
	require.NoError(t, b.Apply(ctx, open("a1", domain.SideAsk, 101.00, 1.0)))

	// No trade yet: the mid of the best prices anchors the bands.
	snap, err := b.Snapshot(ctx, []float64{5})
	require.NoError(t, err)
	require.Len(t, snap.Ranges, 2)
	assert.InDelta(t, 100.00, snap.Ranges[0].High, 1e-6)
	assert.InDelta(t, 100.00, snap.Ranges[1].Low, 1e-6)
}

func TestBook_SnapshotEmptyBookHasNoRanges(t *testing.T) {
	b := newTestBook(t)

	snap, err := b.Snapshot(context.Background(), []float64{1, 5})
	require.NoError(t, err)
	assert.Empty(t, snap.Ranges)
}

// TestBook_ConcurrentReadersSeeConsistentState hammers a book with writers
// applying open/done pairs while readers continuously assert that partition
// sums equal the root total, which only holds if read sections never observe
// a half-applied event.
func TestBook_ConcurrentReadersSeeConsistentState(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()

	// A resting ask keeps both best prices populated so snapshots always
	// carry an anchor.
	seed := open("seed-ask", domain.SideAsk, 70.00, 1.0)
	seed.Sequence = 1
	require.NoError(t, b.Apply(ctx, seed))

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		seq := int64(1)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			id := "w" + string(rune('a'+i%26)) + "-" + time.Now().Format("150405.000000")
			seq++
			ev := open(id, domain.SideBid, 50+float64(i%1000)*0.01, 1.0)
			ev.Sequence = seq
			if err := b.Apply(ctx, ev); err != nil {
				continue
			}
			seq++
			done := domain.Event{Product: "BTC-USD", Type: domain.EventDone, OrderID: id, Sequence: seq}
			_ = b.Apply(ctx, done)
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := b.Snapshot(ctx, []float64{100})
				if err != nil {
					continue
				}
				if len(snap.Ranges) == 0 {
					continue
				}
				// The 100% bid band spans [0, anchor], covering every bid
				// the writer places, so it must equal the side total.
				assert.InDelta(t, snap.BidVolume, snap.Ranges[0].Volume, 1e-6)
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	close(stop)
	wg.Wait()
}
