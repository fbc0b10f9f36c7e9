package book

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/bookmirror/internal/domain"
)

func newTestApplier(t *testing.T) (*Applier, *Registry) {
	t.Helper()
	reg, err := NewRegistry([]Config{
		{Product: "BTC-USD", MinPrice: 0, MaxPrice: 50000, BucketWidth: 0.01},
		{Product: "ETH-USD", MinPrice: 0, MaxPrice: 10000, BucketWidth: 0.01},
	}, testLogger())
	require.NoError(t, err)
	return NewApplier(reg, testLogger()), reg
}

func TestRegistry_RejectsBadConfig(t *testing.T) {
	_, err := NewRegistry([]Config{{Product: "", MinPrice: 0, MaxPrice: 100, BucketWidth: 0.01}}, testLogger())
	assert.Error(t, err)

	_, err = NewRegistry([]Config{
		{Product: "BTC-USD", MinPrice: 0, MaxPrice: 100, BucketWidth: 0.01},
		{Product: "BTC-USD", MinPrice: 0, MaxPrice: 100, BucketWidth: 0.01},
	}, testLogger())
	assert.Error(t, err)

	_, err = NewRegistry([]Config{{Product: "BTC-USD", MinPrice: 100, MaxPrice: 50, BucketWidth: 0.01}}, testLogger())
	assert.Error(t, err)
}

func TestRegistry_GetAndProducts(t *testing.T) {
	_, reg := newTestApplier(t)

	b, err := reg.Get("BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", b.Product())

	_, err = reg.Get("DOGE-USD")
	assert.ErrorIs(t, err, domain.ErrUnknownProduct)

	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, reg.Products())
}

func TestApplier_RoutesToConfiguredBook(t *testing.T) {
	a, reg := newTestApplier(t)
	ctx := context.Background()

	require.NoError(t, a.Apply(ctx, open("o1", domain.SideBid, 100.00, 1.0)))

	b, err := reg.Get("BTC-USD")
	require.NoError(t, err)
	total, err := b.TotalVolume(ctx, domain.SideBid)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, total, 1e-9)

	eth, err := reg.Get("ETH-USD")
	require.NoError(t, err)
	total, err = eth.TotalVolume(ctx, domain.SideBid)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, total, 1e-9)
}

func TestApplier_UnknownProduct(t *testing.T) {
	a, _ := newTestApplier(t)

	ev := open("o1", domain.SideBid, 100.00, 1.0)
	ev.Product = "DOGE-USD"
	err := a.Apply(context.Background(), ev)
	assert.ErrorIs(t, err, domain.ErrUnknownProduct)
}

func TestApplier_UnsupportedEventType(t *testing.T) {
	a, _ := newTestApplier(t)

	err := a.Apply(context.Background(), domain.Event{
		Product: "BTC-USD", Type: domain.EventType("heartbeat"),
	})
	assert.ErrorIs(t, err, domain.ErrUnsupportedEvent)
}

func TestApplier_SwallowsTolerableInconsistencies(t *testing.T) {
	a, _ := newTestApplier(t)
	ctx := context.Background()

	// Change for an order the mirror never saw.
	err := a.Apply(ctx, domain.Event{
		Product: "BTC-USD", Type: domain.EventChange, OrderID: "ghost", Size: 2.0,
	})
	assert.NoError(t, err)

	// Open above the configured price cap.
	err = a.Apply(ctx, open("capped", domain.SideAsk, 60000, 1.0))
	assert.NoError(t, err)
}

func TestApplier_PropagatesDivergence(t *testing.T) {
	a, _ := newTestApplier(t)
	ctx := context.Background()

	require.NoError(t, a.Apply(ctx, open("o1", domain.SideBid, 100.00, 1.0)))
	err := a.Apply(ctx, open("o1", domain.SideBid, 101.00, 1.0))
	assert.ErrorIs(t, err, domain.ErrDuplicateOrder)
}
