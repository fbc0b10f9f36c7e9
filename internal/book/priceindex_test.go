package book

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/bookmirror/internal/domain"
)

func newTestIndex(t *testing.T) *PriceIndex {
	t.Helper()
	ix, err := NewPriceIndex(0, 100, 0.01)
	require.NoError(t, err)
	return ix
}

func TestNewPriceIndex_Invalid(t *testing.T) {
	_, err := NewPriceIndex(0, 100, 0)
	assert.Error(t, err)

	_, err = NewPriceIndex(0, 100, -0.01)
	assert.Error(t, err)

	_, err = NewPriceIndex(100, 100, 0.01)
	assert.Error(t, err)

	_, err = NewPriceIndex(100, 50, 0.01)
	assert.Error(t, err)

	_, err = NewPriceIndex(-1, 100, 0.01)
	assert.Error(t, err)
}

func TestPriceIndex_BucketCount(t *testing.T) {
	ix, err := NewPriceIndex(0, 100, 0.01)
	require.NoError(t, err)
	assert.Equal(t, 10000, ix.Buckets())
}

func TestPriceIndex_Bucket(t *testing.T) {
	ix := newTestIndex(t)

	b, err := ix.Bucket(0)
	require.NoError(t, err)
	assert.Equal(t, 0, b)

	b, err = ix.Bucket(0.01)
	require.NoError(t, err)
	assert.Equal(t, 1, b)

	// 29.97 is not exactly representable; the epsilon keeps it in its own
	// bucket instead of the one below.
	b, err = ix.Bucket(29.97)
	require.NoError(t, err)
	assert.Equal(t, 2997, b)

	b, err = ix.Bucket(99.99)
	require.NoError(t, err)
	assert.Equal(t, 9999, b)
}

func TestPriceIndex_BucketOutOfDomain(t *testing.T) {
	ix := newTestIndex(t)

	_, err := ix.Bucket(-0.01)
	assert.ErrorIs(t, err, domain.ErrOutOfDomain)

	_, err = ix.Bucket(100)
	assert.ErrorIs(t, err, domain.ErrOutOfDomain)

	_, err = ix.Bucket(250)
	assert.ErrorIs(t, err, domain.ErrOutOfDomain)
}

func TestPriceIndex_Price(t *testing.T) {
	ix := newTestIndex(t)
	assert.InDelta(t, 0.0, ix.Price(0), 1e-12)
	assert.InDelta(t, 29.97, ix.Price(2997), 1e-9)
}

func TestPriceIndex_UpdateAndTotal(t *testing.T) {
	ix := newTestIndex(t)

	require.NoError(t, ix.Update(100, 1.5))
	require.NoError(t, ix.Update(200, 2.5))
	require.NoError(t, ix.Update(100, 0.5))
	assert.InDelta(t, 4.5, ix.TotalVolume(), 1e-9)

	require.NoError(t, ix.Update(100, -2.0))
	assert.InDelta(t, 2.5, ix.TotalVolume(), 1e-9)

	err := ix.Update(-1, 1)
	assert.ErrorIs(t, err, domain.ErrOutOfDomain)
	err = ix.Update(10000, 1)
	assert.ErrorIs(t, err, domain.ErrOutOfDomain)
}

func TestPriceIndex_RangeVolume(t *testing.T) {
	ix := newTestIndex(t)

	require.NoError(t, ix.Update(10, 1))
	require.NoError(t, ix.Update(20, 2))
	require.NoError(t, ix.Update(30, 4))

	assert.InDelta(t, 7, ix.RangeVolume(0, 9999), 1e-9)
	assert.InDelta(t, 3, ix.RangeVolume(10, 20), 1e-9)
	assert.InDelta(t, 6, ix.RangeVolume(11, 9999), 1e-9)
	assert.InDelta(t, 0, ix.RangeVolume(11, 19), 1e-9)

	// Clamped and inverted bounds.
	assert.InDelta(t, 7, ix.RangeVolume(-5, 50000), 1e-9)
	assert.InDelta(t, 0, ix.RangeVolume(30, 10), 1e-9)
}

func TestPriceIndex_RangePartitionSumsToTotal(t *testing.T) {
	ix := newTestIndex(t)

	for b := 0; b < ix.Buckets(); b += 37 {
		require.NoError(t, ix.Update(b, float64(b%11)+0.25))
	}

	// Summing disjoint ranges that cover the domain must reproduce the root.
	var sum float64
	for lo := 0; lo < ix.Buckets(); lo += 1000 {
		sum += ix.RangeVolume(lo, lo+999)
	}
	assert.InDelta(t, ix.TotalVolume(), sum, 1e-6)
}

func TestPriceIndex_FirstLastNonEmpty(t *testing.T) {
	ix := newTestIndex(t)

	assert.Equal(t, -1, ix.FirstNonEmpty(0))
	assert.Equal(t, -1, ix.LastNonEmpty(9999))

	require.NoError(t, ix.Update(500, 1))
	require.NoError(t, ix.Update(7000, 2))

	assert.Equal(t, 500, ix.FirstNonEmpty(0))
	assert.Equal(t, 500, ix.FirstNonEmpty(500))
	assert.Equal(t, 7000, ix.FirstNonEmpty(501))
	assert.Equal(t, -1, ix.FirstNonEmpty(7001))

	assert.Equal(t, 7000, ix.LastNonEmpty(9999))
	assert.Equal(t, 7000, ix.LastNonEmpty(7000))
	assert.Equal(t, 500, ix.LastNonEmpty(6999))
	assert.Equal(t, -1, ix.LastNonEmpty(499))

	// Emptying a bucket makes it invisible again.
	require.NoError(t, ix.Update(500, -1))
	assert.Equal(t, 7000, ix.FirstNonEmpty(0))
}
