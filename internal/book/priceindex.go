// Package book implements the order-book mirror core: a segment-tree price
// index per side, the per-product book state, the reader/writer latch that
// isolates samplers from the event stream, and the registry + event applier
// that tie them together.
package book

import (
	"fmt"
	"math"

	"github.com/quantfeed/bookmirror/internal/domain"
)

// bucketEpsilon absorbs float rounding when converting prices to buckets, so
// a price that is exactly on a bucket boundary lands in that bucket.
const bucketEpsilon = 1e-9

// PriceIndex maps prices in [Min, Max) onto fixed-width buckets and keeps a
// segment tree of per-bucket resting volume. Point updates and range-sum
// queries are both O(log n); the total is read off the root in O(1).
//
// The tree is a flat array of 2*size nodes with leaves at [size, 2*size);
// size is the bucket count rounded up to a power of two so that every
// internal node covers an aligned half-open bucket range.
//
// PriceIndex is not safe for concurrent use; the owning Book serializes
// access through its latch.
type PriceIndex struct {
	min     float64
	max     float64
	width   float64
	buckets int // number of addressable buckets
	size    int // buckets rounded up to a power of two
	tree    []float64
}

// NewPriceIndex creates an index over the half-open price domain [min, max)
// with the given bucket width. The domain must be non-empty and the width
// positive.
func NewPriceIndex(min, max, width float64) (*PriceIndex, error) {
	if width <= 0 {
		return nil, fmt.Errorf("book: bucket width must be positive, got %v", width)
	}
	if min < 0 || max <= min {
		return nil, fmt.Errorf("book: invalid price domain [%v, %v)", min, max)
	}
	buckets := int(math.Ceil((max - min) / width))
	if buckets < 1 {
		return nil, fmt.Errorf("book: price domain [%v, %v) narrower than one bucket", min, max)
	}

	size := 1
	for size < buckets {
		size <<= 1
	}

	return &PriceIndex{
		min:     min,
		max:     max,
		width:   width,
		buckets: buckets,
		size:    size,
		tree:    make([]float64, 2*size),
	}, nil
}

// Buckets returns the number of addressable price buckets.
func (ix *PriceIndex) Buckets() int { return ix.buckets }

// Bucket converts a price to its bucket index, or ErrOutOfDomain when the
// price falls outside [min, max).
func (ix *PriceIndex) Bucket(price float64) (int, error) {
	if price < ix.min || price >= ix.max {
		return 0, fmt.Errorf("book: price %v outside [%v, %v): %w", price, ix.min, ix.max, domain.ErrOutOfDomain)
	}
	b := int((price-ix.min)/ix.width + bucketEpsilon)
	if b >= ix.buckets {
		b = ix.buckets - 1
	}
	return b, nil
}

// Price returns the lower-bound price of the given bucket.
func (ix *PriceIndex) Price(bucket int) float64 {
	return ix.min + float64(bucket)*ix.width
}

// Update adds delta (signed) to the leaf at bucket and refreshes every
// ancestor sum on the way to the root.
func (ix *PriceIndex) Update(bucket int, delta float64) error {
	if bucket < 0 || bucket >= ix.buckets {
		return fmt.Errorf("book: bucket %d outside [0, %d): %w", bucket, ix.buckets, domain.ErrOutOfDomain)
	}
	i := ix.size + bucket
	ix.tree[i] += delta
	for i > 1 {
		ix.tree[i>>1] = ix.tree[i] + ix.tree[i^1]
		i >>= 1
	}
	return nil
}

// RangeVolume returns the sum of leaf volumes in the inclusive bucket range
// [lo, hi]. Inverted or fully out-of-range queries return 0 rather than
// failing; partially out-of-range bounds are clamped.
func (ix *PriceIndex) RangeVolume(lo, hi int) float64 {
	if lo < 0 {
		lo = 0
	}
	if hi >= ix.buckets {
		hi = ix.buckets - 1
	}
	if lo > hi {
		return 0
	}

	var sum float64
	l := ix.size + lo
	r := ix.size + hi + 1
	for l < r {
		if l&1 == 1 {
			sum += ix.tree[l]
			l++
		}
		if r&1 == 1 {
			r--
			sum += ix.tree[r]
		}
		l >>= 1
		r >>= 1
	}
	return sum
}

// TotalVolume returns the total resting volume on this side.
func (ix *PriceIndex) TotalVolume() float64 {
	return ix.tree[1]
}

// FirstNonEmpty returns the lowest bucket index >= from holding non-zero
// volume, or -1 when no such bucket exists. Used to recompute the best ask
// after the previous best level empties.
func (ix *PriceIndex) FirstNonEmpty(from int) int {
	if from < 0 {
		from = 0
	}
	if from >= ix.buckets || ix.tree[1] == 0 {
		return -1
	}
	return ix.descend(1, 0, ix.size, from, ix.buckets-1, true)
}

// LastNonEmpty returns the highest bucket index <= to holding non-zero
// volume, or -1 when no such bucket exists. Used to recompute the best bid.
func (ix *PriceIndex) LastNonEmpty(to int) int {
	if to >= ix.buckets {
		to = ix.buckets - 1
	}
	if to < 0 || ix.tree[1] == 0 {
		return -1
	}
	return ix.descend(1, 0, ix.size, 0, to, false)
}

// descend walks the tree from node (covering [nodeLo, nodeHi)) towards the
// first (lowest==true) or last non-empty leaf within [lo, hi]. Each level
// visits at most two children, keeping the walk O(log n).
func (ix *PriceIndex) descend(node, nodeLo, nodeHi, lo, hi int, lowest bool) int {
	if nodeHi <= lo || nodeLo > hi || ix.tree[node] == 0 {
		return -1
	}
	if nodeHi-nodeLo == 1 {
		return nodeLo
	}
	mid := (nodeLo + nodeHi) / 2
	first, second := 2*node, 2*node+1
	firstLo, firstHi, secondLo, secondHi := nodeLo, mid, mid, nodeHi
	if !lowest {
		first, second = second, first
		firstLo, firstHi, secondLo, secondHi = mid, nodeHi, nodeLo, mid
	}
	if found := ix.descend(first, firstLo, firstHi, lo, hi, lowest); found >= 0 {
		return found
	}
	return ix.descend(second, secondLo, secondHi, lo, hi, lowest)
}
