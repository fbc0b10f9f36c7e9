package domain

import "time"

// RangeVolume is the resting volume on one side of a book within an
// inclusive price range.
type RangeVolume struct {
	Side    Side
	Low     float64
	High    float64
	Percent float64 // percent band around the last trade that produced this range, 0 for ad-hoc queries
	Volume  float64
}

// Snapshot is an immutable point-in-time view of one product's book. It is
// built under a read section and never mutated afterwards, so callers may
// persist or transmit it without further synchronization.
type Snapshot struct {
	ID        string // uuid assigned by the sampler
	Product   string
	Timestamp time.Time
	BestBid   float64
	BestAsk   float64
	LastTrade float64
	BidVolume float64 // total resting bid volume
	AskVolume float64 // total resting ask volume
	Ranges    []RangeVolume
}

// TotalVolume returns the combined resting volume on both sides.
func (s Snapshot) TotalVolume() float64 {
	return s.BidVolume + s.AskVolume
}
