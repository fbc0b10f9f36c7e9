package domain

import (
	"context"
	"time"
)

// Ticker is one trade-level tick from the exchange ticker channel: the last
// trade together with the touch and the 24h stats at that moment.
type Ticker struct {
	Product   string
	TradeID   int64
	Sequence  int64
	Price     float64
	Size      float64
	Side      Side
	BestBid   float64
	BestAsk   float64
	Open24h   float64
	Volume24h float64
	Time      time.Time
}

// TickerStore persists ticker ticks.
type TickerStore interface {
	Insert(ctx context.Context, tick Ticker) error
}
