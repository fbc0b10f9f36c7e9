// Package domain defines the core types shared across the order-book mirror:
// the typed event stream consumed by the books, the snapshot values produced
// for collaborators, and the interfaces those collaborators implement.
package domain

import "time"

// Side indicates which half of the book an order rests on.
type Side string

const (
	SideBid Side = "buy"
	SideAsk Side = "sell"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBid || s == SideAsk
}

// EventType enumerates the closed set of order-book events the mirror
// understands. Anything else is rejected at the boundary.
type EventType string

const (
	// EventOpen places a new resting order on the book.
	EventOpen EventType = "open"
	// EventChange resizes a resting order in place.
	EventChange EventType = "change"
	// EventDone removes a resting order (cancelled or fully filled).
	EventDone EventType = "done"
	// EventMatch reports a trade against a resting maker order.
	EventMatch EventType = "match"
)

// Event is a single typed order-book event, already decoded from whatever
// wire format the feed speaks. Sequence is the exchange-assigned per-product
// sequence number; events must be delivered in sequence order.
type Event struct {
	Product  string
	Type     EventType
	OrderID  string
	Side     Side
	Price    float64
	Size     float64
	Sequence int64
	Time     time.Time
}
