package feed

import (
	"fmt"
	"strconv"
	"time"

	"github.com/quantfeed/bookmirror/internal/domain"
)

// subscribeCommand is the subscription request sent after connecting.
// The exchange expects a single message listing products and channels.
type subscribeCommand struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// wireMessage is the envelope for every message on the full and ticker
// channels. Decimal fields arrive as strings and are parsed on demand.
type wireMessage struct {
	Type          string `json:"type"`
	ProductID     string `json:"product_id"`
	Sequence      int64  `json:"sequence"`
	Time          string `json:"time"`
	OrderID       string `json:"order_id"`
	MakerOrderID  string `json:"maker_order_id"`
	TakerOrderID  string `json:"taker_order_id"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	RemainingSize string `json:"remaining_size"`
	NewSize       string `json:"new_size"`
	OldSize       string `json:"old_size"`
	Reason        string `json:"reason"`
	Message       string `json:"message"`

	// Ticker channel fields.
	TradeID   int64  `json:"trade_id"`
	LastSize  string `json:"last_size"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Open24h   string `json:"open_24h"`
	Volume24h string `json:"volume_24h"`
}

// decodeEvent maps a wire message onto a domain event. The second return
// value is false for message types that carry no book mutation (received,
// activate, heartbeat, subscriptions) and for change messages without a
// price, which describe funds changes on orders not yet on the book.
func decodeEvent(msg *wireMessage) (domain.Event, bool, error) {
	ev := domain.Event{
		Product:  msg.ProductID,
		Sequence: msg.Sequence,
		Side:     domain.Side(msg.Side),
	}

	if msg.Time != "" {
		if ts, err := time.Parse(time.RFC3339Nano, msg.Time); err == nil {
			ev.Time = ts
		}
	}

	var err error
	switch msg.Type {
	case "open":
		ev.Type = domain.EventOpen
		ev.OrderID = msg.OrderID
		ev.Price, err = parseDecimal(msg.Price)
		if err == nil {
			ev.Size, err = parseDecimal(msg.RemainingSize)
		}

	case "change":
		if msg.Price == "" {
			return domain.Event{}, false, nil
		}
		ev.Type = domain.EventChange
		ev.OrderID = msg.OrderID
		ev.Price, err = parseDecimal(msg.Price)
		if err == nil {
			ev.Size, err = parseDecimal(msg.NewSize)
		}

	case "done":
		ev.Type = domain.EventDone
		ev.OrderID = msg.OrderID
		// Market orders report done with no price.
		if msg.Price != "" {
			ev.Price, err = parseDecimal(msg.Price)
		}

	case "match":
		ev.Type = domain.EventMatch
		ev.OrderID = msg.MakerOrderID
		ev.Price, err = parseDecimal(msg.Price)
		if err == nil {
			ev.Size, err = parseDecimal(msg.Size)
		}

	default:
		return domain.Event{}, false, nil
	}

	if err != nil {
		return domain.Event{}, false, fmt.Errorf("feed: decode %s: %w", msg.Type, err)
	}

	return ev, true, nil
}

// decodeTicker maps a ticker channel message onto a domain tick. The second
// return value is false for the trade-less ticker sent right after
// subscribing, which carries the touch but no last trade.
func decodeTicker(msg *wireMessage) (domain.Ticker, bool, error) {
	if msg.TradeID == 0 || msg.Price == "" {
		return domain.Ticker{}, false, nil
	}

	tick := domain.Ticker{
		Product:  msg.ProductID,
		TradeID:  msg.TradeID,
		Sequence: msg.Sequence,
		Side:     domain.Side(msg.Side),
	}

	var err error
	tick.Price, err = parseDecimal(msg.Price)
	if err != nil {
		return domain.Ticker{}, false, fmt.Errorf("feed: decode ticker: %w", err)
	}
	tick.Size = parseOptionalDecimal(msg.LastSize)
	tick.BestBid = parseOptionalDecimal(msg.BestBid)
	tick.BestAsk = parseOptionalDecimal(msg.BestAsk)
	tick.Open24h = parseOptionalDecimal(msg.Open24h)
	tick.Volume24h = parseOptionalDecimal(msg.Volume24h)

	if msg.Time != "" {
		if ts, perr := time.Parse(time.RFC3339Nano, msg.Time); perr == nil {
			tick.Time = ts
		}
	}
	if tick.Time.IsZero() {
		tick.Time = time.Now().UTC()
	}
	return tick, true, nil
}

func parseDecimal(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty decimal field")
	}
	return strconv.ParseFloat(s, 64)
}

// parseOptionalDecimal treats absent or malformed values as zero. Ticker
// stats fields are informational and never gate the insert.
func parseOptionalDecimal(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
