package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/bookmirror/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu     sync.Mutex
	ctxs   []context.Context
	events []domain.Event
	err    error
}

func (s *recordingSink) Apply(ctx context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxs = append(s.ctxs, ctx)
	s.events = append(s.events, ev)
	return s.err
}

type recordingTickerStore struct {
	mu    sync.Mutex
	ctxs  []context.Context
	ticks []domain.Ticker
	err   error
}

func (s *recordingTickerStore) Insert(ctx context.Context, tick domain.Ticker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxs = append(s.ctxs, ctx)
	s.ticks = append(s.ticks, tick)
	return s.err
}

func newTestFeed(sink EventSink, tickers domain.TickerStore) *ExchangeFeed {
	return NewExchangeFeed(Config{
		WSURL:    "wss://example.invalid",
		Channels: []string{"full", "ticker"},
		Products: []string{"BTC-USD"},
	}, sink, tickers, nil, testLogger())
}

func TestFeed_EventHandlerUsesConnectionContext(t *testing.T) {
	sink := &recordingSink{}
	f := newTestFeed(sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	handler := f.eventHandler(ctx)
	cancel()

	// A handler invoked after shutdown must hand the sink a cancelled
	// context so latch waits inside Apply unblock instead of hanging.
	handler(domain.Event{Product: "BTC-USD", Type: domain.EventOpen, OrderID: "x", Side: domain.SideBid, Price: 100, Size: 1})

	require.Len(t, sink.events, 1)
	assert.ErrorIs(t, sink.ctxs[0].Err(), context.Canceled)
}

func TestFeed_EventHandlerToleratesSinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("book busy")}
	f := newTestFeed(sink, nil)

	handler := f.eventHandler(context.Background())
	handler(domain.Event{Product: "BTC-USD", Type: domain.EventOpen})
	handler(domain.Event{Product: "BTC-USD", Type: domain.EventDone})

	// Failed applies are logged, not fatal; later events still flow.
	assert.Len(t, sink.events, 2)
}

func TestFeed_TickerHandlerInserts(t *testing.T) {
	store := &recordingTickerStore{}
	f := newTestFeed(&recordingSink{}, store)

	ctx, cancel := context.WithCancel(context.Background())
	handler := f.tickerHandler(ctx)

	handler(domain.Ticker{Product: "BTC-USD", TradeID: 1, Price: 100.5})
	cancel()
	handler(domain.Ticker{Product: "BTC-USD", TradeID: 2, Price: 100.6})

	require.Len(t, store.ticks, 2)
	assert.Equal(t, int64(1), store.ticks[0].TradeID)
	assert.NoError(t, store.ctxs[0].Err())
	assert.ErrorIs(t, store.ctxs[1].Err(), context.Canceled)
}

func TestFeed_TickerHandlerToleratesStoreErrors(t *testing.T) {
	store := &recordingTickerStore{err: errors.New("connection reset")}
	f := newTestFeed(&recordingSink{}, store)

	handler := f.tickerHandler(context.Background())
	handler(domain.Ticker{Product: "BTC-USD", TradeID: 1, Price: 100.5})
	handler(domain.Ticker{Product: "BTC-USD", TradeID: 2, Price: 100.6})

	assert.Len(t, store.ticks, 2)
}
