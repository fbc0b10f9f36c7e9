package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantfeed/bookmirror/internal/domain"
	"github.com/quantfeed/bookmirror/internal/notify"
)

// EventSink receives decoded book events in feed order.
type EventSink interface {
	Apply(ctx context.Context, ev domain.Event) error
}

// ExchangeFeed connects to the exchange WebSocket, subscribes to the
// configured channels for the given products, and pushes every decoded
// event into the sink. Ticker ticks go to the ticker store when one is
// configured. It retries the connection until ctx is cancelled.
type ExchangeFeed struct {
	wsURL            string
	channels         []string
	products         []string
	handshakeTimeout time.Duration
	retryDelay       time.Duration
	sink             EventSink
	tickers          domain.TickerStore
	notifier         *notify.Notifier
	logger           *slog.Logger
	closeOnce        sync.Once
	done             chan struct{}
}

// Config carries the feed connection settings.
type Config struct {
	WSURL            string
	Channels         []string
	Products         []string
	HandshakeTimeout time.Duration
	RetryDelay       time.Duration
}

// NewExchangeFeed creates a feed for the given products. A nil ticker store
// drops ticker messages; the notifier may be nil as well.
func NewExchangeFeed(cfg Config, sink EventSink, tickers domain.TickerStore, notifier *notify.Notifier, logger *slog.Logger) *ExchangeFeed {
	retry := cfg.RetryDelay
	if retry <= 0 {
		retry = reconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	return &ExchangeFeed{
		wsURL:            cfg.WSURL,
		channels:         cfg.Channels,
		products:         cfg.Products,
		handshakeTimeout: cfg.HandshakeTimeout,
		retryDelay:       retry,
		sink:             sink,
		tickers:          tickers,
		notifier:         notifier,
		logger:           logger.With(slog.String("component", "exchange_feed")),
		done:             make(chan struct{}),
	}
}

// Run connects, subscribes, and runs until ctx is cancelled. Initial and
// repeated connection failures are retried with a fixed delay and reported
// through the notifier.
func (f *ExchangeFeed) Run(ctx context.Context) error {
	if len(f.products) == 0 {
		f.logger.Info("no products to subscribe, exiting")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}
		err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("feed connection failed, retrying", slog.String("error", err.Error()))
		if f.notifier != nil {
			_ = f.notifier.Notify(ctx, "feed_down", "Feed connection lost",
				fmt.Sprintf("exchange feed %s: %v", f.wsURL, err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.retryDelay):
		}
	}
}

func (f *ExchangeFeed) runConnection(ctx context.Context) error {
	client := NewWSClient(f.wsURL, f.handshakeTimeout, f.logger)
	defer client.Close()

	// Handlers run on the read loop goroutine with the connection's
	// context, so in-flight latch waits unblock on shutdown.
	client.OnEvent(f.eventHandler(ctx))
	if f.tickers != nil {
		client.OnTicker(f.tickerHandler(ctx))
	}

	connCtx, cancel := context.WithTimeout(ctx, f.handshakeTimeout)
	err := client.Connect(connCtx)
	cancel()
	if err != nil {
		return err
	}
	if err := client.Subscribe(ctx, f.channels, f.products); err != nil {
		return err
	}
	f.logger.Info("feed subscribed",
		slog.Int("products", len(f.products)),
		slog.Any("channels", f.channels))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return nil
	}
}

func (f *ExchangeFeed) eventHandler(ctx context.Context) EventHandler {
	return func(ev domain.Event) {
		if err := f.sink.Apply(ctx, ev); err != nil {
			f.logger.Warn("event apply failed",
				slog.String("product", ev.Product),
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()))
		}
	}
}

func (f *ExchangeFeed) tickerHandler(ctx context.Context) TickerHandler {
	return func(tick domain.Ticker) {
		if err := f.tickers.Insert(ctx, tick); err != nil {
			f.logger.Warn("ticker insert failed",
				slog.String("product", tick.Product),
				slog.Int64("trade_id", tick.TradeID),
				slog.String("error", err.Error()))
		}
	}
}

// Close stops the feed.
func (f *ExchangeFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
