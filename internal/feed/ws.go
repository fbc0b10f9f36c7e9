package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfeed/bookmirror/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// EventHandler is called for every decoded book event.
type EventHandler func(domain.Event)

// TickerHandler is called for every decoded ticker tick.
type TickerHandler func(domain.Ticker)

// WSClient is a WebSocket client for the exchange market data feed. It
// manages the connection lifecycle, the subscription, and dispatches decoded
// events to registered handlers.
type WSClient struct {
	wsURL            string
	handshakeTimeout time.Duration
	conn             *websocket.Conn
	logger           *slog.Logger

	mu     sync.RWMutex
	closed bool

	// Subscription to restore on reconnect.
	subscription *subscribeCommand

	handlers       []EventHandler
	tickerHandlers []TickerHandler
	handlerMu      sync.RWMutex

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a new WebSocket client for the given feed URL,
// e.g. "wss://ws-feed.exchange.coinbase.com".
func NewWSClient(wsURL string, handshakeTimeout time.Duration, logger *slog.Logger) *WSClient {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 15 * time.Second
	}
	return &WSClient{
		wsURL:            wsURL,
		handshakeTimeout: handshakeTimeout,
		logger:           logger.With(slog.String("component", "ws_client")),
		done:             make(chan struct{}),
	}
}

// Connect establishes a WebSocket connection to the feed endpoint.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("feed: connect: client closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: w.handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}

	w.conn = conn

	// Set up pong handler for keep-alive.
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop()
	go w.pingLoop()

	// Restore the subscription after a reconnect.
	if w.subscription != nil {
		if err := w.sendCommand(*w.subscription); err != nil {
			return fmt.Errorf("feed: restore subscription: %w", err)
		}
	}

	return nil
}

// Subscribe subscribes to the given channels for the specified products.
// The "full" channel carries the per-order book events; "heartbeat" keeps
// sequence numbers flowing during quiet periods.
func (w *WSClient) Subscribe(ctx context.Context, channels []string, productIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("feed: not connected")
	}

	cmd := subscribeCommand{
		Type:       "subscribe",
		ProductIDs: productIDs,
		Channels:   channels,
	}

	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	// Track for reconnection.
	w.subscription = &cmd

	return nil
}

// Close shuts down the WebSocket connection and stops the read loop.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		// Send a close message to the server.
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// OnEvent registers a handler that is called for every decoded book event.
func (w *WSClient) OnEvent(handler EventHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// OnTicker registers a handler that is called for every decoded ticker tick.
func (w *WSClient) OnTicker(handler TickerHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.tickerHandlers = append(w.tickerHandlers, handler)
}

// sendCommand sends a JSON command to the WebSocket. Caller must hold w.mu.
func (w *WSClient) sendCommand(cmd subscribeCommand) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads messages from the WebSocket and dispatches
// them to the registered handlers. It runs in its own goroutine. On
// disconnect it attempts to reconnect with exponential backoff.
func (w *WSClient) readLoop() {
	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			conn.Close()

			// Check if we've been shut down.
			select {
			case <-w.done:
				return
			default:
			}

			// Attempt reconnection.
			w.reconnect()
			return // readLoop is restarted by reconnect -> Connect
		}

		w.handleMessage(message)
	}
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw WebSocket message, decodes it into a domain
// event, and invokes the registered handlers.
func (w *WSClient) handleMessage(raw []byte) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return // Silently drop unparseable messages.
	}

	switch msg.Type {
	case "subscriptions":
		w.logger.Debug("subscription confirmed")
		return
	case "error":
		w.logger.Warn("feed error message", slog.String("message", msg.Message), slog.String("reason", msg.Reason))
		return
	case "ticker":
		w.handleTicker(&msg)
		return
	}

	ev, ok, err := decodeEvent(&msg)
	if err != nil {
		w.logger.Warn("event decode failed", slog.String("type", msg.Type), slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (w *WSClient) handleTicker(msg *wireMessage) {
	tick, ok, err := decodeTicker(msg)
	if err != nil {
		w.logger.Warn("ticker decode failed", slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}

	w.handlerMu.RLock()
	handlers := w.tickerHandlers
	w.handlerMu.RUnlock()

	for _, h := range handlers {
		h(tick)
	}
}

// reconnect attempts to re-establish the WebSocket connection with
// exponential backoff. It blocks until successful or the client is closed.
func (w *WSClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), w.handshakeTimeout)
		err := w.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		w.logger.Warn("reconnect failed", slog.String("error", err.Error()))

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
