// Package notify provides a multi-channel notification system. Notifications
// are dispatched to all registered senders and can be filtered by event type
// and throttled, so a wedged database does not page the operator once per
// sample cycle.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "slack").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. It maintains a
// set of allowed event types and a per-event throttle window; repeated
// notifications for the same event inside the window are dropped.
type Notifier struct {
	senders  []Sender
	events   map[string]bool // allowed event types
	throttle time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time

	logger *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders.
// Only events whose type appears in the events slice are forwarded by
// Notify; if events is empty, all event types are allowed. A zero throttle
// disables throttling.
func NewNotifier(senders []Sender, events []string, throttle time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		throttle: throttle,
		lastSent: make(map[string]time.Time),
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends a notification to all senders if the event type is allowed
// and the event is outside its throttle window.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}

	if n.throttle > 0 {
		n.mu.Lock()
		last, seen := n.lastSent[event]
		now := time.Now()
		if seen && now.Sub(last) < n.throttle {
			n.mu.Unlock()
			n.logger.DebugContext(ctx, "event throttled",
				slog.String("event", event),
			)
			return nil
		}
		n.lastSent[event] = now
		n.mu.Unlock()
	}

	return n.dispatch(ctx, title, message)
}

// dispatch iterates over all senders and sends the notification. Errors from
// individual senders are collected and returned as a combined error; a
// single sender failure does not prevent delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
