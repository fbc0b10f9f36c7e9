package book

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quantfeed/bookmirror/internal/domain"
)

// validEventTypes is the closed variant the applier accepts.
var validEventTypes = map[domain.EventType]bool{
	domain.EventOpen:   true,
	domain.EventChange: true,
	domain.EventDone:   true,
	domain.EventMatch:  true,
}

// Applier is the dispatch boundary between the typed event stream and the
// books. It validates events, resolves the target book through the registry,
// and applies each event under that book's write section. Feed
// inconsistencies that the mirror tolerates are logged here and swallowed;
// everything else is returned to the caller.
type Applier struct {
	registry *Registry
	logger   *slog.Logger
}

// NewApplier creates an Applier over the given registry.
func NewApplier(registry *Registry, logger *slog.Logger) *Applier {
	return &Applier{
		registry: registry,
		logger:   logger.With(slog.String("component", "applier")),
	}
}

// Apply routes one event to its book. It returns an error only for failures
// the caller should act on (lock timeout, divergence on duplicate open);
// tolerated feed inconsistencies — unknown products at dispatch, unknown
// order ids on change, out-of-domain prices — are logged and dropped so the
// stream keeps flowing.
func (a *Applier) Apply(ctx context.Context, ev domain.Event) error {
	if !validEventTypes[ev.Type] {
		a.logger.Warn("dropping unsupported event type",
			slog.String("type", string(ev.Type)),
			slog.String("product", ev.Product),
		)
		return fmt.Errorf("applier: event type %q: %w", ev.Type, domain.ErrUnsupportedEvent)
	}

	b, err := a.registry.Get(ev.Product)
	if err != nil {
		a.logger.Warn("dropping event for unconfigured product",
			slog.String("product", ev.Product),
		)
		return err
	}

	err = b.Apply(ctx, ev)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrUnknownOrder):
		// Resize of an order we never saw; the feed and the mirror disagree
		// on this one order but the book is still internally consistent.
		a.logger.Warn("change for unknown order dropped",
			slog.String("product", ev.Product),
			slog.String("order_id", ev.OrderID),
		)
		return nil
	case errors.Is(err, domain.ErrOutOfDomain):
		a.logger.Warn("event outside configured price domain dropped",
			slog.String("product", ev.Product),
			slog.Float64("price", ev.Price),
		)
		return nil
	default:
		return err
	}
}
