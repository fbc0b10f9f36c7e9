package domain

import "errors"

var (
	// ErrOutOfDomain means a price falls outside a book's configured price
	// domain. The event is rejected and the book is left untouched.
	ErrOutOfDomain = errors.New("price out of configured domain")

	// ErrDuplicateOrder means an open event carried an order id that is
	// already resting. This indicates the mirror has diverged from the feed
	// and is not tolerated.
	ErrDuplicateOrder = errors.New("duplicate order id")

	// ErrUnknownOrder means a change referenced an order id that is not
	// resting on the book.
	ErrUnknownOrder = errors.New("unknown order id")

	// ErrUnsupportedEvent means the event type is not one of the closed set.
	ErrUnsupportedEvent = errors.New("unsupported event type")

	// ErrUnknownProduct means the product symbol is not configured in the
	// registry.
	ErrUnknownProduct = errors.New("unknown product")

	// ErrLockTimeout means a read or write section could not be entered
	// within the configured bound. Retryable.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrInvalidEvent means an event failed boundary validation (zero or
	// negative size on open, missing order id, bad side).
	ErrInvalidEvent = errors.New("invalid event")

	// ErrNotFound is returned by stores and caches when a record is absent.
	ErrNotFound = errors.New("not found")
)
