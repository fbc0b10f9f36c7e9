package book

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/quantfeed/bookmirror/internal/domain"
)

// Registry is the process-wide product → book mapping. It is built once at
// startup from configuration and never changes afterwards, so lookups need
// no synchronization; all per-book locking lives inside the books.
type Registry struct {
	books map[string]*Book
}

// NewRegistry creates one book per config entry. Any invalid price-domain
// configuration fails registry construction, which is fatal at startup.
func NewRegistry(cfgs []Config, logger *slog.Logger) (*Registry, error) {
	books := make(map[string]*Book, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Product == "" {
			return nil, fmt.Errorf("book: registry: product symbol must not be empty")
		}
		if _, dup := books[cfg.Product]; dup {
			return nil, fmt.Errorf("book: registry: product %s configured twice", cfg.Product)
		}
		b, err := New(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("book: registry: %w", err)
		}
		books[cfg.Product] = b
	}
	return &Registry{books: books}, nil
}

// Get returns the book for product, or domain.ErrUnknownProduct when the
// product was not configured at startup.
func (r *Registry) Get(product string) (*Book, error) {
	b, ok := r.books[product]
	if !ok {
		return nil, fmt.Errorf("book: registry: %s: %w", product, domain.ErrUnknownProduct)
	}
	return b, nil
}

// Products returns the configured product symbols in stable order.
func (r *Registry) Products() []string {
	out := make([]string, 0, len(r.books))
	for p := range r.books {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
