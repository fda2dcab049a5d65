package headless

import (
	"context"
	"fmt"

	"github.com/JakeFAU/scrape-workspace/internal/fetcher"
)

// Noop stands in when headless rendering is disabled.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with fetcher.ErrDisabled.
func (Noop) Fetch(_ context.Context, url string) (fetcher.Page, error) {
	return fetcher.Page{}, fmt.Errorf("headless fetch %s: %w", url, fetcher.ErrDisabled)
}
