package headless

import (
	"context"

	"github.com/JakeFAU/web-archiver/internal/fetcher"
)

// ErrDisabled is returned when no browser is configured.
var ErrDisabled = fetcher.ErrDisabled

// Noop implements fetcher.Renderer when headless Chrome is disabled.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always returns ErrDisabled.
func (Noop) Fetch(_ context.Context, _ fetcher.Request) (fetcher.Response, error) {
	return fetcher.Response{}, ErrDisabled
}

// Screenshot always returns ErrDisabled.
func (Noop) Screenshot(_ context.Context, _ fetcher.Request) ([]byte, error) {
	return nil, ErrDisabled
}

// PDF always returns ErrDisabled.
func (Noop) PDF(_ context.Context, _ fetcher.Request) ([]byte, error) {
	return nil, ErrDisabled
}
