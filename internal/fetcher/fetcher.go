// Package fetcher defines the page-retrieval contracts used by the built-in
// extractors. Implementations live in the colly and headless subpackages.
package fetcher

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Request describes a single retrieval.
type Request struct {
	URL     string
	Headers http.Header
	// Method defaults to GET.
	Method string
}

// Response is the raw result of a retrieval.
type Response struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher retrieves a page over plain HTTP.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// Renderer drives a real browser for captures that need JavaScript.
type Renderer interface {
	Fetch(ctx context.Context, req Request) (Response, error)
	Screenshot(ctx context.Context, req Request) ([]byte, error)
	PDF(ctx context.Context, req Request) ([]byte, error)
}

// ErrDisabled is returned by renderers when no browser is configured.
var ErrDisabled = errors.New("headless renderer not configured")
