// Package simple contains permissive policy implementations.
package simple

import (
	"context"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// Unlimited lets every networked extractor through at once. It implements
// archive.Limiter for deployments that turn rate limiting off.
type Unlimited struct{}

var _ archive.Limiter = Unlimited{}

// New creates a new Unlimited policy.
func New() Unlimited {
	return Unlimited{}
}

// Wait returns immediately unless ctx is already done.
func (Unlimited) Wait(ctx context.Context, _ string) error {
	return ctx.Err()
}
