package archive

import (
	"context"
	"io"
	"time"
)

// ResultStore persists snapshots and their per-extractor results.
type ResultStore interface {
	CreateSnapshot(ctx context.Context, snap Snapshot) error
	GetSnapshot(ctx context.Context, snapshotID string) (Snapshot, error)
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
	UpdateSnapshot(ctx context.Context, snap Snapshot) error
	// Load returns the stored results keyed by extractor name. A missing or
	// unreadable record yields an empty map, never an error.
	Load(ctx context.Context, snapshotID string) (map[string]ExtractorResult, error)
	Save(ctx context.Context, snapshotID string, extractor string, result ExtractorResult) error
	SaveStatus(ctx context.Context, snapshotID string, status Status, at time.Time) error
}

// BlobStore writes artifact copies to a secondary location and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes status events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for archive requests.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Limiter throttles outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Hasher computes artifact digests.
type Hasher interface {
	Hash(data []byte) (string, error)
	HashReader(r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces snapshot IDs.
type IDGenerator interface {
	NewID() (string, error)
}
