package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SnapshotRow mirrors one row of the snapshots index table.
type SnapshotRow struct {
	ID  uuid.UUID
	URL string
	// Status is the aggregate snapshot status; empty leaves the column untouched.
	Status    string
	UpdatedAt time.Time
}

// ExtractorRun mirrors the latest attempt of one extractor for one snapshot.
type ExtractorRun struct {
	SnapshotID uuid.UUID
	Extractor  string
	Status     string
	Attempt    int
	Duration   time.Duration
	Bytes      int64
	// Note optionally stores the truncated failure reason.
	Note       *string
	FinishedAt time.Time
}

// IndexRepository mirrors snapshot progress into a queryable index. It is
// write-only; the archive directory remains the source of truth.
type IndexRepository interface {
	// UpsertSnapshot inserts the snapshot or refreshes its status and timestamp.
	UpsertSnapshot(ctx context.Context, row SnapshotRow) error
	// UpsertExtractorRun replaces the row for (snapshot, extractor).
	UpsertExtractorRun(ctx context.Context, run ExtractorRun) error
}
