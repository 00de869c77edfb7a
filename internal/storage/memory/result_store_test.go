package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

func TestResultStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewResultStore()
	ctx := context.Background()
	snap := archive.Snapshot{ID: "snap-1", URL: "https://example.com/", Status: archive.StatusQueued}

	require.NoError(t, store.CreateSnapshot(ctx, snap))
	require.Error(t, store.CreateSnapshot(ctx, snap))

	require.NoError(t, store.Save(ctx, "snap-1", "static", archive.ExtractorResult{
		Status:    archive.StatusSucceeded,
		Artifacts: []archive.Artifact{{Path: "static/index.html", Size: 10}},
	}))
	results, err := store.Load(ctx, "snap-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "static", results["static"].Extractor)

	results["static"].Artifacts[0].Path = "modified"
	again, err := store.Load(ctx, "snap-1")
	require.NoError(t, err)
	require.Equal(t, "static/index.html", again["static"].Artifacts[0].Path)

	require.NoError(t, store.SaveStatus(ctx, "snap-1", archive.StatusSucceeded, time.Unix(10, 0)))
	got, err := store.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	require.Equal(t, archive.StatusSucceeded, got.Status)
	require.Equal(t, 1, store.Saves())
}

func TestResultStoreMissingSnapshot(t *testing.T) {
	t.Parallel()

	store := NewResultStore()
	ctx := context.Background()
	_, err := store.GetSnapshot(ctx, "missing")
	require.ErrorIs(t, err, archive.ErrNotFound)
	require.ErrorIs(t, store.SaveStatus(ctx, "missing", archive.StatusFailed, time.Now()), archive.ErrNotFound)
	require.ErrorIs(t, store.UpdateSnapshot(ctx, archive.Snapshot{ID: "missing"}), archive.ErrNotFound)

	results, err := store.Load(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, results)
}
