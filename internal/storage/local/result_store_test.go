package local

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

func newTestStore(t *testing.T) (*ResultStore, string) {
	t.Helper()
	root := t.TempDir()
	store, err := NewResultStore(ResultStoreConfig{Root: root})
	require.NoError(t, err)
	return store, root
}

func sampleSnapshot(id string) archive.Snapshot {
	return archive.Snapshot{
		ID:        id,
		URL:       "https://example.com/",
		CreatedAt: time.Unix(1700000000, 0).UTC(),
		Status:    archive.StatusQueued,
	}
}

func sampleResult(status archive.Status) archive.ExtractorResult {
	start := time.Unix(1700000100, 0).UTC()
	end := start.Add(2 * time.Second)
	code := 0
	return archive.ExtractorResult{
		Status:    status,
		StartedAt: &start,
		EndedAt:   &end,
		ExitCode:  &code,
		Artifacts: []archive.Artifact{{Path: "static/index.html", Size: 42, SHA256: "abc"}},
		Attempts:  1,
	}
}

func TestResultStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSnapshot(ctx, sampleSnapshot("snap-1")))
	require.NoError(t, store.Save(ctx, "snap-1", "static", sampleResult(archive.StatusSucceeded)))
	require.NoError(t, store.Save(ctx, "snap-1", "media", sampleResult(archive.StatusFailed)))

	results, err := store.Load(ctx, "snap-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, archive.StatusSucceeded, results["static"].Status)
	require.Equal(t, "static", results["static"].Extractor)
	require.Equal(t, int64(42), results["static"].Artifacts[0].Size)

	snap, err := store.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/", snap.URL)
}

func TestResultStoreLoadMissingIsEmpty(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	results, err := store.Load(context.Background(), "never-written")
	require.NoError(t, err)
	require.Empty(t, results)

	_, err = store.GetSnapshot(context.Background(), "never-written")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestResultStoreSaveIsIdempotent(t *testing.T) {
	t.Parallel()

	store, root := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSnapshot(ctx, sampleSnapshot("snap-1")))
	res := sampleResult(archive.StatusSucceeded)

	require.NoError(t, store.Save(ctx, "snap-1", "static", res))
	first, err := os.ReadFile(filepath.Join(root, "snap-1", IndexFilename))
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, "snap-1", "static", res))
	second, err := os.ReadFile(filepath.Join(root, "snap-1", IndexFilename))
	require.NoError(t, err)
	require.Equal(t, string(first), string(second))
}

func TestResultStoreCorruptIndexLoadsEmpty(t *testing.T) {
	t.Parallel()

	store, root := newTestStore(t)
	dir := filepath.Join(root, "snap-1")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	// Simulates a crash that left a truncated record behind.
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFilename), []byte(`{"snapshot": {"id": "snap`), 0o600))

	results, err := store.Load(context.Background(), "snap-1")
	require.NoError(t, err)
	require.Empty(t, results)

	require.NoError(t, store.Save(context.Background(), "snap-1", "static", sampleResult(archive.StatusSucceeded)))
	require.FileExists(t, filepath.Join(dir, IndexFilename+".corrupt"))
	results, err = store.Load(context.Background(), "snap-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestResultStoreSkipsMalformedEntries(t *testing.T) {
	t.Parallel()

	store, root := newTestStore(t)
	dir := filepath.Join(root, "snap-1")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	doc := `{
    "schema_version": 1,
    "results": {
        "static": {"extractor": "static", "status": "succeeded", "attempts": 1},
        "media": {"extractor": "media", "status": 17},
        "pdf": {"extractor": "pdf", "status": "melted"}
    }
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFilename), []byte(doc), 0o600))

	results, err := store.Load(context.Background(), "snap-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Contains(t, results, "static")
}

func TestResultStorePreservesUnknownKeys(t *testing.T) {
	t.Parallel()

	store, root := newTestStore(t)
	dir := filepath.Join(root, "snap-1")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	doc := `{
    "schema_version": 2,
    "tags": ["news", "2024"],
    "snapshot": {"id": "snap-1", "url": "https://example.com/", "status": "queued", "bookmarked": true},
    "results": {"future": {"extractor": "future", "status": "succeeded", "attempts": 1, "warc_id": "w-1"}}
}`
	path := filepath.Join(dir, IndexFilename)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	require.NoError(t, store.Save(context.Background(), "snap-1", "static", sampleResult(archive.StatusSucceeded)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &got))
	require.JSONEq(t, `["news", "2024"]`, string(got["tags"]))
	require.JSONEq(t, `2`, string(got["schema_version"]))

	var results map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(got["results"], &results))
	require.Contains(t, string(results["future"]), "warc_id")
	require.Contains(t, results, "static")

	// The embedded header moved to its own file.
	require.NotContains(t, got, "snapshot")
	snap, err := store.GetSnapshot(context.Background(), "snap-1")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/", snap.URL)
	require.FileExists(t, filepath.Join(dir, SnapshotFilename))
}

func TestResultStoreSaveStatus(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSnapshot(ctx, sampleSnapshot("snap-1")))
	at := time.Unix(1700000500, 0)
	require.NoError(t, store.SaveStatus(ctx, "snap-1", archive.StatusSucceeded, at))

	snap, err := store.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	require.Equal(t, archive.StatusSucceeded, snap.Status)
	require.NotNil(t, snap.StatusUpdatedAt)
	require.True(t, at.Equal(*snap.StatusUpdatedAt))

	require.ErrorIs(t, store.SaveStatus(ctx, "missing", archive.StatusFailed, at), archive.ErrNotFound)
}

func TestResultStoreListSnapshots(t *testing.T) {
	t.Parallel()

	store, root := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSnapshot(ctx, sampleSnapshot("b")))
	require.NoError(t, store.CreateSnapshot(ctx, sampleSnapshot("a")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "stray"), 0o750))

	snaps, err := store.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, "a", snaps[0].ID)
	require.Equal(t, "b", snaps[1].ID)
}

func TestResultStoreConcurrentSavesKeepAllEntries(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSnapshot(ctx, sampleSnapshot("snap-1")))

	names := []string{"static", "title", "headers", "favicon", "dom", "pdf", "media", "git"}
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			assert.NoError(t, store.Save(ctx, "snap-1", n, sampleResult(archive.StatusSucceeded)))
		}(name)
	}
	wg.Wait()

	results, err := store.Load(ctx, "snap-1")
	require.NoError(t, err)
	require.Len(t, results, len(names))
}

func TestResultStoreRejectsTraversalIDs(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	require.Error(t, store.Save(context.Background(), "../x", "static", sampleResult(archive.StatusSucceeded)))
	require.Error(t, store.CreateSnapshot(context.Background(), sampleSnapshot("..")))
	results, err := store.Load(context.Background(), "a/b")
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestResultStoreLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	store, root := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSnapshot(ctx, sampleSnapshot("snap-1")))
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save(ctx, "snap-1", "static", sampleResult(archive.StatusSucceeded)))
	}
	entries, err := os.ReadDir(filepath.Join(root, "snap-1"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, IndexFilename, entries[0].Name())
	require.Equal(t, SnapshotFilename, entries[1].Name())
}

func TestResultStoreCorruptIndexKeepsHeader(t *testing.T) {
	t.Parallel()

	store, root := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSnapshot(ctx, sampleSnapshot("snap-1")))
	require.NoError(t, store.Save(ctx, "snap-1", "static", sampleResult(archive.StatusSucceeded)))
	require.NoError(t, os.WriteFile(filepath.Join(root, "snap-1", IndexFilename), []byte(`{"results": {"sta`), 0o600))

	snap, err := store.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/", snap.URL)

	snaps, err := store.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	results, err := store.Load(ctx, "snap-1")
	require.NoError(t, err)
	require.Empty(t, results)

	require.NoError(t, store.Save(ctx, "snap-1", "static", sampleResult(archive.StatusFailed)))
	require.NoError(t, store.SaveStatus(ctx, "snap-1", archive.StatusFailed, time.Unix(1700000600, 0)))
	snap, err = store.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	require.Equal(t, archive.StatusFailed, snap.Status)
}

func TestResultStoreCorruptHeaderIsAnError(t *testing.T) {
	t.Parallel()

	store, root := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSnapshot(ctx, sampleSnapshot("snap-1")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "snap-1", SnapshotFilename), []byte(`{"snap`), 0o600))

	_, err := store.GetSnapshot(ctx, "snap-1")
	require.Error(t, err)
	require.NotErrorIs(t, err, archive.ErrNotFound)
	require.Error(t, store.SaveStatus(ctx, "snap-1", archive.StatusFailed, time.Unix(1700000600, 0)))

	snaps, err := store.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Empty(t, snaps)
}
