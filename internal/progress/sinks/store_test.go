package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/progress"
	"github.com/JakeFAU/web-archiver/internal/store"
)

// TestStoreSinkCollapsesBatch ensures only the newest row per key reaches the repository.
func TestStoreSinkCollapsesBatch(t *testing.T) {
	t.Parallel()

	repo := &fakeIndexRepo{}
	sink := NewStoreSink(repo, nil)
	id := uuid.New()
	key := [16]byte(id)
	now := time.Now()

	batch := []progress.Event{
		{SnapshotID: key, Stage: progress.StageSnapshotStart, URL: "https://example.com/", TS: now},
		{SnapshotID: key, Stage: progress.StageExtractorDone, Extractor: "wget",
			Status: archive.StatusFailed, Attempt: 1, Note: "exit status 4", TS: now.Add(time.Second)},
		{SnapshotID: key, Stage: progress.StageExtractorDone, Extractor: "wget",
			Status: archive.StatusSucceeded, Attempt: 2, Bytes: 99, TS: now.Add(2 * time.Second)},
		{SnapshotID: key, Stage: progress.StageSnapshotStatus, Status: archive.StatusStarted, TS: now.Add(time.Second)},
		{SnapshotID: key, Stage: progress.StageSnapshotStatus, Status: archive.StatusSucceeded, TS: now.Add(3 * time.Second)},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.snapshots, 1)
	require.Equal(t, id, repo.snapshots[0].ID)
	require.Equal(t, "https://example.com/", repo.snapshots[0].URL)
	require.Equal(t, "succeeded", repo.snapshots[0].Status)

	require.Len(t, repo.runs, 1)
	run := repo.runs[0]
	require.Equal(t, "wget", run.Extractor)
	require.Equal(t, 2, run.Attempt)
	require.Equal(t, int64(99), run.Bytes)
	require.Nil(t, run.Note)
}

// TestStoreSinkIgnoresOutOfOrderEvents keeps the newest row when events arrive late.
func TestStoreSinkIgnoresOutOfOrderEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeIndexRepo{}
	sink := NewStoreSink(repo, nil)
	key := [16]byte(uuid.New())
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SnapshotID: key, Stage: progress.StageExtractorDone, Extractor: "dom",
			Status: archive.StatusSucceeded, Attempt: 2, TS: now.Add(time.Second)},
		{SnapshotID: key, Stage: progress.StageExtractorDone, Extractor: "dom",
			Status: archive.StatusFailed, Attempt: 1, Note: "boom", TS: now},
	}))
	require.Len(t, repo.runs, 1)
	require.Equal(t, "succeeded", repo.runs[0].Status)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeIndexRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{SnapshotID: [16]byte(uuid.New()), Stage: progress.StageSnapshotStart, URL: "https://example.com/", TS: time.Now()},
	})
	require.ErrorContains(t, err, "upsert snapshot index")
}

func TestStoreSinkWithoutRepoIsNoop(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(nil, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SnapshotID: [16]byte(uuid.New()), Stage: progress.StageSnapshotStart, TS: time.Now()},
	}))
	require.NoError(t, sink.Close(context.Background()))
}

type fakeIndexRepo struct {
	fail      bool
	snapshots []store.SnapshotRow
	runs      []store.ExtractorRun
}

func (f *fakeIndexRepo) UpsertSnapshot(_ context.Context, row store.SnapshotRow) error {
	if f.fail {
		return assertErr("snapshot")
	}
	f.snapshots = append(f.snapshots, row)
	return nil
}

func (f *fakeIndexRepo) UpsertExtractorRun(_ context.Context, run store.ExtractorRun) error {
	if f.fail {
		return assertErr("run")
	}
	f.runs = append(f.runs, run)
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
