package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-archiver/internal/archive"
	pubmemory "github.com/JakeFAU/web-archiver/internal/publisher/memory"
	"github.com/JakeFAU/web-archiver/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestRepairRewritesDriftedStatuses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewResultStore()
	pub := pubmemory.New()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateSnapshot(ctx, archive.Snapshot{ID: id, URL: "https://example.com/" + id, Status: archive.StatusStarted}))
	}
	// a: stale "started" although static succeeded.
	require.NoError(t, store.Save(ctx, "a", "static", archive.ExtractorResult{Status: archive.StatusSucceeded}))
	// b: already consistent.
	require.NoError(t, store.Save(ctx, "b", "static", archive.ExtractorResult{Status: archive.StatusStarted}))
	// c: no results at all, should fall back to queued.

	cfg := RepairConfig{
		Store:     store,
		Required:  []string{"static"},
		Publisher: pub,
		Topic:     "status",
		Clock:     fixedClock{t: time.Unix(1700000000, 0)},
	}
	report, err := Repair(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, RepairReport{Checked: 3, Updated: 2}, report)

	snapA, err := store.GetSnapshot(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, archive.StatusSucceeded, snapA.Status)
	snapC, err := store.GetSnapshot(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, archive.StatusQueued, snapC.Status)

	events := pub.StatusEvents()
	require.Len(t, events, 2)
	require.Equal(t, archive.StatusEvent{
		SnapshotID: "a",
		URL:        "https://example.com/a",
		Status:     archive.StatusSucceeded,
		Timestamp:  time.Unix(1700000000, 0).UTC(),
	}, events[0])
	require.Equal(t, "c", events[1].SnapshotID)
	require.Equal(t, archive.StatusQueued, events[1].Status)

	// A second pass finds nothing to do and publishes nothing.
	cfg.Clock = fixedClock{t: time.Unix(1700000001, 0)}
	report, err = Repair(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, 0, report.Updated)
	require.Len(t, pub.StatusEvents(), 2)
}

func TestRepairUsesRecordedRequiredSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewResultStore()
	// The last run only required dom, which failed; static succeeding does
	// not make the snapshot succeed.
	require.NoError(t, store.CreateSnapshot(ctx, archive.Snapshot{
		ID:       "a",
		URL:      "https://example.com/",
		Status:   archive.StatusFailed,
		Required: []string{"dom"},
	}))
	require.NoError(t, store.Save(ctx, "a", "static", archive.ExtractorResult{Status: archive.StatusSucceeded}))
	require.NoError(t, store.Save(ctx, "a", "dom", archive.ExtractorResult{Status: archive.StatusFailed}))

	report, err := Repair(ctx, RepairConfig{Store: store, Required: []string{"static"}, Clock: fixedClock{}})
	require.NoError(t, err)
	require.Equal(t, RepairReport{Checked: 1, Updated: 0}, report)
}

func TestRepairToleratesPublishFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewResultStore()
	pub := pubmemory.New()
	pub.FailWith(errors.New("topic gone"))
	require.NoError(t, store.CreateSnapshot(ctx, archive.Snapshot{ID: "a", Status: archive.StatusStarted}))
	require.NoError(t, store.Save(ctx, "a", "static", archive.ExtractorResult{Status: archive.StatusSucceeded}))

	report, err := Repair(ctx, RepairConfig{Store: store, Publisher: pub, Topic: "status", Clock: fixedClock{}})
	require.NoError(t, err)
	require.Equal(t, 1, report.Updated)
}

func TestRepairHonorsCancellation(t *testing.T) {
	t.Parallel()

	store := memory.NewResultStore()
	require.NoError(t, store.CreateSnapshot(context.Background(), archive.Snapshot{ID: "a", Status: archive.StatusQueued}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Repair(ctx, RepairConfig{Store: store, Clock: fixedClock{}})
	require.ErrorIs(t, err, context.Canceled)
}
