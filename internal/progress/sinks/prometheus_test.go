package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow the event stream.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	id := [16]byte(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{SnapshotID: id, TS: now, Stage: progress.StageSnapshotStart},
		{SnapshotID: id, TS: now, Stage: progress.StageExtractorStart, Extractor: "static", Attempt: 1},
		{
			SnapshotID: id,
			TS:         now.Add(time.Second),
			Stage:      progress.StageExtractorDone,
			Extractor:  "static",
			Status:     archive.StatusSucceeded,
			Attempt:    1,
			Dur:        200 * time.Millisecond,
			Bytes:      1024,
		},
		{
			SnapshotID: id,
			TS:         now.Add(2 * time.Second),
			Stage:      progress.StageExtractorDone,
			Extractor:  "wget",
			Status:     archive.StatusTimedOut,
			Attempt:    1,
			Dur:        time.Second,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.snapshotsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.snapshotsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.extractorRuns.WithLabelValues("static", "succeeded")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.extractorRuns.WithLabelValues("wget", "timed_out")))
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.artifactBytes.WithLabelValues("static")), 1e-9)
	require.Equal(t, 2, testutil.CollectAndCount(sink.extractorDuration, "archiver_extractor_duration_seconds"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SnapshotID: id, TS: now.Add(3 * time.Second), Stage: progress.StageSnapshotDone,
			Status: archive.StatusSucceeded, Dur: 3 * time.Second},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.snapshotsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.snapshotsFinished.WithLabelValues("succeeded")))
}

// TestPrometheusSinkRunningGaugeIgnoresDuplicates keeps the gauge honest on replays.
func TestPrometheusSinkRunningGaugeIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	id := [16]byte(uuid.New())
	start := progress.Event{SnapshotID: id, TS: time.Now(), Stage: progress.StageSnapshotStart}
	done := progress.Event{SnapshotID: id, TS: time.Now(), Stage: progress.StageSnapshotDone, Status: archive.StatusFailed}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{start, start}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.snapshotsRunning))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{done, done}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.snapshotsRunning))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.ErrorContains(t, err, "register progress collector")
}
