package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/web-archiver/internal/progress"
)

// PrometheusSink exports archiving progress via Prometheus. It owns the
// collectors for snapshots started/running/finished and per-extractor runs.
type PrometheusSink struct {
	snapshotsStarted  prometheus.Counter
	snapshotsFinished *prometheus.CounterVec
	snapshotsRunning  prometheus.Gauge
	snapshotRuntime   *prometheus.HistogramVec

	extractorRuns     *prometheus.CounterVec
	extractorDuration *prometheus.HistogramVec
	artifactBytes     *prometheus.CounterVec

	tracker *snapshotTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		snapshotsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archiver_snapshots_started_total",
			Help: "Total snapshot runs that have started.",
		}),
		snapshotsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_snapshots_finished_total",
			Help: "Total snapshot runs finished partitioned by aggregate status.",
		}, []string{"status"}),
		snapshotsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "archiver_snapshots_running",
			Help: "Current number of snapshot runs in progress.",
		}),
		snapshotRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archiver_snapshot_runtime_seconds",
			Help:    "Wall time per snapshot run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"status"}),
		extractorRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_extractor_runs_total",
			Help: "Extractor attempts partitioned by extractor and outcome.",
		}, []string{"extractor", "status"}),
		extractorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archiver_extractor_duration_seconds",
			Help:    "Extractor attempt duration partitioned by extractor and outcome.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900},
		}, []string{"extractor", "status"}),
		artifactBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archiver_artifact_bytes_total",
			Help: "Bytes of artifacts produced per extractor.",
		}, []string{"extractor"}),
		tracker: newSnapshotTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.snapshotsStarted,
		s.snapshotsFinished,
		s.snapshotsRunning,
		s.snapshotRuntime,
		s.extractorRuns,
		s.extractorDuration,
		s.artifactBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSnapshotStart:
		s.snapshotsStarted.Inc()
		if s.tracker.start(evt.SnapshotID) {
			s.snapshotsRunning.Inc()
		}
	case progress.StageSnapshotDone:
		status := string(evt.Status)
		s.snapshotsFinished.WithLabelValues(status).Inc()
		if evt.Dur > 0 {
			s.snapshotRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.SnapshotID) {
			s.snapshotsRunning.Dec()
		}
	case progress.StageExtractorDone:
		s.handleExtractorEvent(evt)
	}
}

func (s *PrometheusSink) handleExtractorEvent(evt progress.Event) {
	status := string(evt.Status)
	s.extractorRuns.WithLabelValues(evt.Extractor, status).Inc()
	if evt.Dur > 0 {
		s.extractorDuration.WithLabelValues(evt.Extractor, status).Observe(evt.Dur.Seconds())
	}
	if evt.Bytes > 0 {
		s.artifactBytes.WithLabelValues(evt.Extractor).Add(float64(evt.Bytes))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type snapshotTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newSnapshotTracker() *snapshotTracker {
	return &snapshotTracker{running: make(map[[16]byte]struct{})}
}

func (t *snapshotTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *snapshotTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
