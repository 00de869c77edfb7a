package orchestrator

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/web-archiver/internal/aggregate"
	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/extractor"
	"github.com/JakeFAU/web-archiver/internal/progress"
	"github.com/JakeFAU/web-archiver/internal/runner"
)

// run is the in-memory state of one Archive call. Every result write goes
// through it so the aggregate status is recomputed and published in order.
type run struct {
	o    *Orchestrator
	opts archive.Options
	id   string
	url  string
	dir  string
	key  [16]byte

	mu      sync.Mutex
	snap    archive.Snapshot
	results map[string]archive.ExtractorResult
}

func newRun(o *Orchestrator, snap archive.Snapshot, opts archive.Options, prior map[string]archive.ExtractorResult) *run {
	results := make(map[string]archive.ExtractorResult, len(prior))
	for name, res := range prior {
		results[name] = res
	}
	return &run{
		o:       o,
		opts:    opts,
		id:      snap.ID,
		url:     snap.URL,
		dir:     archive.SnapshotDir(o.root, snap.ID),
		key:     progress.SnapshotKey(snap.ID),
		snap:    snap,
		results: results,
	}
}

func (r *run) snapshot() archive.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

func (r *run) status() archive.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Status
}

func (r *run) result(name string) archive.ExtractorResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[name]
}

func (r *run) snapshotResults() map[string]archive.ExtractorResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]archive.ExtractorResult, len(r.results))
	for name, res := range r.results {
		out[name] = res
	}
	return out
}

// record persists res and refreshes the aggregate. Writes ignore caller
// cancellation so the final state of an interrupted attempt still lands.
func (r *run) record(ctx context.Context, res archive.ExtractorResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	persistCtx := context.WithoutCancel(ctx)
	if err := r.o.store.Save(persistCtx, r.id, res.Extractor, res); err != nil {
		return archive.NewOrchestrationError(r.id, "save result", err)
	}
	r.results[res.Extractor] = res
	return r.refreshLocked(persistCtx)
}

// adopt takes over a result another run already stored.
func (r *run) adopt(ctx context.Context, name string, res archive.ExtractorResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[name] = res
	return r.refreshLocked(context.WithoutCancel(ctx))
}

func (r *run) syncStatus(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked(context.WithoutCancel(ctx))
}

// refreshLocked recomputes the aggregate and, when it changed, persists it,
// emits progress and publishes a status event.
func (r *run) refreshLocked(ctx context.Context) error {
	status := aggregate.Aggregate(r.results, r.opts.Required)
	if status == r.snap.Status {
		return nil
	}
	now := r.o.clock.Now()
	if err := r.o.store.SaveStatus(ctx, r.id, status, now); err != nil {
		return archive.NewOrchestrationError(r.id, "save status", err)
	}
	ts := now.UTC()
	r.snap.Status = status
	r.snap.StatusUpdatedAt = &ts

	evt := r.eventAt(progress.StageSnapshotStatus, ts)
	evt.Status = status
	r.o.emit(evt)
	r.o.publish(ctx, archive.StatusEvent{
		SnapshotID: r.id,
		URL:        r.url,
		Status:     status,
		Timestamp:  ts,
	})
	return nil
}

// recordRequired stores the run's required set on the header so a later
// repair aggregates with the same rule.
func (r *run) recordRequired(ctx context.Context) error {
	required := r.opts.Required
	if required == nil {
		required = []string{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.Required != nil && slices.Equal(r.snap.Required, required) {
		return nil
	}
	updated := r.snap
	updated.Required = slices.Clone(required)
	if err := r.o.store.UpdateSnapshot(context.WithoutCancel(ctx), updated); err != nil {
		return archive.NewOrchestrationError(r.id, "record required set", err)
	}
	r.snap = updated
	return nil
}

func (r *run) setTitle(ctx context.Context, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.Title != nil && *r.snap.Title == title {
		return nil
	}
	updated := r.snap
	updated.Title = &title
	if err := r.o.store.UpdateSnapshot(context.WithoutCancel(ctx), updated); err != nil {
		return archive.NewOrchestrationError(r.id, "update title", err)
	}
	r.snap = updated
	return nil
}

// missingPrerequisite returns the first prerequisite not present on disk.
func (r *run) missingPrerequisite(ext extractor.Extractor) string {
	for _, p := range ext.Prerequisites() {
		if !runner.Present(filepath.Join(r.dir, filepath.FromSlash(p))) {
			return p
		}
	}
	return ""
}

func (r *run) event(stage progress.Stage) progress.Event {
	return r.eventAt(stage, r.o.clock.Now().UTC())
}

func (r *run) eventAt(stage progress.Stage, ts time.Time) progress.Event {
	return progress.Event{
		SnapshotID: r.key,
		TS:         ts,
		Stage:      stage,
		URL:        r.url,
	}
}
