// Package orchestrator runs the eligible extractors for one snapshot,
// persisting every state transition so an interrupted run can resume and a
// repeated run does no duplicate work.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/clock/system"
	"github.com/JakeFAU/web-archiver/internal/extractor"
	"github.com/JakeFAU/web-archiver/internal/metrics"
	"github.com/JakeFAU/web-archiver/internal/progress"
	"github.com/JakeFAU/web-archiver/internal/runner"
	"github.com/JakeFAU/web-archiver/internal/telemetry"
)

// Lister selects the extractors for a URL.
type Lister interface {
	ListEligible(rawURL string, opts archive.Options) []extractor.Extractor
}

// Runner executes one extractor attempt.
type Runner interface {
	Run(ctx context.Context, ext extractor.Extractor, task extractor.Task) runner.Outcome
}

// Config wires the orchestrator's collaborators. Limiter, Blobs, Publisher
// and Progress are optional.
type Config struct {
	// ArchiveDir holds one directory per snapshot.
	ArchiveDir string
	Store      archive.ResultStore
	Registry   Lister
	Runner     Runner
	Limiter    archive.Limiter
	Blobs      archive.BlobStore
	// BlobPrefix is prepended to mirrored object names.
	BlobPrefix string
	Publisher  archive.Publisher
	// Topic receives snapshot status events.
	Topic    string
	Progress progress.Emitter
	Clock    archive.Clock
	Tracer   trace.Tracer
	Logger   *zap.Logger
}

// Orchestrator drives snapshot runs. It is safe for concurrent use; runs of
// the same (snapshot, extractor) pair are serialized.
type Orchestrator struct {
	root       string
	store      archive.ResultStore
	registry   Lister
	runner     Runner
	limiter    archive.Limiter
	blobs      archive.BlobStore
	blobPrefix string
	publisher  archive.Publisher
	topic      string
	progress   progress.Emitter
	clock      archive.Clock
	tracer     trace.Tracer
	logger     *zap.Logger
	locks      *keyedLock
}

// New validates cfg and builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if strings.TrimSpace(cfg.ArchiveDir) == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("result store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("extractor registry is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Progress == nil {
		cfg.Progress = progress.Discard{}
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.Tracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Orchestrator{
		root:       cfg.ArchiveDir,
		store:      cfg.Store,
		registry:   cfg.Registry,
		runner:     cfg.Runner,
		limiter:    cfg.Limiter,
		blobs:      cfg.Blobs,
		blobPrefix: strings.Trim(cfg.BlobPrefix, "/"),
		publisher:  cfg.Publisher,
		topic:      cfg.Topic,
		progress:   cfg.Progress,
		clock:      cfg.Clock,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger,
		locks:      newKeyedLock(),
	}, nil
}

// Archive runs every eligible extractor for snap that has not already
// succeeded, starting from prior. It returns the merged results and the
// aggregate status. Extractor failures are recorded, not returned; the error
// is an *archive.OrchestrationError for pipeline faults or wraps ctx.Err()
// when the run was interrupted.
func (o *Orchestrator) Archive(
	ctx context.Context,
	snap archive.Snapshot,
	opts archive.Options,
	prior map[string]archive.ExtractorResult,
) (map[string]archive.ExtractorResult, archive.Status, error) {
	ctx, span := o.tracer.Start(ctx, "snapshot.archive", trace.WithAttributes(
		attribute.String("snapshot.id", snap.ID),
		attribute.String("snapshot.url", snap.URL),
	))
	defer span.End()

	r := newRun(o, snap, opts, prior)
	started := o.clock.Now()
	o.emit(r.event(progress.StageSnapshotStart))

	status, err := o.archive(ctx, r)
	results := r.snapshotResults()

	done := r.event(progress.StageSnapshotDone)
	done.Status = status
	done.Dur = o.clock.Now().Sub(started)
	o.emit(done)

	span.SetAttributes(attribute.String("snapshot.status", string(status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return results, status, err
}

func (o *Orchestrator) archive(ctx context.Context, r *run) (archive.Status, error) {
	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return r.status(), archive.NewOrchestrationError(r.id, "create output dir", err)
	}
	if err := r.recordRequired(ctx); err != nil {
		return r.status(), err
	}

	eligible := o.registry.ListEligible(r.url, r.opts)
	var pending []extractor.Extractor
	for _, ext := range eligible {
		if o.reusable(r, ext, r.result(ext.Name())) {
			o.logger.Debug("extractor already succeeded",
				zap.String("snapshot_id", r.id),
				zap.String("extractor", ext.Name()),
			)
			continue
		}
		pending = append(pending, ext)
	}

	var err error
	if r.opts.Parallelism > 1 && len(pending) > 1 {
		err = o.runParallel(ctx, r, pending)
	} else {
		err = o.runSequential(ctx, r, pending)
	}

	// The cached status may lag results loaded from a previous run.
	if syncErr := r.syncStatus(ctx); syncErr != nil && err == nil {
		err = syncErr
	}
	return r.status(), err
}

func (o *Orchestrator) runSequential(ctx context.Context, r *run, pending []extractor.Extractor) error {
	for _, ext := range pending {
		if err := ctx.Err(); err != nil {
			return interrupted(r.id, err)
		}
		if err := o.runExtractor(ctx, r, ext); err != nil {
			return err
		}
	}
	return nil
}

// runParallel runs up to opts.Parallelism extractors at once. An extractor
// whose prerequisites come from an earlier pending extractor waits for it.
func (o *Orchestrator) runParallel(ctx context.Context, r *run, pending []extractor.Extractor) error {
	done := make([]chan struct{}, len(pending))
	for i := range done {
		done[i] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Parallelism)
	for i, ext := range pending {
		deps := producers(pending[:i], ext.Prerequisites())
		g.Go(func() error {
			defer close(done[i])
			for _, j := range deps {
				select {
				case <-done[j]:
				case <-gctx.Done():
					return interrupted(r.id, gctx.Err())
				}
			}
			if err := gctx.Err(); err != nil {
				return interrupted(r.id, err)
			}
			return o.runExtractor(gctx, r, ext)
		})
	}
	if err := g.Wait(); err != nil {
		// errgroup cancels siblings on the first fault; prefer the fault over
		// the cancellations it caused.
		if parentErr := ctx.Err(); parentErr != nil && !archive.IsOrchestrationFault(err) {
			return interrupted(r.id, parentErr)
		}
		return err
	}
	return nil
}

// producers returns the indexes of extractors whose artifacts satisfy any of
// the prerequisites.
func producers(earlier []extractor.Extractor, prereqs []string) []int {
	var out []int
	for j, other := range earlier {
		if produces(other.Artifacts(), prereqs) {
			out = append(out, j)
		}
	}
	return out
}

func produces(artifacts, prereqs []string) bool {
	for _, p := range prereqs {
		for _, a := range artifacts {
			if p == a || strings.HasPrefix(p, a+"/") {
				return true
			}
		}
	}
	return false
}

// runExtractor drives one extractor through queued, started and its attempts.
func (o *Orchestrator) runExtractor(ctx context.Context, r *run, ext extractor.Extractor) error {
	name := ext.Name()
	release, err := o.locks.acquire(ctx, r.id+"/"+name)
	if err != nil {
		return interrupted(r.id, err)
	}
	defer release()

	// Another run may have finished this extractor while we waited.
	if !r.opts.Overwrite {
		current, err := o.store.Load(context.WithoutCancel(ctx), r.id)
		if err != nil {
			return archive.NewOrchestrationError(r.id, "load results", err)
		}
		if res, ok := current[name]; ok && o.reusable(r, ext, res) {
			return r.adopt(ctx, name, res)
		}
	}

	prev := r.result(name)
	attempts := prev.Attempts

	if missing := r.missingPrerequisite(ext); missing != "" {
		now := o.clock.Now()
		msg := "missing prerequisite " + missing
		res := archive.ExtractorResult{
			Extractor: name,
			Status:    archive.StatusSkipped,
			StartedAt: &now,
			EndedAt:   &now,
			Error:     &msg,
			Attempts:  attempts,
		}
		if err := r.record(ctx, res); err != nil {
			return err
		}
		o.emitDone(r, res, attempts)
		return nil
	}

	task := extractor.Task{
		Snapshot: r.snapshot(),
		Dir:      r.dir,
		OutDir:   filepath.Join(r.dir, name),
		Timeout:  extractor.ResolveTimeout(ext, r.opts),
	}
	if err := os.MkdirAll(task.OutDir, 0o750); err != nil {
		return archive.NewOrchestrationError(r.id, "create extractor dir", err)
	}

	if err := r.record(ctx, archive.ExtractorResult{Extractor: name, Status: archive.StatusQueued, Attempts: attempts}); err != nil {
		return err
	}

	maxAttempts := 1 + max(r.opts.MaxRetries, 0)
	for try := 1; try <= maxAttempts; try++ {
		if ext.Networked() && o.limiter != nil {
			if err := o.limiter.Wait(ctx, r.url); err != nil {
				return o.recordCanceled(ctx, r, name, attempts, err)
			}
		}

		attempts++
		now := o.clock.Now()
		if err := r.record(ctx, archive.ExtractorResult{
			Extractor: name,
			Status:    archive.StatusStarted,
			StartedAt: &now,
			Attempts:  attempts,
		}); err != nil {
			return err
		}
		start := r.event(progress.StageExtractorStart)
		start.Extractor = name
		start.Status = archive.StatusStarted
		start.Attempt = attempts
		o.emit(start)

		out := o.attempt(ctx, r, ext, task, attempts)
		if out.Unconfirmed {
			o.logger.Warn("extractor did not stop after cancellation",
				zap.String("snapshot_id", r.id),
				zap.String("extractor", name),
			)
			return interrupted(r.id, ctx.Err())
		}

		res := out.Result
		res.Extractor = name
		res.Attempts = attempts
		if res.Status == archive.StatusSucceeded {
			o.mirror(context.WithoutCancel(ctx), r.id, r.dir, &res)
		}
		if err := r.record(ctx, res); err != nil {
			return err
		}
		o.emitDone(r, res, attempts)

		if res.Status == archive.StatusSucceeded {
			return o.updateTitle(ctx, r, ext, task)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return interrupted(r.id, ctxErr)
		}
		if out.Permanent {
			o.logger.Info("extractor failed permanently",
				zap.String("snapshot_id", r.id),
				zap.String("extractor", name),
				zap.Stringp("error", res.Error),
			)
			return nil
		}
		if res.Status != archive.StatusFailed && res.Status != archive.StatusTimedOut {
			return nil
		}
	}
	return nil
}

func (o *Orchestrator) attempt(
	ctx context.Context,
	r *run,
	ext extractor.Extractor,
	task extractor.Task,
	attempt int,
) runner.Outcome {
	ctx, span := o.tracer.Start(ctx, "extractor.run", trace.WithAttributes(
		attribute.String("snapshot.id", r.id),
		attribute.String("extractor", ext.Name()),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	out := o.runner.Run(ctx, ext, task)
	span.SetAttributes(attribute.String("status", string(out.Result.Status)))
	if out.Result.Status != archive.StatusSucceeded && out.Result.Error != nil {
		span.SetStatus(codes.Error, *out.Result.Error)
	}
	return out
}

// recordCanceled persists a failed attempt when the run is interrupted before
// the extractor could start.
func (o *Orchestrator) recordCanceled(ctx context.Context, r *run, name string, attempts int, cause error) error {
	now := o.clock.Now()
	msg := "canceled"
	if err := r.record(ctx, archive.ExtractorResult{
		Extractor: name,
		Status:    archive.StatusFailed,
		StartedAt: &now,
		EndedAt:   &now,
		Error:     &msg,
		Attempts:  attempts,
	}); err != nil {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return interrupted(r.id, ctxErr)
	}
	return interrupted(r.id, cause)
}

func (o *Orchestrator) updateTitle(ctx context.Context, r *run, ext extractor.Extractor, task extractor.Task) error {
	src, ok := ext.(extractor.TitleSource)
	if !ok {
		return nil
	}
	title, ok := src.ReadTitle(task)
	if !ok {
		return nil
	}
	return r.setTitle(ctx, title)
}

// reusable reports whether a stored success can stand: overwrite is off and
// the artifacts it recorded are still on disk.
func (o *Orchestrator) reusable(r *run, ext extractor.Extractor, res archive.ExtractorResult) bool {
	if r.opts.Overwrite || res.Status != archive.StatusSucceeded {
		return false
	}
	paths := make([]string, 0, len(res.Artifacts))
	for _, a := range res.Artifacts {
		paths = append(paths, a.Path)
	}
	if len(paths) == 0 {
		paths = ext.Artifacts()
	}
	for _, p := range paths {
		if !runner.Present(filepath.Join(r.dir, filepath.FromSlash(p))) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) emitDone(r *run, res archive.ExtractorResult, attempt int) {
	evt := r.event(progress.StageExtractorDone)
	evt.Extractor = res.Extractor
	evt.Status = res.Status
	evt.Attempt = attempt
	evt.Dur = res.Duration()
	evt.Bytes = res.ArtifactBytes()
	if res.Error != nil {
		evt.Note = *res.Error
	}
	o.emit(evt)
}

func (o *Orchestrator) emit(evt progress.Event) {
	o.progress.Emit(evt)
}

func (o *Orchestrator) publish(ctx context.Context, evt archive.StatusEvent) {
	if o.publisher == nil || o.topic == "" {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if _, err := o.publisher.Publish(pubCtx, o.topic, evt); err != nil {
		o.logger.Warn("status publish failed",
			zap.String("snapshot_id", evt.SnapshotID),
			zap.String("status", string(evt.Status)),
			zap.Error(err),
		)
		metrics.ObserveStatusPublish(false)
		return
	}
	metrics.ObserveStatusPublish(true)
}

const publishTimeout = 10 * time.Second

func interrupted(snapshotID string, err error) error {
	if err == nil {
		err = context.Canceled
	}
	if archive.IsOrchestrationFault(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("archive snapshot %s interrupted: %w", snapshotID, err)
	}
	return fmt.Errorf("archive snapshot %s: %w", snapshotID, err)
}
