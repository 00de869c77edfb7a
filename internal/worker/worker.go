// Package worker implements the archive execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/metrics"
)

// Archiver runs one snapshot with the given options.
type Archiver interface {
	Archive(ctx context.Context, snapshotID string, opts archive.Options) (archive.Record, error)
}

// Config controls Worker behavior.
type Config struct {
	// MaxRequeues bounds how often an item is put back after a pipeline fault.
	MaxRequeues int
	// RequeueDelay is waited before putting an item back.
	RequeueDelay time.Duration
}

// Worker consumes queue items and archives each snapshot.
type Worker struct {
	queue    archive.Queue
	archiver Archiver
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(queue archive.Queue, archiver Archiver, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRequeues < 0 {
		cfg.MaxRequeues = 0
	}
	return &Worker{
		queue:    queue,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, archive.ErrQueueClosed) {
				w.logger.Info("queue closed, worker exiting")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued snapshot", zap.String("snapshot_id", item.SnapshotID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item archive.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("snapshot_id", item.SnapshotID), zap.Int("attempt", item.Attempt))
	started := time.Now()
	rec, err := w.archiver.Archive(ctx, item.SnapshotID, item.Options)
	outcome := classify(rec, err)
	metrics.ObserveArchiveRun(outcome)

	switch outcome {
	case outcomeInterrupted:
		logger.Warn("archive interrupted", zap.Error(err))
	case outcomeNotFound:
		logger.Warn("snapshot not found, dropping item")
	case outcomeFault:
		logger.Error("archive failed", zap.Error(err))
		w.requeue(ctx, item, logger)
	default:
		logger.Info("archive finished",
			zap.String("url", rec.Snapshot.URL),
			zap.String("status", outcome),
			zap.Duration("duration", time.Since(started)),
		)
	}
}

func (w *Worker) requeue(ctx context.Context, item archive.QueueItem, logger *zap.Logger) {
	if item.Attempt >= w.cfg.MaxRequeues {
		return
	}
	if w.cfg.RequeueDelay > 0 {
		timer := time.NewTimer(w.cfg.RequeueDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
	item.Attempt++
	if err := w.queue.Enqueue(ctx, item); err != nil {
		logger.Error("requeue failed", zap.Error(err))
		return
	}
	logger.Info("snapshot requeued", zap.Int("next_attempt", item.Attempt))
}

const (
	outcomeInterrupted = "interrupted"
	outcomeNotFound    = "not_found"
	outcomeFault       = "error"
)

// classify turns a run into the metrics outcome label: the aggregate status on
// a clean run, otherwise one of the outcome constants.
func classify(rec archive.Record, err error) string {
	switch {
	case err == nil:
		return string(rec.Snapshot.Status)
	case errors.Is(err, archive.ErrNotFound):
		return outcomeNotFound
	case archive.IsOrchestrationFault(err):
		return outcomeFault
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeInterrupted
	default:
		return outcomeFault
	}
}
