// Package snapshot is the inbound surface of the pipeline: it creates or
// reuses snapshots for submitted URLs and hands them to the orchestrator.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/aggregate"
	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/clock/system"
	"github.com/JakeFAU/web-archiver/internal/id/uuid"
)

// Archiver runs the extractors for one snapshot.
type Archiver interface {
	Archive(
		ctx context.Context,
		snap archive.Snapshot,
		opts archive.Options,
		prior map[string]archive.ExtractorResult,
	) (map[string]archive.ExtractorResult, archive.Status, error)
}

// Config wires the service.
type Config struct {
	Store      archive.ResultStore
	Archiver   Archiver
	IDs        archive.IDGenerator
	Normalizer archive.Normalizer
	Clock      archive.Clock
	// Publisher and Topic receive status events from repair; optional.
	Publisher archive.Publisher
	Topic     string
	// Defaults are the options used when a caller supplies none.
	Defaults archive.Options
	Logger   *zap.Logger
}

// Service implements submit, archive, rearchive, lookup and repair.
type Service struct {
	store      archive.ResultStore
	archiver   Archiver
	ids        archive.IDGenerator
	normalizer archive.Normalizer
	clock      archive.Clock
	publisher  archive.Publisher
	topic      string
	defaults   archive.Options
	logger     *zap.Logger

	mu     sync.Mutex
	byURL  map[string]string
	loaded bool
}

// New validates cfg and builds a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("result store is required")
	}
	if cfg.Archiver == nil {
		return nil, fmt.Errorf("archiver is required")
	}
	if cfg.IDs == nil {
		cfg.IDs = uuid.New()
	}
	if cfg.Normalizer.StripParams == nil {
		cfg.Normalizer.StripParams = archive.DefaultTrackingParams
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		store:      cfg.Store,
		archiver:   cfg.Archiver,
		ids:        cfg.IDs,
		normalizer: cfg.Normalizer,
		clock:      cfg.Clock,
		publisher:  cfg.Publisher,
		topic:      cfg.Topic,
		defaults:   cfg.Defaults.Clone(),
		logger:     cfg.Logger,
		byURL:      make(map[string]string),
	}, nil
}

// Options returns a copy of the default run options.
func (s *Service) Options() archive.Options {
	return s.defaults.Clone()
}

// Submit normalizes rawURL and returns its snapshot, creating one when the
// canonical URL has not been seen. created reports whether a new snapshot
// was made.
func (s *Service) Submit(ctx context.Context, rawURL string) (snap archive.Snapshot, created bool, err error) {
	canonical, err := s.normalizer.Normalize(rawURL)
	if err != nil {
		return archive.Snapshot{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadIndexLocked(ctx); err != nil {
		return archive.Snapshot{}, false, err
	}

	if id, ok := s.byURL[canonical]; ok {
		existing, err := s.store.GetSnapshot(ctx, id)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, archive.ErrNotFound) {
			return archive.Snapshot{}, false, archive.NewOrchestrationError(id, "get snapshot", err)
		}
		delete(s.byURL, canonical)
	}

	id, err := s.ids.NewID()
	if err != nil {
		return archive.Snapshot{}, false, fmt.Errorf("new snapshot id: %w", err)
	}
	snap = archive.Snapshot{
		ID:        id,
		URL:       canonical,
		CreatedAt: s.clock.Now(),
		Status:    archive.StatusQueued,
	}
	if err := s.store.CreateSnapshot(ctx, snap); err != nil {
		return archive.Snapshot{}, false, fmt.Errorf("create snapshot: %w", err)
	}
	s.byURL[canonical] = id
	s.logger.Info("snapshot created", zap.String("snapshot_id", id), zap.String("url", canonical))
	return snap, true, nil
}

// loadIndexLocked builds the URL index from the store on first use.
func (s *Service) loadIndexLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	snaps, err := s.store.ListSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	for _, snap := range snaps {
		if _, dup := s.byURL[snap.URL]; !dup {
			s.byURL[snap.URL] = snap.ID
		}
	}
	s.loaded = true
	return nil
}

// Archive loads the prior results of snapshot id and runs the orchestrator
// with opts. The returned record reflects whatever was persisted, including
// on error.
func (s *Service) Archive(ctx context.Context, id string, opts archive.Options) (archive.Record, error) {
	snap, err := s.snapshot(ctx, id)
	if err != nil {
		return archive.Record{}, err
	}
	prior, err := s.store.Load(ctx, id)
	if err != nil {
		return archive.Record{}, archive.NewOrchestrationError(id, "load results", err)
	}

	logger := s.logger.With(zap.String("snapshot_id", id), zap.String("url", snap.URL))
	logger.Info("archiving snapshot", zap.Int("prior_results", len(prior)))

	results, status, runErr := s.archiver.Archive(ctx, snap, opts, prior)
	if runErr != nil {
		logger.Error("archive run ended with error", zap.Error(runErr))
	} else {
		logger.Info("archive run finished", zap.String("status", string(status)))
	}

	// Re-read the header for the title and status the run wrote.
	if latest, err := s.store.GetSnapshot(context.WithoutCancel(ctx), id); err == nil {
		snap = latest
	} else {
		snap.Status = status
	}
	return archive.Record{Snapshot: snap, Results: results}, runErr
}

// Rearchive runs an existing snapshot again with caller-supplied options.
func (s *Service) Rearchive(ctx context.Context, id string, opts archive.Options) (archive.Record, error) {
	return s.Archive(ctx, id, opts)
}

// Get returns the snapshot and its stored results.
func (s *Service) Get(ctx context.Context, id string) (archive.Record, error) {
	snap, err := s.snapshot(ctx, id)
	if err != nil {
		return archive.Record{}, err
	}
	results, err := s.store.Load(ctx, id)
	if err != nil {
		return archive.Record{}, fmt.Errorf("load results for %s: %w", id, err)
	}
	return archive.Record{Snapshot: snap, Results: results}, nil
}

// List returns every snapshot header.
func (s *Service) List(ctx context.Context) ([]archive.Snapshot, error) {
	snaps, err := s.store.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return snaps, nil
}

// Repair recomputes cached statuses. Snapshots use the required set their last
// run recorded, or the default set when none was recorded.
func (s *Service) Repair(ctx context.Context) (aggregate.RepairReport, error) {
	return aggregate.Repair(ctx, aggregate.RepairConfig{
		Store:     s.store,
		Required:  s.defaults.Required,
		Publisher: s.publisher,
		Topic:     s.topic,
		Clock:     s.clock,
		Logger:    s.logger,
	})
}

func (s *Service) snapshot(ctx context.Context, id string) (archive.Snapshot, error) {
	if !uuid.Valid(id) {
		return archive.Snapshot{}, fmt.Errorf("snapshot %q: %w", id, archive.ErrNotFound)
	}
	snap, err := s.store.GetSnapshot(ctx, id)
	if errors.Is(err, archive.ErrNotFound) {
		return archive.Snapshot{}, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	if err != nil {
		return archive.Snapshot{}, archive.NewOrchestrationError(id, "get snapshot", err)
	}
	return snap, nil
}
