package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/progress"
	"github.com/JakeFAU/web-archiver/internal/store"
)

// StoreSink mirrors progress into a store.IndexRepository. Within one batch
// only the newest row per snapshot and per (snapshot, extractor) is written.
type StoreSink struct {
	repo   store.IndexRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.IndexRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume collapses the batch and forwards rows to the repository. It respects
// ctx deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	snapshots := make(map[uuid.UUID]store.SnapshotRow)
	var snapshotOrder []uuid.UUID
	runs := make(map[runKey]store.ExtractorRun)
	var runOrder []runKey

	for _, evt := range batch {
		id := evt.SnapshotUUID()
		switch evt.Stage {
		case progress.StageSnapshotStart, progress.StageSnapshotStatus, progress.StageSnapshotDone:
			prev, seen := snapshots[id]
			if !seen {
				snapshotOrder = append(snapshotOrder, id)
			} else if evt.TS.Before(prev.UpdatedAt) {
				continue
			}
			row := store.SnapshotRow{ID: id, URL: evt.URL, Status: string(evt.Status), UpdatedAt: evt.TS}
			if row.URL == "" {
				row.URL = prev.URL
			}
			if row.Status == "" {
				row.Status = prev.Status
			}
			snapshots[id] = row
		case progress.StageExtractorDone:
			key := runKey{snapshot: id, extractor: evt.Extractor}
			prev, seen := runs[key]
			if !seen {
				runOrder = append(runOrder, key)
			} else if evt.TS.Before(prev.FinishedAt) {
				continue
			}
			runs[key] = extractorRun(id, evt)
		}
	}

	for _, id := range snapshotOrder {
		if err := s.repo.UpsertSnapshot(ctx, snapshots[id]); err != nil {
			return fmt.Errorf("upsert snapshot index: %w", err)
		}
	}
	for _, key := range runOrder {
		if err := s.repo.UpsertExtractorRun(ctx, runs[key]); err != nil {
			return fmt.Errorf("upsert extractor index: %w", err)
		}
	}
	return nil
}

func extractorRun(id uuid.UUID, evt progress.Event) store.ExtractorRun {
	run := store.ExtractorRun{
		SnapshotID: id,
		Extractor:  evt.Extractor,
		Status:     string(evt.Status),
		Attempt:    evt.Attempt,
		Duration:   evt.Dur,
		Bytes:      evt.Bytes,
		FinishedAt: evt.TS,
	}
	if evt.Note != "" {
		note := evt.Note
		run.Note = &note
	}
	return run
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type runKey struct {
	snapshot  uuid.UUID
	extractor string
}
