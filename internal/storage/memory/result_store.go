// Package memory keeps snapshots and artifacts in process memory for tests
// and dry runs.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// ResultStore provides an in-memory archive.ResultStore.
type ResultStore struct {
	mu        sync.RWMutex
	snapshots map[string]archive.Snapshot
	results   map[string]map[string]archive.ExtractorResult
	saves     int
}

// NewResultStore constructs a ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{
		snapshots: make(map[string]archive.Snapshot),
		results:   make(map[string]map[string]archive.ExtractorResult),
	}
}

// CreateSnapshot stores a new snapshot header.
func (s *ResultStore) CreateSnapshot(_ context.Context, snap archive.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.snapshots[snap.ID]; exists {
		return errors.New("snapshot already exists")
	}
	s.snapshots[snap.ID] = snap
	return nil
}

// GetSnapshot returns the snapshot header or archive.ErrNotFound.
func (s *ResultStore) GetSnapshot(_ context.Context, snapshotID string) (archive.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[snapshotID]
	if !ok {
		return archive.Snapshot{}, archive.ErrNotFound
	}
	return snap, nil
}

// ListSnapshots returns every snapshot ordered by ID.
func (s *ResultStore) ListSnapshots(_ context.Context) ([]archive.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]archive.Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateSnapshot replaces an existing snapshot header.
func (s *ResultStore) UpdateSnapshot(_ context.Context, snap archive.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[snap.ID]; !ok {
		return archive.ErrNotFound
	}
	s.snapshots[snap.ID] = snap
	return nil
}

// Load returns a copy of the stored results.
func (s *ResultStore) Load(_ context.Context, snapshotID string) (map[string]archive.ExtractorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]archive.ExtractorResult, len(s.results[snapshotID]))
	for name, res := range s.results[snapshotID] {
		out[name] = cloneResult(res)
	}
	return out, nil
}

// Save replaces one extractor result.
func (s *ResultStore) Save(_ context.Context, snapshotID, extractor string, result archive.ExtractorResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results[snapshotID] == nil {
		s.results[snapshotID] = make(map[string]archive.ExtractorResult)
	}
	result.Extractor = extractor
	s.results[snapshotID][extractor] = cloneResult(result)
	s.saves++
	return nil
}

// SaveStatus records the aggregate status on the snapshot header.
func (s *ResultStore) SaveStatus(_ context.Context, snapshotID string, status archive.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[snapshotID]
	if !ok {
		return archive.ErrNotFound
	}
	snap.Status = status
	ts := at.UTC()
	snap.StatusUpdatedAt = &ts
	s.snapshots[snapshotID] = snap
	return nil
}

// Saves reports how many result writes have happened.
func (s *ResultStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func cloneResult(r archive.ExtractorResult) archive.ExtractorResult {
	cp := r
	cp.Artifacts = append([]archive.Artifact(nil), r.Artifacts...)
	cp.Cmd = append([]string(nil), r.Cmd...)
	return cp
}
