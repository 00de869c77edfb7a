package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

const (
	// SnapshotFilename holds the snapshot header inside each snapshot directory.
	SnapshotFilename = "snapshot.json"
	// IndexFilename holds the per-extractor results inside each snapshot directory.
	IndexFilename = "index.json"
	// SchemaVersion is written into every record. Readers accept any version
	// and keep keys they do not understand.
	SchemaVersion = 1

	keySchema   = "schema_version"
	keySnapshot = "snapshot"
	keyResults  = "results"
)

// ResultStoreConfig configures the filesystem result store.
type ResultStoreConfig struct {
	// Root is the archive directory holding one subdirectory per snapshot.
	Root   string
	Logger *zap.Logger
}

// ResultStore persists each snapshot as two files under <root>/<id>/: the
// header in snapshot.json and the extractor results in index.json. A damaged
// results file never costs the snapshot its identity. Writes replace files
// atomically, one writer per snapshot at a time.
type ResultStore struct {
	root   string
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewResultStore prepares the archive root and verifies it is writable.
func NewResultStore(cfg ResultStoreConfig) (*ResultStore, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("archive root is required")
	}
	if err := ensureWritableDir(cfg.Root); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultStore{
		root:   cfg.Root,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the archive directory.
func (s *ResultStore) Root() string {
	return s.root
}

// CreateSnapshot writes the snapshot header, creating the directory if needed.
func (s *ResultStore) CreateSnapshot(_ context.Context, snap archive.Snapshot) error {
	return s.updateHeader(snap.ID, func(cur *archive.Snapshot, _ bool) error {
		*cur = snap
		return nil
	})
}

// UpdateSnapshot rewrites the snapshot header; results are untouched.
func (s *ResultStore) UpdateSnapshot(_ context.Context, snap archive.Snapshot) error {
	return s.updateHeader(snap.ID, func(cur *archive.Snapshot, exists bool) error {
		if !exists {
			return archive.ErrNotFound
		}
		*cur = snap
		return nil
	})
}

// GetSnapshot loads the snapshot header or returns archive.ErrNotFound. A
// header that exists but cannot be parsed is reported as an error.
func (s *ResultStore) GetSnapshot(_ context.Context, snapshotID string) (archive.Snapshot, error) {
	if err := checkID(snapshotID); err != nil {
		return archive.Snapshot{}, err
	}
	snap, ok, err := s.readHeader(snapshotID)
	if err != nil {
		return archive.Snapshot{}, err
	}
	if !ok {
		return archive.Snapshot{}, archive.ErrNotFound
	}
	return snap, nil
}

// ListSnapshots scans the archive root. Directories without a readable header
// are skipped.
func (s *ResultStore) ListSnapshots(_ context.Context) ([]archive.Snapshot, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read archive root: %w", err)
	}
	out := make([]archive.Snapshot, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || checkID(entry.Name()) != nil {
			continue
		}
		snap, ok, err := s.readHeader(entry.Name())
		if err != nil {
			s.logger.Warn("skipping snapshot with unreadable header",
				zap.String("snapshot_id", entry.Name()),
				zap.Error(err),
			)
			continue
		}
		if ok {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Load returns stored results keyed by extractor. Missing or unreadable
// records, and individually malformed entries, are treated as absent.
func (s *ResultStore) Load(_ context.Context, snapshotID string) (map[string]archive.ExtractorResult, error) {
	out := map[string]archive.ExtractorResult{}
	if checkID(snapshotID) != nil {
		return out, nil
	}
	doc, err := readDocument(s.indexPath(snapshotID))
	if err != nil {
		s.logger.Warn("index unreadable, treating as empty",
			zap.String("snapshot_id", snapshotID),
			zap.Error(err),
		)
		return out, nil
	}
	for name, raw := range doc.results() {
		var res archive.ExtractorResult
		if err := json.Unmarshal(raw, &res); err != nil || !res.Status.Valid() {
			s.logger.Warn("ignoring malformed result entry",
				zap.String("snapshot_id", snapshotID),
				zap.String("extractor", name),
			)
			continue
		}
		res.Extractor = name
		out[name] = res
	}
	return out, nil
}

// Save replaces one extractor's result. Saving the same result twice leaves
// identical bytes on disk.
func (s *ResultStore) Save(_ context.Context, snapshotID, extractor string, result archive.ExtractorResult) error {
	if strings.TrimSpace(extractor) == "" {
		return fmt.Errorf("extractor name is required")
	}
	result.Extractor = extractor
	return s.updateResults(snapshotID, func(doc document) error {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		results := doc.results()
		results[extractor] = raw
		return doc.put(keyResults, results)
	})
}

// SaveStatus records the aggregate status on the snapshot header.
func (s *ResultStore) SaveStatus(_ context.Context, snapshotID string, status archive.Status, at time.Time) error {
	return s.updateHeader(snapshotID, func(cur *archive.Snapshot, exists bool) error {
		if !exists {
			return archive.ErrNotFound
		}
		cur.Status = status
		ts := at.UTC()
		cur.StatusUpdatedAt = &ts
		return nil
	})
}

// updateHeader applies mutate to the stored header under the snapshot lock.
// exists is false when no header has been written yet.
func (s *ResultStore) updateHeader(snapshotID string, mutate func(cur *archive.Snapshot, exists bool) error) error {
	if err := checkID(snapshotID); err != nil {
		return err
	}
	unlock := s.lock(snapshotID)
	defer unlock()
	if err := s.ensureDir(snapshotID); err != nil {
		return err
	}

	doc, err := readDocument(s.headerPath(snapshotID))
	if err != nil {
		return fmt.Errorf("read snapshot header: %w", err)
	}
	snap, exists := doc.snapshot()
	if !exists {
		snap, exists = s.inlineHeader(snapshotID)
	}
	if err := mutate(&snap, exists); err != nil {
		return err
	}
	if err := doc.putSnapshot(snap); err != nil {
		return err
	}
	if err := writeDocument(s.headerPath(snapshotID), doc); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	return nil
}

// updateResults applies mutate to the results document under the snapshot
// lock. An unreadable document is moved aside and replaced by an empty one.
func (s *ResultStore) updateResults(snapshotID string, mutate func(document) error) error {
	if err := checkID(snapshotID); err != nil {
		return err
	}
	unlock := s.lock(snapshotID)
	defer unlock()
	if err := s.ensureDir(snapshotID); err != nil {
		return err
	}

	doc, err := readDocument(s.indexPath(snapshotID))
	if err != nil {
		// Keep the unreadable file for inspection and start a fresh record.
		s.quarantine(snapshotID, err)
		doc = document{}
	}
	if err := s.migrateInlineHeader(snapshotID, doc); err != nil {
		return err
	}
	if err := mutate(doc); err != nil {
		return err
	}
	if err := writeDocument(s.indexPath(snapshotID), doc); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// readHeader returns the snapshot header, falling back to a header embedded
// in index.json by older versions of the store.
func (s *ResultStore) readHeader(snapshotID string) (archive.Snapshot, bool, error) {
	doc, err := readDocument(s.headerPath(snapshotID))
	if err != nil {
		return archive.Snapshot{}, false, fmt.Errorf("read snapshot header: %w", err)
	}
	if snap, ok := doc.snapshot(); ok {
		return snap, true, nil
	}
	snap, ok := s.inlineHeader(snapshotID)
	return snap, ok, nil
}

func (s *ResultStore) inlineHeader(snapshotID string) (archive.Snapshot, bool) {
	doc, err := readDocument(s.indexPath(snapshotID))
	if err != nil {
		return archive.Snapshot{}, false
	}
	return doc.snapshot()
}

// migrateInlineHeader moves a header embedded in the results document into
// snapshot.json. Callers hold the snapshot lock.
func (s *ResultStore) migrateInlineHeader(snapshotID string, doc document) error {
	if _, ok := doc[keySnapshot]; !ok {
		return nil
	}
	snap, ok := doc.snapshot()
	delete(doc, keySnapshot)
	if !ok {
		return nil
	}
	header, err := readDocument(s.headerPath(snapshotID))
	if err != nil {
		return fmt.Errorf("read snapshot header: %w", err)
	}
	if _, exists := header.snapshot(); exists {
		return nil
	}
	if err := header.putSnapshot(snap); err != nil {
		return err
	}
	if err := writeDocument(s.headerPath(snapshotID), header); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	return nil
}

func (s *ResultStore) ensureDir(snapshotID string) error {
	if err := os.MkdirAll(archive.SnapshotDir(s.root, snapshotID), 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	return nil
}

func (s *ResultStore) quarantine(snapshotID string, cause error) {
	src := s.indexPath(snapshotID)
	dst := src + ".corrupt"
	if err := os.Rename(src, dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("quarantine corrupt index failed", zap.String("snapshot_id", snapshotID), zap.Error(err))
		return
	}
	s.logger.Warn("corrupt index moved aside",
		zap.String("snapshot_id", snapshotID),
		zap.String("path", dst),
		zap.Error(cause),
	)
}

func (s *ResultStore) headerPath(snapshotID string) string {
	return filepath.Join(archive.SnapshotDir(s.root, snapshotID), SnapshotFilename)
}

func (s *ResultStore) indexPath(snapshotID string) string {
	return filepath.Join(archive.SnapshotDir(s.root, snapshotID), IndexFilename)
}

func (s *ResultStore) lock(snapshotID string) func() {
	s.mu.Lock()
	l, ok := s.locks[snapshotID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[snapshotID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// document is an on-disk record. Unknown top-level keys survive rewrites.
type document map[string]json.RawMessage

// readDocument parses the document at path. A missing file is an empty
// document.
func readDocument(path string) (document, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path built from a checked snapshot id.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return document{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	doc := document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return doc, nil
}

func writeDocument(path string, doc document) error {
	if _, ok := doc[keySchema]; !ok {
		if err := doc.put(keySchema, SchemaVersion); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	return writeFileAtomic(path, data, 0o640)
}

func (d document) put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	d[key] = raw
	return nil
}

func (d document) putSnapshot(snap archive.Snapshot) error {
	return d.put(keySnapshot, snap)
}

func (d document) snapshot() (archive.Snapshot, bool) {
	raw, ok := d[keySnapshot]
	if !ok {
		return archive.Snapshot{}, false
	}
	var snap archive.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil || snap.ID == "" {
		return archive.Snapshot{}, false
	}
	return snap, true
}

func (d document) results() map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	raw, ok := d[keyResults]
	if !ok {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]json.RawMessage{}
	}
	return out
}

func checkID(snapshotID string) error {
	if snapshotID == "" || snapshotID == "." || snapshotID == ".." ||
		strings.ContainsAny(snapshotID, `/\`) {
		return fmt.Errorf("invalid snapshot id %q", snapshotID)
	}
	return nil
}

func ensureWritableDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(dir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return fmt.Errorf("failed to clean up test file: %w", err)
	}
	return nil
}
