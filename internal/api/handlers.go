package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// runOptions are per-request overrides of the service defaults.
type runOptions struct {
	Overwrite      *bool           `json:"overwrite"`
	Only           []string        `json:"only"`
	Required       []string        `json:"required"`
	MaxRetries     *int            `json:"max_retries"`
	Parallelism    *int            `json:"parallelism"`
	TimeoutSeconds map[string]int  `json:"timeout_seconds"`
	Enabled        map[string]bool `json:"enabled"`
}

type submitRequest struct {
	URL string `json:"url"`
	runOptions
}

type submitResponse struct {
	SnapshotID string         `json:"snapshot_id"`
	URL        string         `json:"url"`
	Status     archive.Status `json:"status"`
	Created    bool           `json:"created"`
	Queued     bool           `json:"queued"`
}

type listResponse struct {
	Snapshots []archive.Snapshot `json:"snapshots"`
	Total     int                `json:"total"`
}

// submitSnapshot handles POST /v1/snapshots. Any snapshot that has not
// succeeded is queued; a succeeded one is returned as is unless the request
// asks to overwrite.
func (s *Server) submitSnapshot(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	opts, err := s.mergeOptions(req.runOptions)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, created, err := s.snapshots.Submit(r.Context(), req.URL)
	if err != nil {
		if errors.Is(err, archive.ErrInvalidURL) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit snapshot failed", zap.String("url", req.URL), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to create snapshot")
		return
	}

	resp := submitResponse{SnapshotID: snap.ID, URL: snap.URL, Status: snap.Status, Created: created}
	if created || opts.Overwrite || snap.Status != archive.StatusSucceeded {
		if err := s.enqueue(r.Context(), snap.ID, opts); err != nil {
			s.logger.Error("enqueue snapshot failed", zap.String("snapshot_id", snap.ID), zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "archive queue unavailable")
			return
		}
		resp.Queued = true
	}
	status := http.StatusOK
	if resp.Queued {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, resp)
}

// rearchiveSnapshot handles POST /v1/snapshots/{snapshot_id}/rearchive. The
// body is optional.
func (s *Server) rearchiveSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "snapshot_id")
	var req runOptions
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	opts, err := s.mergeOptions(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.snapshots.Get(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, id, err)
		return
	}
	if err := s.enqueue(r.Context(), id, opts); err != nil {
		s.logger.Error("enqueue snapshot failed", zap.String("snapshot_id", id), zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "archive queue unavailable")
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{
		SnapshotID: id,
		URL:        rec.Snapshot.URL,
		Status:     rec.Snapshot.Status,
		Queued:     true,
	})
}

// getSnapshot handles GET /v1/snapshots/{snapshot_id}.
func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "snapshot_id")
	rec, err := s.snapshots.Get(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// listSnapshots handles GET /v1/snapshots?status=&limit=&offset=, newest first.
func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var want archive.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		want = archive.Status(strings.ToLower(raw))
		if !want.Valid() {
			s.writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}

	snaps, err := s.snapshots.List(r.Context())
	if err != nil {
		s.logger.Error("list snapshots failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}
	filtered := snaps[:0]
	for _, snap := range snaps {
		if want == "" || snap.Status == want {
			filtered = append(filtered, snap)
		}
	}
	// UUIDv7 IDs sort by creation time.
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID > filtered[j].ID })

	total := len(filtered)
	start := min(offset, total)
	end := min(start+limit, total)
	s.writeJSON(w, http.StatusOK, listResponse{Snapshots: filtered[start:end], Total: total})
}

func (s *Server) writeLookupError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, archive.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	s.logger.Error("load snapshot failed", zap.String("snapshot_id", id), zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "failed to load snapshot")
}

func (s *Server) enqueue(ctx context.Context, id string, opts archive.Options) error {
	if s.queue == nil {
		return errors.New("no queue configured")
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	var submitted int64
	if s.clock != nil {
		submitted = s.clock.Now().Unix()
	}
	return s.queue.Enqueue(queueCtx, archive.QueueItem{
		SnapshotID: id,
		Options:    opts,
		Submitted:  submitted,
	})
}

// mergeOptions applies request overrides on top of the service defaults.
func (s *Server) mergeOptions(req runOptions) (archive.Options, error) {
	opts := s.snapshots.Options()
	if req.Overwrite != nil {
		opts.Overwrite = *req.Overwrite
	}
	if req.Only != nil {
		opts.Only = append([]string(nil), req.Only...)
	}
	if req.Required != nil {
		opts.Required = append([]string(nil), req.Required...)
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return archive.Options{}, errors.New("max_retries must be >= 0")
		}
		opts.MaxRetries = clamp(*req.MaxRetries, s.limits.maxRetries)
	}
	if req.Parallelism != nil {
		if *req.Parallelism < 1 {
			return archive.Options{}, errors.New("parallelism must be >= 1")
		}
		opts.Parallelism = clamp(*req.Parallelism, s.limits.maxParallelism)
	}
	for name, secs := range req.TimeoutSeconds {
		if secs <= 0 {
			return archive.Options{}, errors.New("timeout_seconds must be > 0")
		}
		if opts.Timeouts == nil {
			opts.Timeouts = make(map[string]time.Duration)
		}
		opts.Timeouts[name] = time.Duration(secs) * time.Second
	}
	for name, on := range req.Enabled {
		if opts.Enabled == nil {
			opts.Enabled = make(map[string]bool)
		}
		opts.Enabled[name] = on
	}
	return opts, nil
}

// clamp bounds v by limit when limit is positive.
func clamp(v, limit int) int {
	if limit > 0 && v > limit {
		return limit
	}
	return v
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
