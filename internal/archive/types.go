package archive

import (
	"time"
)

// Status is the lifecycle state of an extractor result or a snapshot.
type Status string

// Status values persisted in snapshot records. TimedOut is only valid for
// extractor results; the aggregate never reports it.
const (
	StatusQueued    Status = "queued"
	StatusStarted   Status = "started"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusTimedOut  Status = "timed_out"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusStarted, StatusSucceeded, StatusFailed, StatusSkipped, StatusTimedOut:
		return true
	}
	return false
}

// Terminal reports whether s ends an attempt.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusTimedOut:
		return true
	}
	return false
}

// Snapshot is one archival capture of one URL.
type Snapshot struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Title           *string    `json:"title"`
	CreatedAt       time.Time  `json:"created_at"`
	Status          Status     `json:"status"`
	StatusUpdatedAt *time.Time `json:"status_updated_at,omitempty"`
	// Required is the required set of the last run. Nil means no run has
	// recorded one; empty means every result counts.
	Required []string `json:"required"`
}

// Artifact is one file or directory produced by an extractor, relative to the
// snapshot directory.
type Artifact struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
	URI    string `json:"uri,omitempty"`
}

// ExtractorResult is the outcome of running one extractor against one snapshot.
type ExtractorResult struct {
	Extractor string     `json:"extractor"`
	Status    Status     `json:"status"`
	StartedAt *time.Time `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
	ExitCode  *int       `json:"exit_code"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Error     *string    `json:"error"`
	Attempts  int        `json:"attempts"`
	Cmd       []string   `json:"cmd,omitempty"`
	Pwd       string     `json:"pwd,omitempty"`
}

// Duration reports the wall time of the last attempt, or zero when unknown.
func (r ExtractorResult) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// ArtifactBytes sums the sizes of all recorded artifacts.
func (r ExtractorResult) ArtifactBytes() int64 {
	var total int64
	for _, a := range r.Artifacts {
		total += a.Size
	}
	return total
}

// Options are the per-run policy inputs consumed by the orchestrator.
type Options struct {
	// Overwrite forces previously succeeded extractors to run again.
	Overwrite bool `json:"overwrite"`
	// Required names the extractors whose success makes a snapshot succeeded.
	// An empty set counts every extractor as required.
	Required []string `json:"required,omitempty"`
	// MaxRetries is the number of extra attempts after a failed or timed out run.
	MaxRetries int `json:"max_retries"`
	// Parallelism bounds concurrent extractors within one snapshot; <= 1 is sequential.
	Parallelism int `json:"parallelism"`
	// DefaultTimeout applies when an extractor has no override and no default of its own.
	DefaultTimeout time.Duration `json:"default_timeout"`
	// Timeouts overrides timeouts per extractor name.
	Timeouts map[string]time.Duration `json:"timeouts,omitempty"`
	// Enabled overrides extractor toggles per name.
	Enabled map[string]bool `json:"enabled,omitempty"`
	// Only restricts the run to the named extractors when non-empty.
	Only []string `json:"only,omitempty"`
}

// Clone returns a deep copy so callers can adjust a run without racing the defaults.
func (o Options) Clone() Options {
	cp := o
	cp.Required = append([]string(nil), o.Required...)
	cp.Only = append([]string(nil), o.Only...)
	if o.Timeouts != nil {
		cp.Timeouts = make(map[string]time.Duration, len(o.Timeouts))
		for k, v := range o.Timeouts {
			cp.Timeouts[k] = v
		}
	}
	if o.Enabled != nil {
		cp.Enabled = make(map[string]bool, len(o.Enabled))
		for k, v := range o.Enabled {
			cp.Enabled[k] = v
		}
	}
	return cp
}

// Selected reports whether name passes the Only filter.
func (o Options) Selected(name string) bool {
	if len(o.Only) == 0 {
		return true
	}
	for _, n := range o.Only {
		if n == name {
			return true
		}
	}
	return false
}

// StatusEvent is published whenever a snapshot's aggregate status changes.
type StatusEvent struct {
	SnapshotID string    `json:"snapshot_id"`
	URL        string    `json:"url"`
	Status     Status    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// Record is a snapshot together with its extractor results.
type Record struct {
	Snapshot Snapshot                   `json:"snapshot"`
	Results  map[string]ExtractorResult `json:"results"`
}

// QueueItem wraps an archive request ready to run.
type QueueItem struct {
	SnapshotID string
	Options    Options
	Attempt    int
	Submitted  int64
}
