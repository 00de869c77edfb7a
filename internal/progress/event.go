package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSnapshotStart  Stage = "SNAPSHOT_START"
	StageExtractorStart Stage = "EXTRACTOR_START"
	StageExtractorDone  Stage = "EXTRACTOR_DONE"
	StageSnapshotStatus Stage = "SNAPSHOT_STATUS"
	StageSnapshotDone   Stage = "SNAPSHOT_DONE"
)

// Event captures one step of a snapshot run.
type Event struct {
	// SnapshotID is the 16-byte form of the snapshot UUID.
	SnapshotID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// URL is the canonical snapshot URL.
	URL string
	// Extractor is set for extractor stages.
	Extractor string
	// Status is the extractor outcome or the aggregate snapshot status.
	Status  archive.Status
	Attempt int
	// Dur is the attempt wall time for EXTRACTOR_DONE and the run wall time
	// for SNAPSHOT_DONE.
	Dur time.Duration
	// Bytes totals the artifact sizes of a successful attempt.
	Bytes int64
	// Note carries low-volume context such as a truncated error.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SnapshotID == [16]byte{} {
		return errors.New("snapshot id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSnapshotStart:
	case StageExtractorStart:
		if e.Extractor == "" {
			return errors.New("extractor start requires extractor")
		}
	case StageExtractorDone:
		if e.Extractor == "" {
			return errors.New("extractor done requires extractor")
		}
		if !e.Status.Valid() {
			return fmt.Errorf("extractor done has invalid status %q", e.Status)
		}
	case StageSnapshotStatus, StageSnapshotDone:
		if !e.Status.Valid() {
			return fmt.Errorf("snapshot status has invalid status %q", e.Status)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// SnapshotUUID converts the binary snapshot ID for repositories.
func (e Event) SnapshotUUID() uuid.UUID {
	return uuid.UUID(e.SnapshotID)
}

// SnapshotKey parses a snapshot ID string into the Event form. Non-UUID IDs
// yield the zero key, which Validate rejects.
func SnapshotKey(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	return [16]byte(parsed)
}
