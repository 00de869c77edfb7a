package archive

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested snapshot does not exist.
var ErrNotFound = errors.New("snapshot not found")

// ErrQueueClosed is returned by a queue that no longer delivers items.
var ErrQueueClosed = errors.New("queue closed")

// OrchestrationError reports a fault in the pipeline itself (output directory,
// result store) as opposed to an extractor failing. Callers stop the run and
// surface it; extractor failures are recorded as results instead.
type OrchestrationError struct {
	SnapshotID string
	Op         string
	Err        error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration %s for snapshot %s: %v", e.Op, e.SnapshotID, e.Err)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// NewOrchestrationError wraps err with the failing operation.
func NewOrchestrationError(snapshotID, op string, err error) error {
	return &OrchestrationError{SnapshotID: snapshotID, Op: op, Err: err}
}

// IsOrchestrationFault reports whether err carries an OrchestrationError.
func IsOrchestrationFault(err error) bool {
	var oe *OrchestrationError
	return errors.As(err, &oe)
}
