// Package progress carries snapshot and extractor milestones from the
// orchestrator to observers. A non-blocking Hub batches events on a background
// goroutine and fans them out to sinks such as logs, Prometheus and the
// Postgres index.
package progress
