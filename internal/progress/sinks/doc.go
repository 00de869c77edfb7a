// Package sinks implements concrete progress consumers: Prometheus collectors,
// the Postgres-backed snapshot index, and structured logging. Each sink
// satisfies progress.Sink and is safe for repeated Consume/Close cycles.
package sinks
