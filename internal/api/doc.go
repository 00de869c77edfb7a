// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/snapshots to submit a URL, POST /v1/snapshots/{id}/rearchive
//     to run a snapshot again.
//   - GET /v1/snapshots and /v1/snapshots/{id} for status and results.
package api
