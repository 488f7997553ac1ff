// Package api hosts the HTTP server, middleware, and REST handlers for run
// submission and status. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to start a run, GET /v1/runs/{run_id}/status to poll it.
//   - GET /v1/runs/{run_id}/events for the recorded history.
package api
