// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes; readyz pings the catalog.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls/{source} to start a run, POST /v1/crawls/{source}/stop
//     to stop it cooperatively, GET /v1/crawls/{source} for the active run and
//     its checkpoint.
//   - GET /v1/runs and /v1/runs/{run_id} for run history via the
//     store.RunRepository interface.
//   - GET /v1/link-candidates for identity links awaiting review.
package api
