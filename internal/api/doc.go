// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/tree and /v1/dashboard for the workspace views.
//   - POST/DELETE /v1/projects/... for project and subproject lifecycle.
//   - POST /v1/tokens/recalculate and /v1/compress for the bulk operations.
//   - POST /v1/projects/{project}/subprojects/{subproject}/links|pdfs|warcs
//     for harvesting.
//   - GET /v1/runs and /v1/runs/{run_id} for run history via the
//     RunRepository interface.
package api
