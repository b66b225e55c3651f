// Package api hosts the HTTP server, middleware and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scan to scan every enabled target for a keyword.
//   - POST /v1/targets/{id}/scan to run one tick for a target now.
//   - PUT and DELETE /v1/targets/{id}/schedule to resume or stop monitoring.
package api
