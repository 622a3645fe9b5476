// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/targets/import for bulk target registration.
//   - POST /v1/series and /v1/stages for definitions, POST
//     /v1/series/{id}/start and /cancel for the lifecycle.
//   - GET /v1/history for reconstructed fragment chains.
package api
