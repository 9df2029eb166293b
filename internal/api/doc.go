// Package api hosts the HTTP server, middleware, and REST handlers for
// the harvester service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs for submission and GET /v1/jobs for listing, with
//     status/result/cancel under /v1/jobs/{job_id}.
//   - GET /v1/proxies/stats for rotation pool health.
package api
