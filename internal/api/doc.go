// Package api hosts the HTTP command channel. Callers identify themselves with the
// X-User-ID header. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs, POST /v1/jobs/restart and DELETE /v1/jobs to control the caller's job.
//   - GET /v1/status, /v1/results and /v1/resources to inspect jobs and worker capacity.
package api
