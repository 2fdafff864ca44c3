// Package api hosts the HTTP server, middleware, and REST handlers for the
// crawler service. Notable routes:
//   - POST /v1/jobs to create and seed a crawl job.
//   - GET /v1/jobs and /v1/jobs/{job_id} for job status.
//   - GET /v1/results and POST /v1/results/ack for the pull/ack sync protocol.
//   - POST /v1/workers/pause and /v1/workers/resume for the dispatch gate.
//   - GET /healthz for worker liveness and GET /metrics for Prometheus.
package api
