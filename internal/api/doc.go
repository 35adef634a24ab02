// Package api hosts the HTTP server, middleware, and REST handlers for the
// scanner dashboard. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/targets and POST /v1/scans to preview and run scans.
//   - GET /v1/scans/latest for the most recent run summary.
//   - POST /v1/dimensions to resolve image sizes.
//   - POST /v1/events/{name} to fire scheduler hooks such as content_saved.
package api
