// Package api hosts the HTTP server, middleware, and REST handlers in front of
// the resource manager. Notable routes:
//   - POST /v1/render renders a URL in a pooled browser and stores the HTML.
//   - POST /v1/pdf prints a URL to PDF under the PDF capacity governor.
//   - GET /v1/resources/status for a snapshot of every admission gate.
//   - GET /healthz / readyz for Kubernetes probes; readyz reports target checks.
//   - GET /metrics for Prometheus scraping.
package api
