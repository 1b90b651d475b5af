// Package main hosts the render gateway entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes render, PDF, status, health, and metrics endpoints. Every render or PDF
//     request is admitted by the resource manager before a browser is touched.
//   - Admission: internal/resource.Manager checks, in order, global memory pressure, the per-host token bucket, the
//     worker's WASM extractor instance, and a browser checkout from the pool. PDF requests additionally hold a permit
//     from the PDF capacity governor. A granted request receives a Guard that releases everything exactly once.
//   - Browser pool: internal/browserpool keeps between min and max chromedp browsers, retries launches with jittered
//     backoff, evicts unhealthy, idle, over-age and over-memory browsers from a background maintenance loop, and
//     recycles browsers after a page budget.
//   - Persistence & fanout: rendered HTML, extractor output, and PDFs are written to the configured BlobStore
//     (memory/local/GCS). Pool lifecycle events are batched by the event hub and sent to the log, Prometheus, an
//     optional Postgres journal, and an optional Pub/Sub alert topic.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - Rejections are cheap and typed: memory pressure and exhausted capacity map to 503, rate limiting to 429 with a
//     jittered Retry-After, and acquisition timeouts to 504.
//   - Timeouts during an operation trigger cleanup: cached memory is released, a GC may run, and the pool is asked to
//     re-validate its browsers immediately.
//   - Shutdown: SIGINT/SIGTERM drains the HTTP server, then closes the rate limiter sweep, WASM instances, the
//     browser pool, and the event hub in that order.
//
// Quick checklist:
//   - Configure env vars: RENDERGW_SERVER_PORT, RENDERGW_BROWSER_POOL_MAX_POOL_SIZE, RENDERGW_MEMORY_GLOBAL_LIMIT_MB,
//     RENDERGW_RATE_LIMIT_REQUESTS_PER_SECOND, RENDERGW_WASM_MODULE_PATH, storage (RENDERGW_STORAGE_*), pubsub, and
//     database DSN when the event journal is wanted.
//   - Run locally: go run ./cmd/rendergateway serve --config config.yaml (or rely solely on env overrides).
//   - Inspect a running instance: go run ./cmd/rendergateway status --addr http://localhost:8080.
package main
