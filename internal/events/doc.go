// Package events carries browser pool lifecycle events from the admission
// subsystems to pluggable sinks. Emitters never block: the Hub buffers events
// on a channel, batches them by size or age on a background goroutine, and
// fans each batch out to its sinks (logs, Prometheus, a Postgres journal,
// Pub/Sub alerts).
package events
