package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind names a pool lifecycle event.
type Kind string

// Supported event kinds.
const (
	KindBrowserCreated    Kind = "BROWSER_CREATED"
	KindBrowserRemoved    Kind = "BROWSER_REMOVED"
	KindBrowserCheckedOut Kind = "BROWSER_CHECKED_OUT"
	KindBrowserCheckedIn  Kind = "BROWSER_CHECKED_IN"
	KindPoolExpanded      Kind = "POOL_EXPANDED"
	KindPoolShrunk        Kind = "POOL_SHRUNK"
	KindHealthCheck       Kind = "HEALTH_CHECK_COMPLETED"
	KindMemoryAlert       Kind = "MEMORY_ALERT"
)

// Event is one pool lifecycle occurrence.
type Event struct {
	Kind Kind      `json:"kind"`
	TS   time.Time `json:"ts"`
	// BrowserID identifies the browser for per-browser kinds.
	BrowserID string `json:"browser_id,omitempty"`
	// Reason explains removals ("unhealthy", "idle", "memory_hard_limit", ...).
	Reason string `json:"reason,omitempty"`
	// MemoryMB carries the sampled footprint for memory alerts.
	MemoryMB float64 `json:"memory_mb,omitempty"`
	// PoolSize is the pool's total capacity after the event.
	PoolSize int `json:"pool_size"`
	// Healthy and Unhealthy summarise a health check pass.
	Healthy   int `json:"healthy,omitempty"`
	Unhealthy int `json:"unhealthy,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindBrowserCreated, KindBrowserCheckedOut, KindBrowserCheckedIn:
		if e.BrowserID == "" {
			return fmt.Errorf("%s requires browser id", e.Kind)
		}
	case KindBrowserRemoved:
		if e.BrowserID == "" || e.Reason == "" {
			return fmt.Errorf("%s requires browser id and reason", e.Kind)
		}
	case KindMemoryAlert:
		if e.BrowserID == "" {
			return fmt.Errorf("%s requires browser id", e.Kind)
		}
	case KindPoolExpanded, KindPoolShrunk, KindHealthCheck:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.PoolSize < 0 {
		return errors.New("pool size must be >= 0")
	}
	return nil
}

// Alerting reports whether the event warrants an out-of-band alert.
func (e Event) Alerting() bool {
	return e.Kind == KindMemoryAlert || (e.Kind == KindBrowserRemoved && e.Reason != "idle" && e.Reason != "shutdown")
}
