// Package memory tracks the gateway's estimated memory usage against a global
// budget and reports pressure to admission callers.
package memory

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-gateway/internal/admission"
	"github.com/JakeFAU/render-gateway/internal/clock/system"
	"github.com/JakeFAU/render-gateway/internal/logging"
)

// Config sets the budget and thresholds.
type Config struct {
	// GlobalLimitMB is the reference limit for pressure; zero disables pressure.
	GlobalLimitMB int64
	// PressureThreshold is the usage ratio at or above which pressure is reported.
	PressureThreshold float64
	// GCTriggerThresholdMB is the usage at or above which a GC is advised.
	GCTriggerThresholdMB int64
}

// Stats is a point-in-time snapshot of the manager.
type Stats struct {
	CurrentUsageMB    int64     `json:"current_usage_mb"`
	GlobalLimitMB     int64     `json:"global_limit_mb"`
	PressureThreshold float64   `json:"pressure_threshold"`
	UnderPressure     bool      `json:"under_pressure"`
	CleanupCount      int64     `json:"cleanup_count"`
	GCCount           int64     `json:"gc_count"`
	LastCleanup       time.Time `json:"last_cleanup,omitzero"`
}

// Manager is a lock-free usage counter.
type Manager struct {
	cfg    Config
	clock  admission.Clock
	logger *zap.Logger

	usage       atomic.Int64
	pressured   atomic.Bool
	cleanups    atomic.Int64
	gcs         atomic.Int64
	lastCleanup atomic.Int64
}

// New creates a Manager. A nil clock reads the wall clock.
func New(cfg Config, clock admission.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = system.New()
	}
	return &Manager{cfg: cfg, clock: clock, logger: logging.Named(logger, "memory")}
}

// TrackAllocation adds mb to the current usage.
func (m *Manager) TrackAllocation(mb int64) {
	if mb <= 0 {
		return
	}
	m.usage.Add(mb)
	m.notePressure()
}

// TrackDeallocation subtracts mb from the current usage, saturating at zero.
func (m *Manager) TrackDeallocation(mb int64) {
	if mb <= 0 {
		return
	}
	for {
		cur := m.usage.Load()
		next := cur - mb
		if next < 0 {
			next = 0
		}
		if m.usage.CompareAndSwap(cur, next) {
			break
		}
	}
	m.notePressure()
}

// CurrentUsageMB returns the tracked usage.
func (m *Manager) CurrentUsageMB() int64 {
	return m.usage.Load()
}

// IsUnderPressure reports whether usage/limit has reached the threshold.
func (m *Manager) IsUnderPressure() bool {
	return m.pressureAt(m.usage.Load())
}

func (m *Manager) pressureAt(usage int64) bool {
	if m.cfg.GlobalLimitMB <= 0 || m.cfg.PressureThreshold <= 0 {
		return false
	}
	return float64(usage)/float64(m.cfg.GlobalLimitMB) >= m.cfg.PressureThreshold
}

// notePressure logs pressure transitions once per edge.
func (m *Manager) notePressure() {
	usage := m.usage.Load()
	now := m.pressureAt(usage)
	if m.pressured.Swap(now) == now {
		return
	}
	if now {
		m.logger.Warn("memory pressure detected",
			zap.Int64("usage_mb", usage),
			zap.Int64("limit_mb", m.cfg.GlobalLimitMB),
		)
		return
	}
	m.logger.Info("memory pressure relieved", zap.Int64("usage_mb", usage))
}

// TriggerCleanup records a cleanup request; callers release their own
// resources, this only stamps and counts the request.
func (m *Manager) TriggerCleanup() {
	m.cleanups.Add(1)
	m.lastCleanup.Store(m.clock.Now().UnixNano())
	m.logger.Debug("memory cleanup triggered", zap.Int64("usage_mb", m.usage.Load()))
}

// ShouldTriggerGC reports whether usage has reached the GC threshold.
func (m *Manager) ShouldTriggerGC() bool {
	return m.cfg.GCTriggerThresholdMB > 0 && m.usage.Load() >= m.cfg.GCTriggerThresholdMB
}

// TriggerGC forces a collection and returns freed memory to the OS.
func (m *Manager) TriggerGC() {
	runtime.GC()
	debug.FreeOSMemory()
	m.gcs.Add(1)
	m.logger.Info("garbage collection triggered", zap.Int64("usage_mb", m.usage.Load()))
}

// Stats returns a snapshot.
func (m *Manager) Stats() Stats {
	usage := m.usage.Load()
	s := Stats{
		CurrentUsageMB:    usage,
		GlobalLimitMB:     m.cfg.GlobalLimitMB,
		PressureThreshold: m.cfg.PressureThreshold,
		UnderPressure:     m.pressureAt(usage),
		CleanupCount:      m.cleanups.Load(),
		GCCount:           m.gcs.Load(),
	}
	if ns := m.lastCleanup.Load(); ns > 0 {
		s.LastCleanup = time.Unix(0, ns).UTC()
	}
	return s
}
