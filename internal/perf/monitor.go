// Package perf keeps rolling operation metrics and derives a degradation
// score from error rate and latency relative to configured targets.
package perf

import (
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-gateway/internal/logging"
)

const (
	defaultWindowSize = 100
	// renderKind is the only kind scored against RenderLatencyTarget.
	renderKind = "render"
)

// Config sets the targets the monitor scores against.
type Config struct {
	RenderLatencyTarget time.Duration
	MaxErrorRate        float64
	MemoryTargetMB      float64
	// DegradationThreshold is the score at or above which the service
	// reports itself degraded.
	DegradationThreshold float64
	// WindowSize is the number of recent operations scored.
	WindowSize int
}

// KindStats are cumulative counters for one operation kind.
type KindStats struct {
	Attempts      uint64        `json:"attempts"`
	Successes     uint64        `json:"successes"`
	Failures      uint64        `json:"failures"`
	Timeouts      uint64        `json:"timeouts"`
	TotalDuration time.Duration `json:"total_duration"`
	Bytes         uint64        `json:"bytes"`
}

// AverageLatency returns the mean duration of completed attempts.
func (k KindStats) AverageLatency() time.Duration {
	if k.Attempts == 0 {
		return 0
	}
	return k.TotalDuration / time.Duration(k.Attempts)
}

// TargetResult is one target comparison from CheckTargets.
type TargetResult struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Pass      bool    `json:"pass"`
}

type sample struct {
	kind     string
	duration time.Duration
	success  bool
	timeout  bool
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithMemoryProvider replaces the resident-memory probe used by CheckTargets.
func WithMemoryProvider(fn func() float64) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.memoryMB = fn
		}
	}
}

// Monitor aggregates operation outcomes. It is safe for concurrent use.
type Monitor struct {
	cfg      Config
	memoryMB func() float64
	logger   *zap.Logger

	mu     sync.Mutex
	window []sample
	next   int
	kinds  map[string]*KindStats

	timeouts atomic.Int64
}

// New creates a Monitor.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Monitor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	m := &Monitor{
		cfg:      cfg,
		memoryMB: processMemoryMB,
		logger:   logging.Named(logger, "perf"),
		window:   make([]sample, 0, cfg.WindowSize),
		kinds:    make(map[string]*KindStats),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func processMemoryMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys) / (1024 * 1024)
}

// RecordRender records a render of url. nodes is the extracted node count.
func (m *Monitor) RecordRender(url string, d time.Duration, success bool, bytes, nodes int) {
	m.RecordOperation(renderKind, d, success, bytes)
	m.logger.Debug("render recorded",
		zap.String("url", url),
		zap.Duration("duration", d),
		zap.Bool("success", success),
		zap.Int("bytes", bytes),
		zap.Int("nodes", nodes),
	)
}

// RecordOperation records one completed operation of kind.
func (m *Monitor) RecordOperation(kind string, d time.Duration, success bool, bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.kindLocked(kind)
	k.Attempts++
	k.TotalDuration += d
	if success {
		k.Successes++
	} else {
		k.Failures++
	}
	if bytes > 0 {
		k.Bytes += uint64(bytes)
	}
	m.pushLocked(sample{kind: kind, duration: d, success: success})
}

// RecordTimeout records an operation of kind that hit its timeout. Timeouts
// count as failures in the scoring window.
func (m *Monitor) RecordTimeout(kind string) {
	m.timeouts.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kindLocked(kind).Timeouts++
	m.pushLocked(sample{kind: kind, timeout: true})
}

// TimeoutCount returns the cumulative number of timeouts.
func (m *Monitor) TimeoutCount() int64 {
	return m.timeouts.Load()
}

func (m *Monitor) kindLocked(kind string) *KindStats {
	k, ok := m.kinds[kind]
	if !ok {
		k = &KindStats{}
		m.kinds[kind] = k
	}
	return k
}

func (m *Monitor) pushLocked(s sample) {
	if len(m.window) < m.cfg.WindowSize {
		m.window = append(m.window, s)
		return
	}
	m.window[m.next] = s
	m.next = (m.next + 1) % m.cfg.WindowSize
}

// windowStats returns the error rate of the scoring window and the mean and
// p95 latency of its renders. Every kind contributes to the error rate;
// timeouts contribute to nothing else.
func (m *Monitor) windowStats() (errRate float64, mean, p95 time.Duration, n int) {
	m.mu.Lock()
	durations := make([]time.Duration, 0, len(m.window))
	failures := 0
	for _, s := range m.window {
		if !s.success {
			failures++
		}
		if s.kind == renderKind && !s.timeout {
			durations = append(durations, s.duration)
		}
	}
	n = len(m.window)
	m.mu.Unlock()

	if n == 0 {
		return 0, 0, 0, 0
	}
	errRate = float64(failures) / float64(n)
	if len(durations) == 0 {
		return errRate, 0, 0, n
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	mean = total / time.Duration(len(durations))
	slices.Sort(durations)
	idx := (len(durations)*95 + 99) / 100
	p95 = durations[max(idx-1, 0)]
	return errRate, mean, p95, n
}

// DegradationScore returns a value in [0, 1] where 0 is fully healthy. Half
// of the score comes from the error rate relative to MaxErrorRate and half
// from mean render latency in excess of RenderLatencyTarget.
func (m *Monitor) DegradationScore() float64 {
	errRate, mean, _, n := m.windowStats()
	if n == 0 {
		return 0
	}
	var errPart float64
	switch {
	case m.cfg.MaxErrorRate > 0:
		errPart = clamp01(errRate / m.cfg.MaxErrorRate)
	case errRate > 0:
		errPart = 1
	}
	var latPart float64
	if target := m.cfg.RenderLatencyTarget; target > 0 && mean > target {
		latPart = clamp01(float64(mean-target) / float64(target))
	}
	return 0.5*errPart + 0.5*latPart
}

// Degraded reports whether the score has reached DegradationThreshold.
func (m *Monitor) Degraded() bool {
	return m.cfg.DegradationThreshold > 0 && m.DegradationScore() >= m.cfg.DegradationThreshold
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}

// Kinds returns a copy of the per-kind counters.
func (m *Monitor) Kinds() map[string]KindStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]KindStats, len(m.kinds))
	for name, k := range m.kinds {
		out[name] = *k
	}
	return out
}

// CheckTargets compares live measurements against the configured targets.
// Targets with no configured threshold are omitted.
func (m *Monitor) CheckTargets() []TargetResult {
	errRate, _, p95, _ := m.windowStats()
	score := m.DegradationScore()

	var out []TargetResult
	if m.cfg.MemoryTargetMB > 0 {
		mem := m.memoryMB()
		out = append(out, TargetResult{Name: "memory_mb", Value: mem, Threshold: m.cfg.MemoryTargetMB, Pass: mem <= m.cfg.MemoryTargetMB})
	}
	if m.cfg.DegradationThreshold > 0 {
		out = append(out, TargetResult{Name: "degradation_score", Value: score, Threshold: m.cfg.DegradationThreshold, Pass: score < m.cfg.DegradationThreshold})
	}
	if m.cfg.RenderLatencyTarget > 0 {
		target := m.cfg.RenderLatencyTarget.Seconds()
		out = append(out, TargetResult{Name: "p95_latency_seconds", Value: p95.Seconds(), Threshold: target, Pass: p95.Seconds() <= target})
	}
	if m.cfg.MaxErrorRate > 0 {
		out = append(out, TargetResult{Name: "error_rate", Value: errRate, Threshold: m.cfg.MaxErrorRate, Pass: errRate <= m.cfg.MaxErrorRate})
	}
	return out
}
