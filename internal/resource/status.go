package resource

import (
	"github.com/JakeFAU/render-gateway/internal/browserpool"
	"github.com/JakeFAU/render-gateway/internal/memory"
	"github.com/JakeFAU/render-gateway/internal/perf"
	"github.com/JakeFAU/render-gateway/internal/wasm"
)

// Status is a read-only snapshot of every gate.
type Status struct {
	Pool              browserpool.Stats         `json:"browser_pool"`
	PDFAvailable      int                       `json:"pdf_available"`
	PDFTotal          int                       `json:"pdf_total"`
	PDFActive         int64                     `json:"pdf_active"`
	RenderActive      int64                     `json:"render_active"`
	RenderOperations  int64                     `json:"render_operations"`
	Memory            memory.Stats              `json:"memory"`
	RateLimitHits     uint64                    `json:"rate_limit_hits"`
	TrackedHosts      int                       `json:"tracked_hosts"`
	TimeoutCount      int64                     `json:"timeout_count"`
	CleanupOperations int64                     `json:"cleanup_operations"`
	WasmInstances     int                       `json:"wasm_instances"`
	WasmHealth        []wasm.InstanceHealth     `json:"wasm_health,omitempty"`
	Operations        map[string]perf.KindStats `json:"operations,omitempty"`
	DegradationScore  float64                   `json:"degradation_score"`
	Degraded          bool                      `json:"degraded"`
}

// Status collects a snapshot. It is safe to call concurrently with
// acquisitions; each field is read through the owning gate's accessor.
func (m *Manager) Status() Status {
	health := m.wasm.Health()
	score := m.perf.DegradationScore()
	m.metrics.SetDegradationScore(score)
	return Status{
		Pool:              m.pool.Stats(),
		PDFAvailable:      m.pdf.Available(),
		PDFTotal:          m.pdf.Total(),
		PDFActive:         m.pdfActive.Load(),
		RenderActive:      m.renderActive.Load(),
		RenderOperations:  m.renderOps.Load(),
		Memory:            m.memory.Stats(),
		RateLimitHits:     m.limiter.Hits(),
		TrackedHosts:      m.limiter.HostCount(),
		TimeoutCount:      m.perf.TimeoutCount(),
		CleanupOperations: m.cleanupOps.Load(),
		WasmInstances:     len(health),
		WasmHealth:        health,
		Operations:        m.perf.Kinds(),
		DegradationScore:  score,
		Degraded:          m.perf.Degraded(),
	}
}
