// Package resource composes the admission gates into render and PDF
// acquisitions that return a single guard per call.
//
// The cheap synchronous checks run first: memory pressure, then the host
// rate limit. Only then does a render acquisition reserve the worker's WASM
// instance and wait for a browser. A failed browser checkout rolls the WASM
// reservation back, so a call either grants everything or nothing.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-gateway/internal/admission"
	"github.com/JakeFAU/render-gateway/internal/browserpool"
	"github.com/JakeFAU/render-gateway/internal/logging"
	"github.com/JakeFAU/render-gateway/internal/memory"
	"github.com/JakeFAU/render-gateway/internal/metrics"
	"github.com/JakeFAU/render-gateway/internal/pdf"
	"github.com/JakeFAU/render-gateway/internal/perf"
	"github.com/JakeFAU/render-gateway/internal/ratelimit"
	"github.com/JakeFAU/render-gateway/internal/wasm"
)

// Config tunes the orchestrator.
type Config struct {
	Timeouts Timeouts
	// RenderEstimateMB and PDFEstimateMB are tracked against the memory
	// budget for as long as a guard is held.
	RenderEstimateMB     int64
	PDFEstimateMB        int64
	AutoCleanupOnTimeout bool
}

// Deps are the gates the Manager composes. Metrics may be nil.
type Deps struct {
	Pool    *browserpool.Pool
	PDF     *pdf.Governor
	Wasm    *wasm.Manager
	Memory  *memory.Manager
	Limiter *ratelimit.Limiter
	Perf    *perf.Monitor
	Metrics *metrics.Recorder
	Logger  *zap.Logger
}

// Manager is the admission controller. It is created once at startup and
// shared by every request.
type Manager struct {
	cfg     Config
	pool    *browserpool.Pool
	pdf     *pdf.Governor
	wasm    *wasm.Manager
	memory  *memory.Manager
	limiter *ratelimit.Limiter
	perf    *perf.Monitor
	metrics *metrics.Recorder
	logger  *zap.Logger

	renderActive atomic.Int64
	pdfActive    atomic.Int64
	renderOps    atomic.Int64
	cleanupOps   atomic.Int64
}

// New validates deps and builds a Manager.
func New(cfg Config, deps Deps) (*Manager, error) {
	switch {
	case deps.Pool == nil:
		return nil, errors.New("browser pool is required")
	case deps.PDF == nil:
		return nil, errors.New("pdf governor is required")
	case deps.Wasm == nil:
		return nil, errors.New("wasm manager is required")
	case deps.Memory == nil:
		return nil, errors.New("memory manager is required")
	case deps.Limiter == nil:
		return nil, errors.New("rate limiter is required")
	case deps.Perf == nil:
		return nil, errors.New("performance monitor is required")
	case cfg.RenderEstimateMB < 0 || cfg.PDFEstimateMB < 0:
		return nil, fmt.Errorf("memory estimates must be >= 0")
	}
	return &Manager{
		cfg:     cfg,
		pool:    deps.Pool,
		pdf:     deps.PDF,
		wasm:    deps.Wasm,
		memory:  deps.Memory,
		limiter: deps.Limiter,
		perf:    deps.Perf,
		metrics: deps.Metrics,
		logger:  logging.Named(deps.Logger, "resource"),
	}, nil
}

// Timeout returns the operation timeout for kind.
func (m *Manager) Timeout(kind Kind) time.Duration {
	return m.cfg.Timeouts.For(kind)
}

// AcquireRenderResources admits a render of rawURL for workerID. A URL
// without a usable host is returned as an error wrapping
// admission.ErrInvalidURL before any gate is consulted; every other
// rejection is reported through the Result.
func (m *Manager) AcquireRenderResources(ctx context.Context, workerID, rawURL string) (Result, error) {
	start := time.Now()
	host, err := ratelimit.HostOf(rawURL)
	if err != nil {
		return Result{}, err
	}

	if m.memory.IsUnderPressure() {
		m.logger.Debug("render rejected: memory pressure", zap.Int64("usage_mb", m.memory.CurrentUsageMB()))
		return m.finish(KindRender, Result{Outcome: OutcomeMemoryPressure}, start), nil
	}
	if ok, retryAfter := m.limiter.Check(host); !ok {
		m.logger.Debug("render rejected: rate limited", zap.String("host", host), zap.Duration("retry_after", retryAfter))
		return m.finish(KindRender, Result{Outcome: OutcomeRateLimited, RetryAfter: retryAfter}, start), nil
	}

	reservation, err := m.wasm.Acquire(ctx, workerID)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		m.logger.Warn("wasm reservation wait timed out", zap.String("worker_id", workerID), zap.Error(err))
		m.recordTimeout(KindRender)
		return m.finish(KindRender, Result{Outcome: OutcomeTimeout}, start), nil
	default:
		m.logger.Error("wasm reservation failed", zap.String("worker_id", workerID), zap.Error(err))
		return m.finish(KindRender, Result{Outcome: OutcomeResourceExhausted}, start), nil
	}

	checkout, err := m.pool.Checkout(ctx)
	if err != nil {
		reservation.Rollback()
		outcome := OutcomeTimeout
		switch {
		case errors.Is(err, admission.ErrLaunchFailed), errors.Is(err, admission.ErrPoolClosed):
			outcome = OutcomeResourceExhausted
			m.logger.Error("browser checkout failed", zap.String("worker_id", workerID), zap.Error(err))
		default:
			m.logger.Warn("browser checkout timed out", zap.String("worker_id", workerID), zap.Error(err))
			m.recordTimeout(KindRender)
		}
		return m.finish(KindRender, Result{Outcome: outcome}, start), nil
	}

	g := &Guard{kind: KindRender, checkout: checkout, wasm: reservation}
	m.memory.TrackAllocation(m.cfg.RenderEstimateMB)
	m.renderActive.Add(1)
	m.renderOps.Add(1)
	g.onRelease(func() { reservation.Release(g.failed.Load()) })
	g.onRelease(checkout.Release)
	g.onRelease(func() {
		m.memory.TrackDeallocation(m.cfg.RenderEstimateMB)
		m.renderActive.Add(-1)
		m.publishGauges()
	})
	return m.finish(KindRender, Result{Outcome: OutcomeSuccess, Guard: g}, start), nil
}

// AcquirePDFResources admits one PDF generation. It reports
// OutcomeResourceExhausted when PDF capacity is configured to zero and
// OutcomeTimeout when no permit frees up within the queue timeout.
func (m *Manager) AcquirePDFResources(ctx context.Context) Result {
	start := time.Now()
	if m.memory.IsUnderPressure() {
		m.logger.Debug("pdf rejected: memory pressure", zap.Int64("usage_mb", m.memory.CurrentUsageMB()))
		return m.finish(KindPDF, Result{Outcome: OutcomeMemoryPressure}, start)
	}

	permit, err := m.pdf.Acquire(ctx)
	switch {
	case errors.Is(err, admission.ErrCapacityZero):
		return m.finish(KindPDF, Result{Outcome: OutcomeResourceExhausted}, start)
	case err != nil:
		m.logger.Warn("pdf permit wait timed out", zap.Error(err))
		m.recordTimeout(KindPDF)
		return m.finish(KindPDF, Result{Outcome: OutcomeTimeout}, start)
	}

	g := &Guard{kind: KindPDF}
	m.memory.TrackAllocation(m.cfg.PDFEstimateMB)
	m.pdfActive.Add(1)
	g.onRelease(permit.Release)
	g.onRelease(func() {
		m.memory.TrackDeallocation(m.cfg.PDFEstimateMB)
		m.pdfActive.Add(-1)
		m.publishGauges()
	})
	return m.finish(KindPDF, Result{Outcome: OutcomeSuccess, Guard: g}, start)
}

func (m *Manager) finish(kind Kind, res Result, start time.Time) Result {
	m.metrics.ObserveAdmission(string(kind), res.Outcome.String(), time.Since(start))
	m.publishGauges()
	return res
}

func (m *Manager) publishGauges() {
	if m.metrics == nil {
		return
	}
	stats := m.pool.Stats()
	m.metrics.SetPool(stats.Available, stats.InUse)
	m.metrics.SetMemoryUsage(m.memory.CurrentUsageMB())
	m.metrics.SetPDFAvailable(m.pdf.Available())
}

func (m *Manager) recordTimeout(kind Kind) {
	m.perf.RecordTimeout(string(kind))
	m.metrics.ObserveTimeout(string(kind))
}

// CleanupOnTimeout is called when an operation of kind exceeded its
// timeout. It records the timeout and, with auto cleanup enabled, releases
// cached memory and asks the browser pool to re-validate its browsers now.
func (m *Manager) CleanupOnTimeout(kind Kind) {
	m.logger.Warn("operation timed out, cleaning up", zap.String("kind", string(kind)))
	m.recordTimeout(kind)
	if m.cfg.AutoCleanupOnTimeout {
		m.memory.TriggerCleanup()
		if kind == KindRender || kind == KindPDF {
			m.pool.TriggerHealthCheck()
		}
	}
	if m.memory.ShouldTriggerGC() {
		m.memory.TriggerGC()
	}
	m.cleanupOps.Add(1)
	m.metrics.ObserveCleanup()
}

// RecordRender feeds a completed render into the performance monitor.
func (m *Manager) RecordRender(url string, d time.Duration, success bool, bytes, nodes int) {
	m.perf.RecordRender(url, d, success, bytes, nodes)
	m.metrics.ObserveOperation(string(KindRender), success, d)
}

// RecordPDF feeds a completed PDF generation into the performance monitor.
func (m *Manager) RecordPDF(d time.Duration, success bool, bytes int) {
	m.perf.RecordOperation(string(KindPDF), d, success, bytes)
	m.metrics.ObserveOperation(string(KindPDF), success, d)
}

// CheckTargets reports live measurements against performance targets.
func (m *Manager) CheckTargets() []perf.TargetResult {
	return m.perf.CheckTargets()
}

// Close stops the rate limiter sweep, tears down WASM instances and shuts
// the browser pool down.
func (m *Manager) Close(ctx context.Context) error {
	m.limiter.Close()
	m.wasm.Close(ctx)
	if err := m.pool.Close(ctx); err != nil {
		return fmt.Errorf("close resources: %w", err)
	}
	return nil
}
