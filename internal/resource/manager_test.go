package resource

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/render-gateway/internal/admission"
	"github.com/JakeFAU/render-gateway/internal/admission/admissiontest"
	"github.com/JakeFAU/render-gateway/internal/browserpool"
	"github.com/JakeFAU/render-gateway/internal/memory"
	"github.com/JakeFAU/render-gateway/internal/metrics"
	"github.com/JakeFAU/render-gateway/internal/pdf"
	"github.com/JakeFAU/render-gateway/internal/perf"
	"github.com/JakeFAU/render-gateway/internal/ratelimit"
	"github.com/JakeFAU/render-gateway/internal/wasm"
)

type harness struct {
	mgr      *Manager
	pool     *browserpool.Pool
	launcher *admissiontest.Launcher
	wasmHost *admissiontest.WasmHost
	wasm     *wasm.Manager
	memory   *memory.Manager
	clock    *admissiontest.Clock
	reg      *prometheus.Registry
}

type options struct {
	pool    browserpool.Config
	pdf     pdf.Config
	limit   ratelimit.Config
	memory  memory.Config
	cleanup bool
}

func defaultOptions() options {
	return options{
		pool: browserpool.Config{
			InitialPoolSize:     1,
			MaxPoolSize:         2,
			CheckoutTimeout:     time.Second,
			HealthCheckInterval: time.Hour,
			HealthProbeTimeout:  time.Second,
			LaunchTimeout:       time.Second,
			RetryBackoff:        time.Millisecond,
		},
		pdf:    pdf.Config{MaxConcurrent: 2, QueueTimeout: 50 * time.Millisecond},
		limit:  ratelimit.Config{Enabled: true, RequestsPerSecond: 100, Burst: 100},
		memory: memory.Config{GlobalLimitMB: 2048, PressureThreshold: 0.85, GCTriggerThresholdMB: 1 << 30},
	}
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	h := &harness{
		launcher: admissiontest.NewLauncher(),
		wasmHost: admissiontest.NewWasmHost(),
		clock:    admissiontest.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	pool, err := browserpool.New(context.Background(), opts.pool, h.launcher, &admissiontest.IDs{Prefix: "b"}, nil, h.clock, nil)
	require.NoError(t, err)
	h.pool = pool
	h.wasm, err = wasm.New(wasm.Config{MaxOperationsPerInstance: 100}, h.wasmHost, h.clock, nil)
	require.NoError(t, err)
	limiter, err := ratelimit.New(opts.limit, h.clock, nil)
	require.NoError(t, err)
	h.memory = memory.New(opts.memory, h.clock, nil)
	h.reg = prometheus.NewRegistry()
	recorder, err := metrics.New(h.reg)
	require.NoError(t, err)

	h.mgr, err = New(Config{
		Timeouts:             Timeouts{Render: 3 * time.Second, PDF: 10 * time.Second, Global: 30 * time.Second},
		RenderEstimateMB:     256,
		PDFEstimateMB:        128,
		AutoCleanupOnTimeout: opts.cleanup,
	}, Deps{
		Pool:    pool,
		PDF:     pdf.New(opts.pdf),
		Wasm:    h.wasm,
		Memory:  h.memory,
		Limiter: limiter,
		Perf:    perf.New(perf.Config{WindowSize: 10}, nil),
		Metrics: recorder,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.mgr.Close(ctx)
	})
	return h
}

func (h *harness) wasmOps(t *testing.T, worker string) uint64 {
	t.Helper()
	for _, ih := range h.wasm.Health() {
		if ih.WorkerID == worker {
			return ih.OperationCount
		}
	}
	return 0
}

func TestRenderSuccessAndRelease(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	res, err := h.mgr.AcquireRenderResources(context.Background(), "w1", "https://Example.com/a")
	require.NoError(t, err)
	require.True(t, res.OK())
	g := res.Guard
	require.Equal(t, KindRender, g.Kind())
	require.NotNil(t, g.Browser())
	require.NotEmpty(t, g.BrowserID())
	require.NotNil(t, g.Wasm())
	require.Equal(t, int64(256), h.memory.CurrentUsageMB())
	require.Equal(t, 1, h.pool.Stats().InUse)
	require.Equal(t, uint64(1), h.wasmOps(t, "w1"))

	g.Release()
	g.Release()
	require.Zero(t, h.memory.CurrentUsageMB())
	require.Eventually(t, func() bool {
		s := h.pool.Stats()
		return s.InUse == 0 && s.Available == 1
	}, 2*time.Second, 5*time.Millisecond)

	status := h.mgr.Status()
	require.Equal(t, int64(1), status.RenderOperations)
	require.Zero(t, status.RenderActive)
	require.Equal(t, 1, status.WasmInstances)
	series, err := testutil.GatherAndCount(h.reg, "rendergw_admissions_total")
	require.NoError(t, err)
	require.Equal(t, 1, series)
}

func TestInvalidURLTouchesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	for _, raw := range []string{"", "::not a url", "/relative/only"} {
		res, err := h.mgr.AcquireRenderResources(context.Background(), "w1", raw)
		require.ErrorIs(t, err, admission.ErrInvalidURL, raw)
		require.Nil(t, res.Guard)
	}
	require.Empty(t, h.wasm.Health())
	require.Zero(t, h.pool.Stats().InUse)
}

func TestMemoryPressureRejectsFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	h.memory.TrackAllocation(1800)

	res, err := h.mgr.AcquireRenderResources(context.Background(), "w1", "https://example.com")
	require.NoError(t, err)
	require.Equal(t, OutcomeMemoryPressure, res.Outcome)
	require.Nil(t, res.Guard)
	require.Zero(t, h.mgr.Status().TrackedHosts)
	require.Empty(t, h.wasm.Health())

	pdfRes := h.mgr.AcquirePDFResources(context.Background())
	require.Equal(t, OutcomeMemoryPressure, pdfRes.Outcome)
	require.Equal(t, 2, h.mgr.Status().PDFAvailable)
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.limit = ratelimit.Config{Enabled: true, RequestsPerSecond: 1, Burst: 1}
	h := newHarness(t, opts)

	res, err := h.mgr.AcquireRenderResources(context.Background(), "w1", "https://x.com/1")
	require.NoError(t, err)
	require.True(t, res.OK())
	res.Guard.Release()

	res, err = h.mgr.AcquireRenderResources(context.Background(), "w1", "https://x.com/2")
	require.NoError(t, err)
	require.Equal(t, OutcomeRateLimited, res.Outcome)
	require.Equal(t, time.Second, res.RetryAfter)
	require.Nil(t, res.Guard)
	require.Equal(t, uint64(1), h.wasmOps(t, "w1"))

	h.clock.Advance(1100 * time.Millisecond)
	res, err = h.mgr.AcquireRenderResources(context.Background(), "w1", "https://x.com/3")
	require.NoError(t, err)
	require.True(t, res.OK())
	res.Guard.Release()
	require.Equal(t, uint64(1), h.mgr.Status().RateLimitHits)
}

func TestCheckoutTimeoutRollsBackWasm(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.pool.MaxPoolSize = 1
	opts.pool.CheckoutTimeout = 50 * time.Millisecond
	h := newHarness(t, opts)

	warm, err := h.mgr.AcquireRenderResources(context.Background(), "w2", "https://a.example")
	require.NoError(t, err)
	require.True(t, warm.OK())
	warm.Guard.Release()
	require.Eventually(t, func() bool { return h.pool.Stats().InUse == 0 }, time.Second, 5*time.Millisecond)

	held, err := h.mgr.AcquireRenderResources(context.Background(), "w1", "https://a.example")
	require.NoError(t, err)
	require.True(t, held.OK())
	defer held.Guard.Release()
	before := h.wasmOps(t, "w2")

	res, err := h.mgr.AcquireRenderResources(context.Background(), "w2", "https://b.example")
	require.NoError(t, err)
	require.Equal(t, OutcomeTimeout, res.Outcome)
	require.Nil(t, res.Guard)
	require.Equal(t, uint64(1), before)
	require.Equal(t, before, h.wasmOps(t, "w2"))
	require.Equal(t, int64(256), h.memory.CurrentUsageMB())
	require.Equal(t, int64(1), h.mgr.Status().TimeoutCount)

	// The rolled-back reservation freed the worker.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reservation, err := h.wasm.Acquire(ctx, "w2")
	require.NoError(t, err)
	reservation.Release(false)
}

func TestBusyWorkerWaitTimesOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	held, err := h.mgr.AcquireRenderResources(context.Background(), "w1", "https://a.example")
	require.NoError(t, err)
	require.True(t, held.OK())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res, err := h.mgr.AcquireRenderResources(ctx, "w1", "https://b.example")
	require.NoError(t, err)
	require.Equal(t, OutcomeTimeout, res.Outcome)
	require.Nil(t, res.Guard)
	require.Equal(t, 1, h.pool.Stats().InUse)
	require.Equal(t, int64(1), h.mgr.Status().TimeoutCount)

	held.Guard.Release()
	res, err = h.mgr.AcquireRenderResources(context.Background(), "w1", "https://c.example")
	require.NoError(t, err)
	require.True(t, res.OK())
	res.Guard.Release()
}

func TestLaunchFailureIsResourceExhausted(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.pool.InitialPoolSize = 0
	h := newHarness(t, opts)
	h.launcher.FailNext(10)

	res, err := h.mgr.AcquireRenderResources(context.Background(), "w1", "https://a.example")
	require.NoError(t, err)
	require.Equal(t, OutcomeResourceExhausted, res.Outcome)
	require.Zero(t, h.wasmOps(t, "w1"))
	require.Zero(t, h.memory.CurrentUsageMB())
}

func TestWasmFailureIsResourceExhausted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	h.wasmHost.SetFail(true)

	res, err := h.mgr.AcquireRenderResources(context.Background(), "w1", "https://a.example")
	require.NoError(t, err)
	require.Equal(t, OutcomeResourceExhausted, res.Outcome)
	require.Zero(t, h.pool.Stats().InUse)
}

func TestReportFailureReachesWasmAndBrowser(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	res, err := h.mgr.AcquireRenderResources(context.Background(), "w1", "https://a.example")
	require.NoError(t, err)
	res.Guard.ReportFailure()
	res.Guard.Release()

	health := h.wasm.Health()
	require.Len(t, health, 1)
	require.Equal(t, 1, health[0].Failures)
}

func TestPDFCapacity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	start := make(chan struct{})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []Result
	)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res := h.mgr.AcquirePDFResources(context.Background())
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	var granted []*Guard
	timeouts := 0
	for _, res := range results {
		switch res.Outcome {
		case OutcomeSuccess:
			granted = append(granted, res.Guard)
		case OutcomeTimeout:
			timeouts++
		}
	}
	require.Len(t, granted, 2)
	require.Equal(t, 1, timeouts)
	require.Equal(t, int64(256), h.memory.CurrentUsageMB())

	granted[1].Release()
	granted[0].Release()
	status := h.mgr.Status()
	require.Equal(t, status.PDFTotal, status.PDFAvailable)
	require.Zero(t, status.PDFActive)
	require.Zero(t, h.memory.CurrentUsageMB())
}

func TestPDFZeroCapacity(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.pdf = pdf.Config{MaxConcurrent: 0, QueueTimeout: time.Hour}
	h := newHarness(t, opts)

	res := h.mgr.AcquirePDFResources(context.Background())
	require.Equal(t, OutcomeResourceExhausted, res.Outcome)
	require.Nil(t, res.Guard)
	require.Zero(t, h.mgr.Status().TimeoutCount)
}

func TestConcurrentReleaseIsExactlyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	h.memory.TrackAllocation(100)
	res, err := h.mgr.AcquireRenderResources(context.Background(), "w1", "https://a.example")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.Guard.Release()
		}()
	}
	wg.Wait()
	require.Equal(t, int64(100), h.memory.CurrentUsageMB())
}

func TestCleanupOnTimeout(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.cleanup = true
	h := newHarness(t, opts)

	h.mgr.CleanupOnTimeout(KindRender)
	h.mgr.CleanupOnTimeout(KindWasm)

	status := h.mgr.Status()
	require.Equal(t, int64(2), status.CleanupOperations)
	require.Equal(t, int64(2), status.TimeoutCount)
	require.Equal(t, int64(2), status.Memory.CleanupCount)
	require.Equal(t, uint64(1), status.Operations["render"].Timeouts)
}

func TestCleanupWithoutAutoCleanup(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	h.mgr.CleanupOnTimeout(KindPDF)

	status := h.mgr.Status()
	require.Equal(t, int64(1), status.CleanupOperations)
	require.Zero(t, status.Memory.CleanupCount)
}

func TestTimeoutsTable(t *testing.T) {
	t.Parallel()

	tbl := Timeouts{Render: time.Second, Global: time.Minute}
	require.Equal(t, time.Second, tbl.For(KindRender))
	require.Equal(t, time.Minute, tbl.For(KindPDF))
	require.Equal(t, time.Minute, tbl.For(Kind("other")))
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "rate_limited", OutcomeRateLimited.String())
	require.Equal(t, "unknown", Outcome(42).String())
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}
