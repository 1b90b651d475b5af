package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-gateway/internal/admission/admissiontest"
	"github.com/JakeFAU/render-gateway/internal/browserpool"
	"github.com/JakeFAU/render-gateway/internal/config"
	"github.com/JakeFAU/render-gateway/internal/memory"
	"github.com/JakeFAU/render-gateway/internal/metrics"
	"github.com/JakeFAU/render-gateway/internal/pdf"
	"github.com/JakeFAU/render-gateway/internal/perf"
	"github.com/JakeFAU/render-gateway/internal/ratelimit"
	"github.com/JakeFAU/render-gateway/internal/resource"
	blobmemory "github.com/JakeFAU/render-gateway/internal/storage/memory"
	"github.com/JakeFAU/render-gateway/internal/wasm"
)

type testEnv struct {
	server   *Server
	mgr      *resource.Manager
	memory   *memory.Manager
	launcher *admissiontest.Launcher
	store    *blobmemory.BlobStore
}

type envOptions struct {
	cfg      config.Config
	pdf      pdf.Config
	limit    ratelimit.Config
	perf     perf.Config
	timeouts resource.Timeouts
}

func defaultEnvOptions() envOptions {
	return envOptions{
		cfg: config.Config{
			Server: config.ServerConfig{RequestTimeout: 10 * time.Second},
			Wasm:   config.WasmConfig{ExtractFunction: "extract"},
		},
		pdf:      pdf.Config{MaxConcurrent: 1, QueueTimeout: 50 * time.Millisecond},
		limit:    ratelimit.Config{Enabled: true, RequestsPerSecond: 100, Burst: 100},
		perf:     perf.Config{WindowSize: 10},
		timeouts: resource.Timeouts{Render: 3 * time.Second, PDF: 10 * time.Second, Wasm: 5 * time.Second},
	}
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	clock := admissiontest.NewClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	env := &testEnv{
		launcher: admissiontest.NewLauncher(),
		memory:   memory.New(memory.Config{GlobalLimitMB: 2048, PressureThreshold: 0.85, GCTriggerThresholdMB: 1 << 30}, clock, nil),
		store:    blobmemory.NewBlobStore(),
	}
	pool, err := browserpool.New(context.Background(), browserpool.Config{
		InitialPoolSize:     1,
		MaxPoolSize:         1,
		CheckoutTimeout:     time.Second,
		HealthCheckInterval: time.Hour,
		HealthProbeTimeout:  time.Second,
		LaunchTimeout:       time.Second,
		RetryBackoff:        time.Millisecond,
	}, env.launcher, &admissiontest.IDs{Prefix: "browser-"}, nil, clock, nil)
	require.NoError(t, err)
	wasmMgr, err := wasm.New(wasm.Config{MaxOperationsPerInstance: 100}, admissiontest.NewWasmHost(), clock, nil)
	require.NoError(t, err)
	limiter, err := ratelimit.New(opts.limit, clock, nil)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	recorder, err := metrics.New(reg)
	require.NoError(t, err)

	env.mgr, err = resource.New(resource.Config{
		Timeouts:         opts.timeouts,
		RenderEstimateMB: 256,
		PDFEstimateMB:    128,
	}, resource.Deps{
		Pool:    pool,
		PDF:     pdf.New(opts.pdf),
		Wasm:    wasmMgr,
		Memory:  env.memory,
		Limiter: limiter,
		Perf:    perf.New(opts.perf, nil, perf.WithMemoryProvider(func() float64 { return 10 })),
		Metrics: recorder,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.mgr.Close(ctx)
	})

	env.server, err = NewServer(opts.cfg, Deps{
		Resources: env.mgr,
		Store:     env.store,
		IDs:       &admissiontest.IDs{Prefix: "a"},
		Clock:     clock,
		Metrics:   recorder,
		Gatherer:  reg,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRenderStoresArtifacts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultEnvOptions())
	rec := env.do(t, http.MethodPost, "/v1/render", `{"url":"https://Example.com/item","worker_id":"w1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "memory://render/2025/01/01/example.com/a1.html", body["artifact_uri"])
	require.Equal(t, "memory://extract/2025/01/01/example.com/a1.json", body["extract_uri"])
	require.Equal(t, "browser-1", body["browser_id"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	html, contentType, ok := env.store.Get("render/2025/01/01/example.com/a1.html")
	require.True(t, ok)
	require.Equal(t, "text/html; charset=utf-8", contentType)
	require.Contains(t, string(html), "https://Example.com/item")
	require.Equal(t, 2, env.store.Len())

	require.Eventually(t, func() bool {
		return env.mgr.Status().Pool.InUse == 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(0), env.memory.CurrentUsageMB())
}

func TestRenderRejectsBadInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultEnvOptions())
	cases := map[string]string{
		"invalid json": `{invalid`,
		"missing url":  `{"worker_id":"w1"}`,
		"no host":      `{"url":"/just/a/path"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/render", body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	require.Equal(t, 0, env.store.Len())
}

func TestRenderMemoryPressure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultEnvOptions())
	env.memory.TrackAllocation(2000)

	rec := env.do(t, http.MethodPost, "/v1/render", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "memory pressure", decodeBody(t, rec)["error"])
}

func TestRenderRateLimitedSetsRetryAfter(t *testing.T) {
	t.Parallel()

	opts := defaultEnvOptions()
	opts.limit = ratelimit.Config{Enabled: true, RequestsPerSecond: 1, Burst: 1}
	env := newTestEnv(t, opts)

	rec := env.do(t, http.MethodPost, "/v1/render", `{"url":"https://example.com/1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/render", `{"url":"https://example.com/2"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	require.EqualValues(t, 1000, decodeBody(t, rec)["retry_after_ms"])
}

func TestRenderTimeoutTriggersCleanup(t *testing.T) {
	t.Parallel()

	opts := defaultEnvOptions()
	opts.timeouts.Render = 20 * time.Millisecond
	env := newTestEnv(t, opts)
	launched := env.launcher.Launched()
	require.Len(t, launched, 1)
	launched[0].RenderDelay = time.Second

	rec := env.do(t, http.MethodPost, "/v1/render", `{"url":"https://example.com/slow"}`)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)

	status := env.mgr.Status()
	require.Equal(t, int64(1), status.TimeoutCount)
	require.Equal(t, int64(1), status.CleanupOperations)
	require.Equal(t, 0, env.store.Len())
}

func TestPDFStoresArtifact(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultEnvOptions())
	rec := env.do(t, http.MethodPost, "/v1/pdf", `{"url":"https://example.com/report"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "memory://pdf/2025/01/01/example.com/a1.pdf", body["artifact_uri"])
	data, contentType, ok := env.store.Get("pdf/2025/01/01/example.com/a1.pdf")
	require.True(t, ok)
	require.Equal(t, "application/pdf", contentType)
	require.True(t, bytes.HasPrefix(data, []byte("%PDF")))

	status := env.mgr.Status()
	require.Equal(t, 1, status.PDFAvailable)
	require.Equal(t, int64(0), status.PDFActive)
}

func TestPDFZeroCapacity(t *testing.T) {
	t.Parallel()

	opts := defaultEnvOptions()
	opts.pdf = pdf.Config{MaxConcurrent: 0}
	env := newTestEnv(t, opts)

	rec := env.do(t, http.MethodPost, "/v1/pdf", `{"url":"https://example.com/report"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "capacity exhausted", decodeBody(t, rec)["error"])
}

func TestPDFRejectsInvalidURLBeforePermit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultEnvOptions())
	rec := env.do(t, http.MethodPost, "/v1/pdf", `{"url":"no-host"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, 1, env.mgr.Status().PDFAvailable)
}

func TestResourceStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultEnvOptions())
	rec := env.do(t, http.MethodGet, "/v1/resources/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Contains(t, body, "browser_pool")
	require.Contains(t, body, "memory")
	require.EqualValues(t, 1, body["pdf_total"])
}

func TestReadyzReflectsTargets(t *testing.T) {
	t.Parallel()

	opts := defaultEnvOptions()
	opts.perf = perf.Config{WindowSize: 10, MaxErrorRate: 0.1, DegradationThreshold: 0.3}
	env := newTestEnv(t, opts)

	rec := env.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", decodeBody(t, rec)["status"])

	for range 3 {
		env.mgr.RecordRender("https://example.com", time.Millisecond, false, 0, 0)
	}
	rec = env.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "degraded", decodeBody(t, rec)["status"])
}

func TestHealthzAndMetrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultEnvOptions())
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	env.do(t, http.MethodPost, "/v1/render", `{"url":"https://example.com"}`)
	rec = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "rendergw_admissions_total")
	require.Contains(t, rec.Body.String(), "rendergw_http_requests_total")
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	opts := defaultEnvOptions()
	opts.cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	env := newTestEnv(t, opts)

	rec := env.do(t, http.MethodGet, "/v1/resources/status", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/resources/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/resources/status?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareKeepsIncomingID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultEnvOptions())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestNewServerRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewServer(config.Config{}, Deps{})
	require.Error(t, err)
}

func TestRetryAfterHelpers(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, retryAfterSeconds(0))
	require.Equal(t, 1, retryAfterSeconds(200*time.Millisecond))
	require.Equal(t, 3, retryAfterSeconds(2100*time.Millisecond))

	require.Equal(t, time.Second, jitter(time.Second, 0))
	for range 50 {
		d := jitter(time.Second, 0.5)
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestCountElements(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, countElements(""))
	require.Equal(t, 3, countElements("<html><body><p>x</p></body></html>"))
	require.Equal(t, 1, countElements("a < b <div>"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
