package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorderObservations(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r, err := New(reg)
	require.NoError(t, err)

	r.ObserveAdmission("render", "success", 10*time.Millisecond)
	r.ObserveAdmission("render", "rate_limited", 0)
	r.ObserveTimeout("pdf")
	r.ObserveCleanup()
	r.SetPool(2, 3)
	r.SetMemoryUsage(512)
	r.SetPDFAvailable(1)
	r.SetDegradationScore(0.25)

	require.Equal(t, 1.0, testutil.ToFloat64(r.admissions.WithLabelValues("render", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.admissions.WithLabelValues("render", "rate_limited")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.timeouts.WithLabelValues("pdf")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.cleanupOps))
	require.Equal(t, 3.0, testutil.ToFloat64(r.poolBrowsers.WithLabelValues("in_use")))
	require.Equal(t, 512.0, testutil.ToFloat64(r.memoryUsageMB))
	require.Equal(t, 0.25, testutil.ToFloat64(r.degradationScore))

	_, err = New(reg)
	require.Error(t, err)
}

func TestNilRecorderIsNoop(t *testing.T) {
	t.Parallel()

	var r *Recorder
	r.ObserveAdmission("render", "success", time.Second)
	r.ObserveTimeout("render")
	r.SetPool(1, 1)

	h := r.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMiddlewareAndHandler(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r, err := New(reg)
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Use(r.Middleware)
	router.Get("/ok", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/missing", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) })
	router.Handle("/metrics", Handler(reg))

	for _, path := range []string{"/ok", "/missing"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}
	require.Equal(t, 1.0, testutil.ToFloat64(r.httpRequests.WithLabelValues("GET", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.httpRequests.WithLabelValues("GET", "404")))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "rendergw_http_requests_total"))
}
