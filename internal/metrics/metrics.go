// Package metrics exposes Prometheus collectors for the render gateway.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the gateway's collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	admissions       *prometheus.CounterVec
	acquireWait      *prometheus.HistogramVec
	timeouts         *prometheus.CounterVec
	poolBrowsers     *prometheus.GaugeVec
	memoryUsageMB    prometheus.Gauge
	pdfAvailable     prometheus.Gauge
	operations       *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	cleanupOps       prometheus.Counter
	degradationScore prometheus.Gauge
}

// New registers the collectors against reg (prometheus.DefaultRegisterer when nil).
func New(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendergw_admissions_total",
			Help: "Admission decisions partitioned by resource kind and outcome.",
		}, []string{"kind", "outcome"}),
		acquireWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rendergw_acquire_wait_seconds",
			Help:    "Time spent acquiring resources, partitioned by kind.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 3, 10},
		}, []string{"kind"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendergw_timeouts_total",
			Help: "Operation timeouts partitioned by kind.",
		}, []string{"kind"}),
		poolBrowsers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rendergw_pool_browsers",
			Help: "Browsers in the pool partitioned by state.",
		}, []string{"state"}),
		memoryUsageMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rendergw_memory_usage_mb",
			Help: "Estimated memory tracked by admission guards.",
		}),
		pdfAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rendergw_pdf_permits_available",
			Help: "Free PDF generation permits.",
		}),
		operations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rendergw_operation_duration_seconds",
			Help:    "Render and PDF operation latency partitioned by kind and result.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
		}, []string{"kind", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendergw_http_requests_total",
			Help: "HTTP requests partitioned by method and code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rendergw_http_request_duration_seconds",
			Help:    "HTTP request latency partitioned by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
		cleanupOps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rendergw_cleanup_operations_total",
			Help: "Cleanups triggered after operation timeouts.",
		}),
		degradationScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rendergw_degradation_score",
			Help: "Performance degradation score in [0, 1].",
		}),
	}
	for _, c := range []prometheus.Collector{
		r.admissions, r.acquireWait, r.timeouts, r.poolBrowsers, r.memoryUsageMB,
		r.pdfAvailable, r.operations, r.httpRequests, r.httpDuration, r.cleanupOps,
		r.degradationScore,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register gateway collector: %w", err)
		}
	}
	return r, nil
}

// ObserveAdmission records one admission decision and its wait.
func (r *Recorder) ObserveAdmission(kind, outcome string, wait time.Duration) {
	if r == nil {
		return
	}
	r.admissions.WithLabelValues(kind, outcome).Inc()
	r.acquireWait.WithLabelValues(kind).Observe(wait.Seconds())
}

// ObserveTimeout counts an operation timeout.
func (r *Recorder) ObserveTimeout(kind string) {
	if r == nil {
		return
	}
	r.timeouts.WithLabelValues(kind).Inc()
}

// ObserveCleanup counts a timeout-triggered cleanup.
func (r *Recorder) ObserveCleanup() {
	if r == nil {
		return
	}
	r.cleanupOps.Inc()
}

// ObserveOperation records a completed render or PDF operation.
func (r *Recorder) ObserveOperation(kind string, success bool, d time.Duration) {
	if r == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	r.operations.WithLabelValues(kind, result).Observe(d.Seconds())
}

// SetPool publishes pool occupancy.
func (r *Recorder) SetPool(available, inUse int) {
	if r == nil {
		return
	}
	r.poolBrowsers.WithLabelValues("available").Set(float64(available))
	r.poolBrowsers.WithLabelValues("in_use").Set(float64(inUse))
}

// SetMemoryUsage publishes tracked memory.
func (r *Recorder) SetMemoryUsage(mb int64) {
	if r == nil {
		return
	}
	r.memoryUsageMB.Set(float64(mb))
}

// SetPDFAvailable publishes free PDF permits.
func (r *Recorder) SetPDFAvailable(n int) {
	if r == nil {
		return
	}
	r.pdfAvailable.Set(float64(n))
}

// SetDegradationScore publishes the performance score.
func (r *Recorder) SetDegradationScore(score float64) {
	if r == nil {
		return
	}
	r.degradationScore.Set(score)
}

// Middleware is a chi middleware that records HTTP request metrics.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, req)
		if r == nil {
			return
		}
		route := "unknown"
		if rc := chi.RouteContext(req.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		r.httpRequests.WithLabelValues(req.Method, strconv.Itoa(ww.status)).Inc()
		r.httpDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Handler returns an http.Handler serving gatherer (the default gatherer when nil).
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
