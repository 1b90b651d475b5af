package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/render-gateway/internal/events"
)

// PrometheusSink exports pool lifecycle counters.
type PrometheusSink struct {
	events        *prometheus.CounterVec
	removals      *prometheus.CounterVec
	memoryAlertMB prometheus.Histogram
	healthy       prometheus.Gauge
	unhealthy     prometheus.Gauge
	poolSize      prometheus.Gauge
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendergw_pool_events_total",
			Help: "Browser pool events partitioned by kind.",
		}, []string{"kind"}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendergw_browser_removals_total",
			Help: "Browsers removed from the pool partitioned by reason.",
		}, []string{"reason"}),
		memoryAlertMB: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rendergw_browser_memory_alert_mb",
			Help:    "Sampled browser memory when a soft-limit alert fired.",
			Buckets: []float64{256, 384, 512, 768, 1024, 2048},
		}),
		healthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rendergw_browsers_healthy",
			Help: "Healthy browsers seen by the last health check.",
		}),
		unhealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rendergw_browsers_unhealthy",
			Help: "Unhealthy browsers seen by the last health check.",
		}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rendergw_pool_size_last_event",
			Help: "Pool total capacity reported by the most recent event.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.removals,
		s.memoryAlertMB,
		s.healthy,
		s.unhealthy,
		s.poolSize,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register pool event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Kind)).Inc()
		s.poolSize.Set(float64(evt.PoolSize))
		switch evt.Kind {
		case events.KindBrowserRemoved:
			s.removals.WithLabelValues(evt.Reason).Inc()
		case events.KindMemoryAlert:
			s.memoryAlertMB.Observe(evt.MemoryMB)
		case events.KindHealthCheck:
			s.healthy.Set(float64(evt.Healthy))
			s.unhealthy.Set(float64(evt.Unhealthy))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
