// Package sinks implements events.Sink destinations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-gateway/internal/events"
)

// LogSink writes each pool event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch; alerting events log at Warn.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
			zap.Int("pool_size", evt.PoolSize),
		}
		if evt.BrowserID != "" {
			fields = append(fields, zap.String("browser_id", evt.BrowserID))
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		if evt.MemoryMB > 0 {
			fields = append(fields, zap.Float64("memory_mb", evt.MemoryMB))
		}
		if evt.Kind == events.KindHealthCheck {
			fields = append(fields, zap.Int("healthy", evt.Healthy), zap.Int("unhealthy", evt.Unhealthy))
		}
		if evt.Alerting() {
			s.logger.Warn("pool event", fields...)
			continue
		}
		s.logger.Debug("pool event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
