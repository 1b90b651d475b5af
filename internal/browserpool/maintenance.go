package browserpool

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-gateway/internal/events"
)

// MaintenanceReport summarises one maintenance pass.
type MaintenanceReport struct {
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Evicted   int `json:"evicted"`
	Flagged   int `json:"flagged"`
	Alerts    int `json:"memory_alerts"`
}

type sample struct {
	rec      *record
	idle     bool
	lastUsed time.Time
	healthy  bool
	memoryMB float64
}

func (p *Pool) maintain() {
	defer close(p.loopDone)
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case <-ticker.C:
		case <-p.nudge:
		}
		report := p.RunMaintenance(p.baseCtx)
		p.logger.Debug("browser pool maintenance",
			zap.Int("healthy", report.Healthy),
			zap.Int("unhealthy", report.Unhealthy),
			zap.Int("evicted", report.Evicted),
		)
	}
}

// TriggerHealthCheck asks the maintenance loop to run a pass now instead of
// waiting for the next tick. It never blocks.
func (p *Pool) TriggerHealthCheck() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// RunMaintenance probes available browsers, samples memory across the pool
// and evicts browsers that are unhealthy, over the hard memory limit, past
// their lifetime, or idle while the pool is above its minimum. Checked-out
// browsers that need eviction are flagged and evicted on checkin. The pool
// is replenished to MinPoolSize afterwards. No lock is held while probing.
func (p *Pool) RunMaintenance(ctx context.Context) MaintenanceReport {
	var report MaintenanceReport

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return report
	}
	samples := make([]sample, 0, p.totalLocked())
	for _, rec := range p.available {
		samples = append(samples, sample{rec: rec, idle: true, lastUsed: rec.lastUsed})
	}
	for _, rec := range p.inUse {
		samples = append(samples, sample{rec: rec, lastUsed: rec.lastUsed, healthy: true})
	}
	p.mu.Unlock()

	for i := range samples {
		s := &samples[i]
		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.HealthProbeTimeout)
		if s.idle {
			s.healthy = s.rec.browser.HealthCheck(probeCtx)
		}
		mem, err := s.rec.browser.MemoryMB(probeCtx)
		cancel()
		if err != nil {
			p.logger.Debug("browser memory sample failed", zap.String("browser_id", s.rec.id), zap.Error(err))
			continue
		}
		s.memoryMB = mem
	}

	now := p.clock.Now()
	var idleCandidates []sample
	for _, s := range samples {
		if s.healthy {
			report.Healthy++
		} else {
			report.Unhealthy++
		}
		if p.overSoftLimit(s.memoryMB) && !p.overHardLimit(s.memoryMB) {
			report.Alerts++
			p.logger.Warn("browser over soft memory limit",
				zap.String("browser_id", s.rec.id),
				zap.Float64("memory_mb", s.memoryMB),
				zap.Float64("soft_limit_mb", p.cfg.SoftMemoryLimitMB),
			)
			p.emit(events.Event{Kind: events.KindMemoryAlert, BrowserID: s.rec.id, MemoryMB: s.memoryMB, PoolSize: len(samples)})
		}

		reason := ""
		switch {
		case !s.healthy:
			reason = ReasonUnhealthy
		case p.overHardLimit(s.memoryMB):
			reason = ReasonMemoryHardLimit
		case p.cfg.MaxLifetime > 0 && now.Sub(s.rec.createdAt) >= p.cfg.MaxLifetime:
			reason = ReasonMaxLifetime
		}
		if reason != "" {
			if p.evict(s.rec, reason) {
				report.Evicted++
			} else if !s.idle {
				report.Flagged++
			}
			continue
		}
		if s.idle && p.cfg.IdleTimeout > 0 && now.Sub(s.lastUsed) >= p.cfg.IdleTimeout {
			idleCandidates = append(idleCandidates, s)
		}
	}

	// Longest idle first so the most recently used browsers stay warm.
	slices.SortFunc(idleCandidates, func(a, b sample) int { return a.lastUsed.Compare(b.lastUsed) })
	for _, s := range idleCandidates {
		if p.evictIdle(s.rec, s.lastUsed) {
			report.Evicted++
		}
	}

	p.emit(events.Event{
		Kind:      events.KindHealthCheck,
		PoolSize:  p.Stats().TotalCapacity,
		Healthy:   report.Healthy,
		Unhealthy: report.Unhealthy,
	})
	p.replenish()
	return report
}

func (p *Pool) overSoftLimit(mb float64) bool {
	return p.cfg.SoftMemoryLimitMB > 0 && mb >= p.cfg.SoftMemoryLimitMB
}

func (p *Pool) overHardLimit(mb float64) bool {
	return p.cfg.HardMemoryLimitMB > 0 && mb >= p.cfg.HardMemoryLimitMB
}

// evict removes rec now when it is available and reports true. A checked-out
// rec is flagged for eviction on checkin instead.
func (p *Pool) evict(rec *record, reason string) bool {
	p.mu.Lock()
	if i := slices.Index(p.available, rec); i >= 0 {
		p.available = slices.Delete(p.available, i, i+1)
		p.broadcastLocked()
		p.mu.Unlock()
		p.discard(rec, reason)
		return true
	}
	if _, ok := p.inUse[rec.id]; ok && rec.evictOnCheckin == "" {
		rec.evictOnCheckin = reason
	}
	p.mu.Unlock()
	return false
}

// evictIdle removes rec if it is still available, has not been used since
// the sample was taken, and the pool stays at or above MinPoolSize.
func (p *Pool) evictIdle(rec *record, lastUsed time.Time) bool {
	p.mu.Lock()
	i := slices.Index(p.available, rec)
	if i < 0 || !rec.lastUsed.Equal(lastUsed) || p.totalLocked()+p.launching <= p.cfg.MinPoolSize {
		p.mu.Unlock()
		return false
	}
	p.available = slices.Delete(p.available, i, i+1)
	p.broadcastLocked()
	p.mu.Unlock()
	p.discard(rec, ReasonIdle)
	return true
}
