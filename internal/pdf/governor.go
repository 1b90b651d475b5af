// Package pdf caps concurrent PDF generation with a counting semaphore.
package pdf

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/render-gateway/internal/admission"
)

// Config sizes the governor.
type Config struct {
	MaxConcurrent int
	// QueueTimeout bounds how long Acquire waits for a permit.
	QueueTimeout time.Duration
}

// Governor hands out at most MaxConcurrent permits.
type Governor struct {
	sem          *semaphore.Weighted
	total        int64
	queueTimeout time.Duration
	inUse        atomic.Int64
}

// New creates a Governor. A zero MaxConcurrent yields a governor that
// rejects every request.
func New(cfg Config) *Governor {
	total := int64(cfg.MaxConcurrent)
	if total < 0 {
		total = 0
	}
	return &Governor{
		sem:          semaphore.NewWeighted(total),
		total:        total,
		queueTimeout: cfg.QueueTimeout,
	}
}

// Permit is one unit of PDF capacity. Release is idempotent.
type Permit struct {
	g    *Governor
	once sync.Once
}

// Release returns the permit.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.g.inUse.Add(-1)
		p.g.sem.Release(1)
	})
}

// Acquire waits for a permit, bounded by the queue timeout and ctx.
func (g *Governor) Acquire(ctx context.Context) (*Permit, error) {
	if g.total == 0 {
		return nil, admission.ErrCapacityZero
	}
	if g.queueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.queueTimeout)
		defer cancel()
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: pdf permit: %w", admission.ErrAcquireTimeout, err)
	}
	g.inUse.Add(1)
	return &Permit{g: g}, nil
}

// Available returns the number of free permits.
func (g *Governor) Available() int {
	return int(g.total - g.inUse.Load())
}

// Total returns the configured capacity.
func (g *Governor) Total() int {
	return int(g.total)
}

// Active returns the number of held permits.
func (g *Governor) Active() int {
	return int(g.inUse.Load())
}
