// Package browserpool keeps a bounded set of launched headless browsers and
// hands them out one checkout at a time.
//
// A browser is either launching, available, or checked out. The pool never
// holds more than MaxPoolSize browsers across those states. Checkout prefers
// an available browser, launches a new one while under the cap, and otherwise
// waits until a checkin frees a slot or the checkout timeout fires. Checkin
// probes the browser and either returns it to the available set or evicts it
// and launches replacements up to MinPoolSize.
package browserpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/render-gateway/internal/admission"
	"github.com/JakeFAU/render-gateway/internal/events"
	"github.com/JakeFAU/render-gateway/internal/logging"
)

// Removal reasons carried by BROWSER_REMOVED events.
const (
	ReasonUnhealthy        = "unhealthy"
	ReasonIdle             = "idle"
	ReasonMaxLifetime      = "max_lifetime"
	ReasonMaxPages         = "max_pages"
	ReasonRestartThreshold = "restart_threshold"
	ReasonMemoryHardLimit  = "memory_hard_limit"
	ReasonShutdown         = "shutdown"
)

// Config sizes the pool and its maintenance loop.
type Config struct {
	InitialPoolSize int
	MinPoolSize     int
	MaxPoolSize     int
	// CheckoutTimeout bounds every Checkout regardless of the caller's context.
	CheckoutTimeout time.Duration
	// IdleTimeout evicts available browsers unused for this long while the
	// pool is above MinPoolSize. Zero disables idle eviction.
	IdleTimeout time.Duration
	// MaxLifetime evicts browsers older than this. Zero disables it.
	MaxLifetime         time.Duration
	HealthCheckInterval time.Duration
	HealthProbeTimeout  time.Duration
	LaunchTimeout       time.Duration
	// MaxRetries is the number of launch retries after the first attempt.
	MaxRetries   int
	RetryBackoff time.Duration
	// SoftMemoryLimitMB and HardMemoryLimitMB apply per browser. Zero disables.
	SoftMemoryLimitMB float64
	HardMemoryLimitMB float64
	// MaxPagesPerBrowser recycles a browser after this many checkouts when
	// recycling is enabled.
	MaxPagesPerBrowser int
	// RestartThreshold evicts a browser after this many consecutive reported failures.
	RestartThreshold int
	RecyclingEnabled bool
}

// Stats is a point-in-time view of the pool. Available + InUse always equals
// TotalCapacity.
type Stats struct {
	Available     int     `json:"available"`
	InUse         int     `json:"in_use"`
	Launching     int     `json:"launching"`
	TotalCapacity int     `json:"total_capacity"`
	MaxPoolSize   int     `json:"max_pool_size"`
	Utilization   float64 `json:"utilization"`
	CreatedTotal  int64   `json:"created_total"`
	EvictedTotal  int64   `json:"evicted_total"`
}

type record struct {
	id        string
	browser   admission.Browser
	createdAt time.Time

	// Guarded by Pool.mu.
	lastUsed       time.Time
	pageCount      int
	failures       int
	evictOnCheckin string
}

// Pool manages browser lifecycles.
type Pool struct {
	cfg      Config
	launcher admission.Launcher
	ids      admission.IDGenerator
	events   events.Emitter
	clock    admission.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	available []*record
	inUse     map[string]*record
	launching int
	closed    bool
	// changed is closed and replaced whenever a slot may have freed up.
	changed chan struct{}

	created atomic.Int64
	evicted atomic.Int64

	baseCtx  context.Context
	cancel   context.CancelFunc
	nudge    chan struct{}
	wg       sync.WaitGroup
	loopDone chan struct{}
}

// New builds a pool, launches the initial browsers and starts the
// maintenance loop. Warm-up is best effort: launch failures are logged and
// the pool starts with whatever came up.
func New(ctx context.Context, cfg Config, launcher admission.Launcher, ids admission.IDGenerator, emitter events.Emitter, clock admission.Clock, logger *zap.Logger) (*Pool, error) {
	switch {
	case launcher == nil:
		return nil, errors.New("browser launcher is required")
	case ids == nil:
		return nil, errors.New("id generator is required")
	case clock == nil:
		return nil, errors.New("clock is required")
	case cfg.MaxPoolSize <= 0:
		return nil, fmt.Errorf("max pool size must be > 0, got %d", cfg.MaxPoolSize)
	case cfg.MinPoolSize < 0 || cfg.MinPoolSize > cfg.MaxPoolSize:
		return nil, fmt.Errorf("min pool size must be within [0, %d], got %d", cfg.MaxPoolSize, cfg.MinPoolSize)
	case cfg.MaxRetries < 0:
		return nil, fmt.Errorf("max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = 5 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 10 * time.Second
	}
	if cfg.HealthProbeTimeout <= 0 {
		cfg.HealthProbeTimeout = 5 * time.Second
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if emitter == nil {
		emitter = events.Discard{}
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		launcher: launcher,
		ids:      ids,
		events:   emitter,
		clock:    clock,
		logger:   logging.Named(logger, "browser_pool"),
		inUse:    make(map[string]*record),
		changed:  make(chan struct{}),
		baseCtx:  baseCtx,
		cancel:   cancel,
		nudge:    make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}

	p.warmUp(ctx, min(max(cfg.InitialPoolSize, cfg.MinPoolSize), cfg.MaxPoolSize))
	go p.maintain()
	return p, nil
}

func (p *Pool) warmUp(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.launching += n
	p.mu.Unlock()

	var g errgroup.Group
	for range n {
		g.Go(func() error {
			rec, err := p.launch(ctx)
			p.admit(rec, err)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Warn("browser pool warm-up incomplete", zap.Error(err))
	}
	p.logger.Info("browser pool ready", zap.Int("available", p.Stats().Available))
}

// Checkout hands out a browser. It fails with admission.ErrAcquireTimeout
// when no browser frees up within the checkout timeout or ctx, with
// admission.ErrLaunchFailed when a needed launch exhausts its retries, and
// with admission.ErrPoolClosed after Close.
func (p *Pool) Checkout(ctx context.Context) (*Checkout, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CheckoutTimeout)
	defer cancel()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, admission.ErrPoolClosed
		}
		if n := len(p.available); n > 0 {
			rec := p.available[n-1]
			p.available[n-1] = nil
			p.available = p.available[:n-1]
			return p.handOutLocked(rec), nil
		}
		if p.totalLocked()+p.launching < p.cfg.MaxPoolSize {
			p.launching++
			p.mu.Unlock()
			return p.launchForCheckout(ctx)
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: browser checkout: %w", admission.ErrAcquireTimeout, ctx.Err())
		}
	}
}

func (p *Pool) launchForCheckout(ctx context.Context) (*Checkout, error) {
	rec, err := p.launch(ctx)
	p.mu.Lock()
	p.launching--
	if err != nil {
		p.broadcastLocked()
		p.mu.Unlock()
		if errors.Is(err, admission.ErrLaunchFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: browser checkout: %w", admission.ErrAcquireTimeout, err)
	}
	if p.closed {
		p.mu.Unlock()
		p.discard(rec, ReasonShutdown)
		return nil, admission.ErrPoolClosed
	}
	size := p.totalLocked() + 1
	p.emitCreated(rec, size)
	return p.handOutLocked(rec), nil
}

// handOutLocked must be called with p.mu held and releases it.
func (p *Pool) handOutLocked(rec *record) *Checkout {
	rec.pageCount++
	p.inUse[rec.id] = rec
	size := p.totalLocked()
	p.mu.Unlock()

	p.emit(events.Event{Kind: events.KindBrowserCheckedOut, BrowserID: rec.id, PoolSize: size})
	return &Checkout{pool: p, rec: rec}
}

// launch starts one browser, retrying with backoff. Each attempt is bounded
// by the launch timeout and every attempt by ctx.
func (p *Pool) launch(ctx context.Context) (*record, error) {
	attempts := p.cfg.MaxRetries + 1
	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			if err := sleepCtx(ctx, launchBackoff(p.cfg.RetryBackoff, attempt-1)); err != nil {
				return nil, fmt.Errorf("browser launch backoff: %w", err)
			}
		}
		launchCtx, cancel := context.WithTimeout(ctx, p.cfg.LaunchTimeout)
		browser, err := p.launcher.Launch(launchCtx)
		cancel()
		if err == nil {
			id, idErr := p.ids.NewID()
			if idErr == nil {
				now := p.clock.Now()
				p.created.Add(1)
				return &record{id: id, browser: browser, createdAt: now, lastUsed: now}, nil
			}
			_ = browser.Close()
			err = fmt.Errorf("generate browser id: %w", idErr)
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("browser launch: %w", ctx.Err())
		}
		p.logger.Warn("browser launch attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
	}
	p.logger.Error("browser launch failed", zap.Int("attempts", attempts), zap.Error(lastErr))
	return nil, fmt.Errorf("%w after %d attempts: %w", admission.ErrLaunchFailed, attempts, lastErr)
}

// admit settles a background launch that was counted in p.launching.
func (p *Pool) admit(rec *record, err error) {
	p.mu.Lock()
	p.launching--
	if err != nil {
		p.broadcastLocked()
		p.mu.Unlock()
		return
	}
	if p.closed {
		p.mu.Unlock()
		p.discard(rec, ReasonShutdown)
		return
	}
	p.available = append(p.available, rec)
	p.broadcastLocked()
	size := p.totalLocked()
	p.mu.Unlock()
	p.emitCreated(rec, size)
}

// replenish launches browsers in the background until the pool, counting
// launches in flight, reaches MinPoolSize.
func (p *Pool) replenish() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	need := p.cfg.MinPoolSize - p.totalLocked() - p.launching
	if need <= 0 {
		p.mu.Unlock()
		return
	}
	p.launching += need
	p.wg.Add(need)
	p.mu.Unlock()

	p.logger.Info("replenishing browser pool", zap.Int("launching", need))
	for range need {
		go func() {
			defer p.wg.Done()
			rec, err := p.launch(p.baseCtx)
			p.admit(rec, err)
		}()
	}
}

func (p *Pool) checkin(ctx context.Context, c *Checkout) {
	rec := c.rec
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.HealthProbeTimeout)
	healthy := rec.browser.HealthCheck(probeCtx)
	cancel()
	now := p.clock.Now()

	p.mu.Lock()
	delete(p.inUse, rec.id)
	if c.failed.Load() {
		rec.failures++
	} else {
		rec.failures = 0
	}
	reason := p.checkinReasonLocked(rec, healthy)
	if reason == "" {
		rec.lastUsed = now
		p.available = append(p.available, rec)
	}
	p.broadcastLocked()
	size := p.totalLocked()
	p.mu.Unlock()

	if reason != "" {
		p.discard(rec, reason)
		p.replenish()
		return
	}
	p.emit(events.Event{Kind: events.KindBrowserCheckedIn, BrowserID: rec.id, PoolSize: size})
}

func (p *Pool) checkinReasonLocked(rec *record, healthy bool) string {
	switch {
	case p.closed:
		return ReasonShutdown
	case !healthy:
		return ReasonUnhealthy
	case rec.evictOnCheckin != "":
		return rec.evictOnCheckin
	case p.cfg.RestartThreshold > 0 && rec.failures >= p.cfg.RestartThreshold:
		return ReasonRestartThreshold
	case p.cfg.RecyclingEnabled && p.cfg.MaxPagesPerBrowser > 0 && rec.pageCount >= p.cfg.MaxPagesPerBrowser:
		return ReasonMaxPages
	}
	return ""
}

// discard closes a browser that is no longer counted by the pool.
func (p *Pool) discard(rec *record, reason string) {
	if err := rec.browser.Close(); err != nil {
		p.logger.Warn("browser close failed", zap.String("browser_id", rec.id), zap.Error(err))
	}
	p.evicted.Add(1)
	size := p.Stats().TotalCapacity
	p.logger.Info("browser removed",
		zap.String("browser_id", rec.id),
		zap.String("reason", reason),
		zap.Int("pool_size", size),
	)
	p.emit(events.Event{Kind: events.KindBrowserRemoved, BrowserID: rec.id, Reason: reason, PoolSize: size})
	p.emit(events.Event{Kind: events.KindPoolShrunk, PoolSize: size})
}

func (p *Pool) emitCreated(rec *record, size int) {
	p.logger.Debug("browser created", zap.String("browser_id", rec.id), zap.Int("pool_size", size))
	p.emit(events.Event{Kind: events.KindBrowserCreated, BrowserID: rec.id, PoolSize: size})
	p.emit(events.Event{Kind: events.KindPoolExpanded, PoolSize: size})
}

func (p *Pool) emit(evt events.Event) {
	evt.TS = p.clock.Now()
	p.events.Emit(evt)
}

func (p *Pool) totalLocked() int {
	return len(p.available) + len(p.inUse)
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Stats returns a consistent snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Available:   len(p.available),
		InUse:       len(p.inUse),
		Launching:   p.launching,
		MaxPoolSize: p.cfg.MaxPoolSize,
	}
	p.mu.Unlock()
	s.TotalCapacity = s.Available + s.InUse
	if s.TotalCapacity > 0 {
		s.Utilization = float64(s.InUse) / float64(s.TotalCapacity)
	}
	s.CreatedTotal = p.created.Load()
	s.EvictedTotal = p.evicted.Load()
	return s
}

// Close stops maintenance and closes available browsers. Browsers still
// checked out are closed when they are checked in. Close waits for
// background launches and checkins until ctx expires.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.available
	p.available = nil
	p.broadcastLocked()
	p.mu.Unlock()

	p.cancel()
	for _, rec := range idle {
		p.discard(rec, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		<-p.loopDone
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser pool close: %w", ctx.Err())
	}
}

// Checkout is a browser on loan from the pool. Exactly one of Release or
// Checkin returns it; later calls are no-ops.
type Checkout struct {
	pool     *Pool
	rec      *record
	failed   atomic.Bool
	returned atomic.Bool
}

// ID returns the pool's identifier for the browser.
func (c *Checkout) ID() string {
	return c.rec.id
}

// Browser returns the checked-out browser.
func (c *Checkout) Browser() admission.Browser {
	return c.rec.browser
}

// ReportFailure marks the current operation as failed. Consecutive failures
// count toward the restart threshold.
func (c *Checkout) ReportFailure() {
	c.failed.Store(true)
}

// Release returns the browser without blocking; the probe and bookkeeping
// run on a background goroutine.
func (c *Checkout) Release() {
	if !c.returned.CompareAndSwap(false, true) {
		return
	}
	p := c.pool
	p.mu.Lock()
	tracked := !p.closed
	if tracked {
		p.wg.Add(1)
	}
	p.mu.Unlock()

	go func() {
		if tracked {
			defer p.wg.Done()
		}
		p.checkin(p.baseCtx, c)
	}()
}

// Checkin returns the browser and waits until the pool has settled it.
func (c *Checkout) Checkin(ctx context.Context) {
	if !c.returned.CompareAndSwap(false, true) {
		return
	}
	c.pool.checkin(ctx, c)
}
