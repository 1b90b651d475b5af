// Package ratelimit implements per-host token buckets that answer admission
// checks without blocking.
package ratelimit

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/render-gateway/internal/admission"
	"github.com/JakeFAU/render-gateway/internal/logging"
)

const (
	defaultMaxTrackedHosts = 10000
	defaultIdleTimeout     = 5 * time.Minute
	defaultCleanupInterval = time.Minute
)

// Config holds rate limiter configuration.
type Config struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
	MaxTrackedHosts   int
	// IdleTimeout evicts buckets with no request for this long.
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// HostStats describes one tracked host.
type HostStats struct {
	Host        string    `json:"host"`
	Requests    uint64    `json:"requests"`
	Denied      uint64    `json:"denied"`
	LastRequest time.Time `json:"last_request"`
	Tokens      float64   `json:"tokens"`
}

type bucket struct {
	limiter     *rate.Limiter
	requests    uint64
	denied      uint64
	lastRequest time.Time
}

// Limiter manages per-host rate limits.
type Limiter struct {
	cfg    Config
	clock  admission.Clock
	logger *zap.Logger
	limit  rate.Limit

	mu      sync.Mutex
	buckets *lru.Cache[string, *bucket]

	hits atomic.Uint64

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a new Limiter. Call Start to run the idle sweep.
func New(cfg Config, clock admission.Clock, logger *zap.Logger) (*Limiter, error) {
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.MaxTrackedHosts <= 0 {
		cfg.MaxTrackedHosts = defaultMaxTrackedHosts
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	l := &Limiter{
		cfg:    cfg,
		clock:  clock,
		logger: logging.Named(logger, "rate_limiter"),
		limit:  limit,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	cache, err := lru.NewWithEvict(cfg.MaxTrackedHosts, l.onEvict)
	if err != nil {
		return nil, fmt.Errorf("host cache: %w", err)
	}
	l.buckets = cache
	return l, nil
}

func (l *Limiter) onEvict(host string, _ *bucket) {
	l.logger.Debug("host bucket evicted", zap.String("host", host))
}

// Check consumes one token for host. When the bucket is empty it returns
// false and the time until a token becomes available; nothing is consumed.
func (l *Limiter) Check(host string) (bool, time.Duration) {
	if !l.cfg.Enabled {
		return true, 0
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets.Get(host)
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.cfg.Burst)}
		l.buckets.Add(host, b)
	}
	b.lastRequest = now

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		b.denied++
		l.hits.Add(1)
		return false, 0
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		b.denied++
		l.hits.Add(1)
		return false, delay
	}
	b.requests++
	return true, 0
}

// Hits returns the number of denied checks.
func (l *Limiter) Hits() uint64 {
	return l.hits.Load()
}

// HostCount returns the number of tracked hosts.
func (l *Limiter) HostCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buckets.Len()
}

// HostStats returns stats for host, if tracked.
func (l *Limiter) HostStats(host string) (HostStats, bool) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets.Peek(host)
	if !ok {
		return HostStats{}, false
	}
	return HostStats{
		Host:        host,
		Requests:    b.requests,
		Denied:      b.denied,
		LastRequest: b.lastRequest,
		Tokens:      b.limiter.TokensAt(now),
	}, true
}

// Sweep evicts buckets idle longer than the idle timeout and returns how many
// were removed.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for _, host := range l.buckets.Keys() {
		b, ok := l.buckets.Peek(host)
		if !ok {
			continue
		}
		if now.Sub(b.lastRequest) > l.cfg.IdleTimeout {
			l.buckets.Remove(host)
			removed++
		}
	}
	return removed
}

// Start runs the periodic sweep until Close.
func (l *Limiter) Start() {
	if l.started.CompareAndSwap(false, true) {
		go l.run()
	}
}

func (l *Limiter) run() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("idle host buckets swept", zap.Int("removed", n))
			}
		}
	}
}

// Close stops the sweep goroutine and waits for it to exit.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	if l.started.Load() {
		<-l.doneCh
	}
}

// HostOf extracts the lower-cased host of rawURL.
func HostOf(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", admission.ErrInvalidURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w: %q has no host", admission.ErrInvalidURL, rawURL)
	}
	return strings.ToLower(host), nil
}
