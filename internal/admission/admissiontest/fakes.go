// Package admissiontest provides in-memory fakes of the admission contracts
// for use in tests.
package admissiontest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/render-gateway/internal/admission"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Browser is a scriptable fake browser.
type Browser struct {
	ID string

	healthy  atomic.Bool
	closed   atomic.Bool
	memoryMB atomic.Int64
	renders  atomic.Int64

	// RenderDelay, when set, makes RenderHTML wait before returning.
	RenderDelay time.Duration
}

// NewBrowser returns a healthy fake browser.
func NewBrowser(id string) *Browser {
	b := &Browser{ID: id}
	b.healthy.Store(true)
	return b
}

// SetHealthy toggles the health probe result.
func (b *Browser) SetHealthy(v bool) { b.healthy.Store(v) }

// SetMemoryMB sets the sampled memory footprint.
func (b *Browser) SetMemoryMB(v int64) { b.memoryMB.Store(v) }

// Closed reports whether Close was called.
func (b *Browser) Closed() bool { return b.closed.Load() }

// Renders reports how many RenderHTML calls completed.
func (b *Browser) Renders() int64 { return b.renders.Load() }

// HealthCheck implements admission.Browser.
func (b *Browser) HealthCheck(context.Context) bool {
	return b.healthy.Load() && !b.closed.Load()
}

// MemoryMB implements admission.Browser.
func (b *Browser) MemoryMB(context.Context) (float64, error) {
	return float64(b.memoryMB.Load()), nil
}

// RenderHTML implements admission.Browser.
func (b *Browser) RenderHTML(ctx context.Context, url string) (string, error) {
	if b.RenderDelay > 0 {
		select {
		case <-time.After(b.RenderDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	b.renders.Add(1)
	return fmt.Sprintf("<html><body>%s</body></html>", url), nil
}

// PrintPDF implements admission.Browser.
func (b *Browser) PrintPDF(_ context.Context, url string) ([]byte, error) {
	return []byte("%PDF-1.7 " + url), nil
}

// Close implements admission.Browser.
func (b *Browser) Close() error {
	b.closed.Store(true)
	return nil
}

// Launcher hands out fake browsers and records launches.
type Launcher struct {
	mu       sync.Mutex
	launched []*Browser
	failures int
	delay    time.Duration
	seq      atomic.Int64
}

// NewLauncher returns a launcher that always succeeds.
func NewLauncher() *Launcher {
	return &Launcher{}
}

// FailNext makes the next n launches fail.
func (l *Launcher) FailNext(n int) {
	l.mu.Lock()
	l.failures = n
	l.mu.Unlock()
}

// SetDelay makes each launch take d.
func (l *Launcher) SetDelay(d time.Duration) {
	l.mu.Lock()
	l.delay = d
	l.mu.Unlock()
}

// Launched returns the browsers launched so far.
func (l *Launcher) Launched() []*Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Browser(nil), l.launched...)
}

// Launch implements admission.Launcher.
func (l *Launcher) Launch(ctx context.Context) (admission.Browser, error) {
	l.mu.Lock()
	delay := l.delay
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("launch refused")
	}
	b := NewBrowser(fmt.Sprintf("fake-%d", l.seq.Add(1)))
	l.mu.Lock()
	l.launched = append(l.launched, b)
	l.mu.Unlock()
	return b, nil
}

// WasmInstance is a fake extractor that echoes its input.
type WasmInstance struct {
	Generation int64
	tornDown   atomic.Bool
	closed     atomic.Bool
	calls      atomic.Int64
}

// TornDown reports whether Teardown was called.
func (w *WasmInstance) TornDown() bool { return w.tornDown.Load() }

// Calls reports the number of Call invocations.
func (w *WasmInstance) Calls() int64 { return w.calls.Load() }

// Call implements admission.WasmInstance by echoing input.
func (w *WasmInstance) Call(_ context.Context, _ string, input []byte) ([]byte, error) {
	w.calls.Add(1)
	return append([]byte(nil), input...), nil
}

// MemoryPages implements admission.WasmInstance.
func (w *WasmInstance) MemoryPages() (uint32, uint32) { return 1, 1 }

// MarkClosed makes the instance report itself closed.
func (w *WasmInstance) MarkClosed() { w.closed.Store(true) }

// Closed implements admission.WasmInstance.
func (w *WasmInstance) Closed() bool { return w.closed.Load() || w.tornDown.Load() }

// Teardown implements admission.WasmInstance.
func (w *WasmInstance) Teardown(context.Context) error {
	w.tornDown.Store(true)
	return nil
}

// WasmHost creates fake instances and counts them.
type WasmHost struct {
	mu        sync.Mutex
	instances []*WasmInstance
	fail      bool
}

// NewWasmHost returns a fake host.
func NewWasmHost() *WasmHost {
	return &WasmHost{}
}

// SetFail makes Instantiate fail while v is true.
func (h *WasmHost) SetFail(v bool) {
	h.mu.Lock()
	h.fail = v
	h.mu.Unlock()
}

// Instances returns every instance created so far.
func (h *WasmHost) Instances() []*WasmInstance {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*WasmInstance(nil), h.instances...)
}

// Instantiate implements admission.WasmHost.
func (h *WasmHost) Instantiate(context.Context, admission.WasmLimits) (admission.WasmInstance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return nil, errors.New("instantiate refused")
	}
	inst := &WasmInstance{Generation: int64(len(h.instances) + 1)}
	h.instances = append(h.instances, inst)
	return inst, nil
}

// IDs returns sequential identifiers with the given prefix.
type IDs struct {
	Prefix string
	n      atomic.Int64
}

// NewID implements admission.IDGenerator.
func (g *IDs) NewID() (string, error) {
	return fmt.Sprintf("%s%d", g.Prefix, g.n.Add(1)), nil
}
