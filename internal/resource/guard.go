package resource

import (
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/render-gateway/internal/admission"
	"github.com/JakeFAU/render-gateway/internal/browserpool"
	"github.com/JakeFAU/render-gateway/internal/wasm"
)

// Guard owns the sub-resources granted by one acquisition. Release returns
// every one of them exactly once, in reverse acquisition order, and never
// blocks: browser checkin runs in the background.
type Guard struct {
	kind     Kind
	checkout *browserpool.Checkout
	wasm     *wasm.Reservation

	failed   atomic.Bool
	releases []func()
	once     sync.Once
}

// Kind returns the operation kind the guard was acquired for.
func (g *Guard) Kind() Kind {
	return g.kind
}

// Browser returns the checked-out browser, or nil for guards without one.
func (g *Guard) Browser() admission.Browser {
	if g.checkout == nil {
		return nil
	}
	return g.checkout.Browser()
}

// BrowserID returns the pool's id for the checked-out browser.
func (g *Guard) BrowserID() string {
	if g.checkout == nil {
		return ""
	}
	return g.checkout.ID()
}

// Wasm returns the worker's extractor instance, or nil.
func (g *Guard) Wasm() admission.WasmInstance {
	if g.wasm == nil {
		return nil
	}
	return g.wasm.Instance()
}

// ReportFailure marks the guarded operation as failed. The browser and WASM
// instance count it toward their restart thresholds on release.
func (g *Guard) ReportFailure() {
	g.failed.Store(true)
	if g.checkout != nil {
		g.checkout.ReportFailure()
	}
}

// Release returns every sub-resource. It is safe to call from any goroutine
// and more than once.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		for i := len(g.releases) - 1; i >= 0; i-- {
			g.releases[i]()
		}
		g.releases = nil
	})
}

func (g *Guard) onRelease(fn func()) {
	g.releases = append(g.releases, fn)
}
