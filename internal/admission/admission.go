// Package admission defines the contracts shared by the resource admission
// subsystems: clocks, ID generation, browser and WASM capabilities, blob
// storage, and the sentinel errors surfaced by the gates.
package admission

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrInvalidURL reports a target URL that cannot be parsed or carries no host.
	ErrInvalidURL = errors.New("invalid url")
	// ErrAcquireTimeout reports a bounded wait that expired before a resource was granted.
	ErrAcquireTimeout = errors.New("acquire timed out")
	// ErrPoolClosed is returned by a browser pool after shutdown.
	ErrPoolClosed = errors.New("browser pool closed")
	// ErrLaunchFailed reports a browser launch that failed after every retry.
	ErrLaunchFailed = errors.New("browser launch failed")
	// ErrCapacityZero is returned by a gate configured with no capacity.
	ErrCapacityZero = errors.New("capacity is zero")
	// ErrInstantiateFailed reports a WASM instance that could not be created.
	ErrInstantiateFailed = errors.New("wasm instantiate failed")
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Browser is a launched headless browser instance.
type Browser interface {
	// HealthCheck probes the browser and reports whether it is usable.
	HealthCheck(ctx context.Context) bool
	// MemoryMB samples the browser's memory footprint in megabytes.
	MemoryMB(ctx context.Context) (float64, error)
	// RenderHTML navigates to url and returns the rendered document.
	RenderHTML(ctx context.Context, url string) (string, error)
	// PrintPDF navigates to url and prints the page to PDF bytes.
	PrintPDF(ctx context.Context, url string) ([]byte, error)
	// Close terminates the browser process.
	Close() error
}

// Launcher starts browsers. Implementations must honor ctx for the launch only;
// the launched browser outlives ctx.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// WasmLimits bounds a single WASM instance.
type WasmLimits struct {
	MaxMemoryPages uint32
	CallTimeout    time.Duration
}

// WasmInstance is an instantiated extractor module.
type WasmInstance interface {
	// Call invokes the exported function fn with input and returns its output.
	Call(ctx context.Context, fn string, input []byte) ([]byte, error)
	// MemoryPages reports the current and peak linear memory size in pages.
	MemoryPages() (current, peak uint32)
	// Closed reports whether the instance can no longer serve calls.
	Closed() bool
	// Teardown releases the instance.
	Teardown(ctx context.Context) error
}

// WasmHost instantiates extractor modules.
type WasmHost interface {
	Instantiate(ctx context.Context, limits WasmLimits) (WasmInstance, error)
}

// BlobStore persists rendered artifacts and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}
