package resource

import "time"

// Kind names an operation class with its own timeout and metrics.
type Kind string

// Operation kinds.
const (
	KindRender Kind = "render"
	KindPDF    Kind = "pdf"
	KindWasm   Kind = "wasm"
)

// Outcome is the admission decision for one acquisition.
type Outcome int

// Admission outcomes. Exactly one is returned per acquisition.
const (
	OutcomeSuccess Outcome = iota
	// OutcomeTimeout means a bounded wait expired before resources were granted.
	OutcomeTimeout
	// OutcomeRateLimited means the target host is over its request rate.
	OutcomeRateLimited
	// OutcomeMemoryPressure means the global memory budget is near exhaustion.
	OutcomeMemoryPressure
	// OutcomeResourceExhausted means capacity is structurally unavailable.
	OutcomeResourceExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeMemoryPressure:
		return "memory_pressure"
	case OutcomeResourceExhausted:
		return "resource_exhausted"
	default:
		return "unknown"
	}
}

// Result carries an Outcome. Guard is set only for OutcomeSuccess and
// RetryAfter only for OutcomeRateLimited.
type Result struct {
	Outcome    Outcome
	Guard      *Guard
	RetryAfter time.Duration
}

// OK reports whether resources were granted.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess && r.Guard != nil
}

// Timeouts is the per-kind operation timeout table.
type Timeouts struct {
	Render time.Duration
	PDF    time.Duration
	Wasm   time.Duration
	Global time.Duration
}

// For returns the timeout for kind, falling back to Global.
func (t Timeouts) For(kind Kind) time.Duration {
	var d time.Duration
	switch kind {
	case KindRender:
		d = t.Render
	case KindPDF:
		d = t.PDF
	case KindWasm:
		d = t.Wasm
	}
	if d <= 0 {
		return t.Global
	}
	return d
}
