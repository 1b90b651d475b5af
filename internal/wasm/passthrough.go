package wasm

import (
	"context"

	"github.com/JakeFAU/render-gateway/internal/admission"
)

// PassthroughHost serves deployments without an extractor module: its
// instances return their input unchanged.
type PassthroughHost struct{}

// Instantiate implements admission.WasmHost.
func (PassthroughHost) Instantiate(context.Context, admission.WasmLimits) (admission.WasmInstance, error) {
	return passthroughInstance{}, nil
}

type passthroughInstance struct{}

func (passthroughInstance) Call(_ context.Context, _ string, input []byte) ([]byte, error) {
	return input, nil
}

func (passthroughInstance) MemoryPages() (uint32, uint32) { return 0, 0 }

func (passthroughInstance) Closed() bool { return false }

func (passthroughInstance) Teardown(context.Context) error { return nil }
