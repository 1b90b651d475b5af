// Package wazero runs extractor modules on the wazero runtime.
//
// Extractors follow a small ABI: the module exports "alloc(len) -> ptr" and an
// extract function "fn(ptr, len) -> packed" where packed holds the output
// pointer in the high 32 bits and the output length in the low 32 bits. An
// optional "dealloc(ptr, len)" export frees the input buffer.
package wazero

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/JakeFAU/render-gateway/internal/admission"
)

const pageSize = 65536

// Host compiles one module and instantiates it on demand.
type Host struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	seq      atomic.Uint64
}

// New compiles module. maxPages caps every instance's linear memory; zero
// keeps the runtime default. A call that outlives its context closes the
// instance it ran on; the instance then reports Closed.
func New(ctx context.Context, module []byte, maxPages uint32) (*Host, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if maxPages > 0 {
		cfg = cfg.WithMemoryLimitPages(maxPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		closeErr := rt.Close(ctx)
		return nil, errors.Join(fmt.Errorf("compile module: %w", err), closeErr)
	}
	return &Host{runtime: rt, compiled: compiled}, nil
}

// Instantiate implements admission.WasmHost.
func (h *Host) Instantiate(ctx context.Context, limits admission.WasmLimits) (admission.WasmInstance, error) {
	name := fmt.Sprintf("extractor-%d", h.seq.Add(1))
	mod, err := h.runtime.InstantiateModule(ctx, h.compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", name, err)
	}
	inst := &Instance{mod: mod, callTimeout: limits.CallTimeout}
	inst.observeMemory()
	return inst, nil
}

// Close releases the runtime and every module it instantiated.
func (h *Host) Close(ctx context.Context) error {
	if err := h.runtime.Close(ctx); err != nil {
		return fmt.Errorf("close wasm runtime: %w", err)
	}
	return nil
}

// Instance is one instantiated module.
type Instance struct {
	mod         api.Module
	callTimeout time.Duration
	peak        atomic.Uint32
}

// Call writes input into guest memory, invokes fn and copies the result out.
func (i *Instance) Call(ctx context.Context, fn string, input []byte) ([]byte, error) {
	if i.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.callTimeout)
		defer cancel()
	}
	if i.mod.IsClosed() {
		return nil, errors.New("instance closed")
	}
	defer i.observeMemory()

	extract := i.mod.ExportedFunction(fn)
	if extract == nil {
		return nil, fmt.Errorf("module does not export %q", fn)
	}
	alloc := i.mod.ExportedFunction("alloc")
	mem := i.mod.Memory()
	if alloc == nil || mem == nil {
		return nil, errors.New("module must export alloc and memory")
	}

	res, err := alloc.Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("alloc: %w", err)
	}
	ptr := uint32(res[0])
	if !mem.Write(ptr, input) {
		return nil, fmt.Errorf("write input: %d bytes at %d out of range", len(input), ptr)
	}

	out, err := extract.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", fn, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("call %s: no result", fn)
	}
	outPtr, outLen := uint32(out[0]>>32), uint32(out[0])
	data, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("read output: %d bytes at %d out of range", outLen, outPtr)
	}
	result := append([]byte(nil), data...)

	if dealloc := i.mod.ExportedFunction("dealloc"); dealloc != nil {
		if _, err := dealloc.Call(ctx, uint64(ptr), uint64(len(input))); err != nil {
			return result, fmt.Errorf("dealloc: %w", err)
		}
	}
	return result, nil
}

func (i *Instance) observeMemory() {
	cur, _ := i.MemoryPages()
	for {
		peak := i.peak.Load()
		if cur <= peak || i.peak.CompareAndSwap(peak, cur) {
			return
		}
	}
}

// MemoryPages implements admission.WasmInstance.
func (i *Instance) MemoryPages() (uint32, uint32) {
	mem := i.mod.Memory()
	if mem == nil {
		return 0, i.peak.Load()
	}
	return mem.Size() / pageSize, i.peak.Load()
}

// Closed implements admission.WasmInstance.
func (i *Instance) Closed() bool {
	return i.mod.IsClosed()
}

// Teardown implements admission.WasmInstance.
func (i *Instance) Teardown(ctx context.Context) error {
	if err := i.mod.Close(ctx); err != nil {
		return fmt.Errorf("close module: %w", err)
	}
	return nil
}
