// Package wasm keeps one extractor instance per worker and recycles it after
// a bounded number of operations.
//
// A Reservation owns its worker's instance until Release or Rollback, so
// calls on one instance never overlap. Reservations for different workers
// do not contend.
package wasm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/render-gateway/internal/admission"
	"github.com/JakeFAU/render-gateway/internal/logging"
)

// Config bounds instance reuse.
type Config struct {
	MaxOperationsPerInstance uint64
	// RestartThreshold recycles an instance after this many consecutive failures.
	RestartThreshold int
	MaxMemoryPages   uint32
	// MaxInstanceAge recycles instances older than this; zero disables it.
	MaxInstanceAge  time.Duration
	CallTimeout     time.Duration
	EnableRecycling bool
}

// InstanceHealth describes one worker's instance.
type InstanceHealth struct {
	WorkerID       string        `json:"worker_id"`
	Age            time.Duration `json:"age"`
	OperationCount uint64        `json:"operation_count"`
	Failures       int           `json:"consecutive_failures"`
	Healthy        bool          `json:"healthy"`
	MemoryPages    uint32        `json:"memory_pages"`
	PeakPages      uint32        `json:"peak_memory_pages"`
	Generation     uint64        `json:"generation"`
}

// slot is the state of one instantiated module.
type slot struct {
	instance       admission.WasmInstance
	createdAt      time.Time
	operationCount uint64
	failures       int
	generation     uint64
}

type record struct {
	workerID string
	// owner admits one reservation at a time.
	owner *semaphore.Weighted

	// mu guards the fields below. They are written by the owning
	// reservation and read by Health.
	mu            sync.Mutex
	current       *slot
	lastOperation time.Time
	generations   uint64
}

// Manager owns the per-worker instances.
type Manager struct {
	cfg    Config
	host   admission.WasmHost
	clock  admission.Clock
	logger *zap.Logger

	mu      sync.Mutex
	records map[string]*record

	created atomic.Int64
}

// New creates a Manager.
func New(cfg Config, host admission.WasmHost, clock admission.Clock, logger *zap.Logger) (*Manager, error) {
	if host == nil {
		return nil, fmt.Errorf("wasm host is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.MaxOperationsPerInstance == 0 {
		return nil, fmt.Errorf("max operations per instance must be > 0")
	}
	return &Manager{
		cfg:     cfg,
		host:    host,
		clock:   clock,
		logger:  logging.Named(logger, "wasm"),
		records: make(map[string]*record),
	}, nil
}

func (m *Manager) recordFor(workerID string) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[workerID]
	if !ok {
		rec = &record{workerID: workerID, owner: semaphore.NewWeighted(1)}
		m.records[workerID] = rec
	}
	return rec
}

// Acquire waits until workerID's instance is free and reserves it, creating
// or recycling the instance first when needed. The operation count is
// incremented before returning. A replaced instance is kept until the
// reservation settles so Rollback can put it back.
func (m *Manager) Acquire(ctx context.Context, workerID string) (*Reservation, error) {
	rec := m.recordFor(workerID)
	if err := rec.owner.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for worker %s: %w", workerID, err)
	}
	res, err := m.reserve(ctx, rec)
	if err != nil {
		rec.owner.Release(1)
		return nil, err
	}
	return res, nil
}

func (m *Manager) reserve(ctx context.Context, rec *record) (*Reservation, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	res := &Reservation{m: m, rec: rec}
	if cur := rec.current; cur != nil {
		if reason := m.recycleReason(cur); reason != "" {
			m.logger.Info("recycling wasm instance",
				zap.String("worker_id", rec.workerID),
				zap.String("reason", reason),
				zap.Uint64("operations", cur.operationCount),
			)
			res.replaced = cur
			rec.current = nil
		}
	}
	if rec.current == nil {
		inst, err := m.host.Instantiate(ctx, admission.WasmLimits{
			MaxMemoryPages: m.cfg.MaxMemoryPages,
			CallTimeout:    m.cfg.CallTimeout,
		})
		if err != nil {
			rec.current = res.replaced
			return nil, fmt.Errorf("%w: worker %s: %w", admission.ErrInstantiateFailed, rec.workerID, err)
		}
		rec.generations++
		rec.current = &slot{instance: inst, createdAt: m.clock.Now(), generation: rec.generations}
		m.created.Add(1)
	}

	rec.current.operationCount++
	rec.lastOperation = m.clock.Now()
	res.slot = rec.current
	return res, nil
}

func (m *Manager) recycleReason(s *slot) string {
	if s.instance.Closed() {
		return "closed"
	}
	if s.operationCount >= m.cfg.MaxOperationsPerInstance {
		return "max_operations"
	}
	if !m.cfg.EnableRecycling {
		return ""
	}
	if m.cfg.RestartThreshold > 0 && s.failures >= m.cfg.RestartThreshold {
		return "failures"
	}
	if m.cfg.MaxInstanceAge > 0 && m.clock.Now().Sub(s.createdAt) > m.cfg.MaxInstanceAge {
		return "age"
	}
	return ""
}

func (m *Manager) teardown(workerID string, s *slot) {
	if s == nil {
		return
	}
	if err := s.instance.Teardown(context.Background()); err != nil {
		m.logger.Warn("wasm teardown failed", zap.String("worker_id", workerID), zap.Error(err))
	}
}

func (m *Manager) snapshot() []*record {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	return recs
}

// InstanceCount returns the number of live instances.
func (m *Manager) InstanceCount() int {
	n := 0
	for _, rec := range m.snapshot() {
		rec.mu.Lock()
		if rec.current != nil {
			n++
		}
		rec.mu.Unlock()
	}
	return n
}

// CreatedTotal returns how many instances have been instantiated.
func (m *Manager) CreatedTotal() int64 {
	return m.created.Load()
}

// Health returns per-worker instance health sorted by worker id.
func (m *Manager) Health() []InstanceHealth {
	recs := m.snapshot()
	now := m.clock.Now()
	out := make([]InstanceHealth, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if s := rec.current; s != nil {
			cur, peak := s.instance.MemoryPages()
			out = append(out, InstanceHealth{
				WorkerID:       rec.workerID,
				Age:            now.Sub(s.createdAt),
				OperationCount: s.operationCount,
				Failures:       s.failures,
				Healthy:        !s.instance.Closed() && (m.cfg.RestartThreshold <= 0 || s.failures < m.cfg.RestartThreshold),
				MemoryPages:    cur,
				PeakPages:      peak,
				Generation:     s.generation,
			})
		}
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Close waits for each worker's reservation to settle, bounded by ctx, and
// tears every instance down.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	recs := m.records
	m.records = make(map[string]*record)
	m.mu.Unlock()
	for _, rec := range recs {
		owned := rec.owner.Acquire(ctx, 1) == nil
		if !owned {
			m.logger.Warn("closing wasm instance while reserved", zap.String("worker_id", rec.workerID))
		}
		rec.mu.Lock()
		s := rec.current
		rec.current = nil
		rec.mu.Unlock()
		m.teardown(rec.workerID, s)
		if owned {
			rec.owner.Release(1)
		}
	}
}

// Reservation is exclusive use of a worker's instance for one operation.
type Reservation struct {
	m    *Manager
	rec  *record
	slot *slot

	// replaced is the instance this reservation recycled. It is torn down
	// on Release and reinstated on Rollback.
	replaced *slot
	done     atomic.Bool
}

// Instance returns the reserved instance.
func (r *Reservation) Instance() admission.WasmInstance {
	return r.slot.instance
}

// Release completes the operation and frees the worker. failed feeds the
// restart threshold.
func (r *Reservation) Release(failed bool) {
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	r.rec.mu.Lock()
	if failed {
		r.slot.failures++
	} else {
		r.slot.failures = 0
	}
	r.rec.mu.Unlock()
	r.m.teardown(r.rec.workerID, r.replaced)
	r.rec.owner.Release(1)
}

// Rollback undoes the reservation: the operation count goes back down and
// an instance recycled by this reservation is put back in place.
func (r *Reservation) Rollback() {
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	var discard *slot
	r.rec.mu.Lock()
	switch {
	case r.rec.current != r.slot:
		// Close already took the instance.
		discard = r.replaced
	case r.replaced != nil:
		discard = r.slot
		r.rec.current = r.replaced
	case r.slot.operationCount > 0:
		r.slot.operationCount--
	}
	r.rec.mu.Unlock()
	r.m.teardown(r.rec.workerID, discard)
	r.rec.owner.Release(1)
}
