package wasm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/render-gateway/internal/admission"
	"github.com/JakeFAU/render-gateway/internal/admission/admissiontest"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *admissiontest.WasmHost, *admissiontest.Clock) {
	t.Helper()
	host := admissiontest.NewWasmHost()
	clock := admissiontest.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m, err := New(cfg, host, clock, nil)
	require.NoError(t, err)
	return m, host, clock
}

func TestAcquireReusesWorkerInstance(t *testing.T) {
	t.Parallel()

	m, host, _ := newTestManager(t, Config{MaxOperationsPerInstance: 10})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := m.Acquire(ctx, "worker-1")
		require.NoError(t, err)
		res.Release(false)
	}
	require.Len(t, host.Instances(), 1)
	require.Equal(t, 1, m.InstanceCount())
	health := m.Health()
	require.Len(t, health, 1)
	require.Equal(t, uint64(3), health[0].OperationCount)
}

func TestWorkersGetDistinctInstances(t *testing.T) {
	t.Parallel()

	m, host, _ := newTestManager(t, Config{MaxOperationsPerInstance: 10})
	ctx := context.Background()
	a, err := m.Acquire(ctx, "a")
	require.NoError(t, err)
	b, err := m.Acquire(ctx, "b")
	require.NoError(t, err)
	require.NotSame(t, a.Instance(), b.Instance())
	require.Len(t, host.Instances(), 2)
}

func TestRecycleAfterMaxOperations(t *testing.T) {
	t.Parallel()

	m, host, _ := newTestManager(t, Config{MaxOperationsPerInstance: 2})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := m.Acquire(ctx, "w")
		require.NoError(t, err)
		res.Release(false)
	}
	res, err := m.Acquire(ctx, "w")
	require.NoError(t, err)
	res.Release(false)

	instances := host.Instances()
	require.Len(t, instances, 2)
	require.True(t, instances[0].TornDown())
	require.False(t, instances[1].TornDown())
	require.Equal(t, uint64(1), m.Health()[0].OperationCount)
}

func TestRollbackRestoresOperationCount(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Config{MaxOperationsPerInstance: 10})
	ctx := context.Background()
	first, err := m.Acquire(ctx, "w")
	require.NoError(t, err)
	first.Release(false)
	before := m.Health()[0].OperationCount

	res, err := m.Acquire(ctx, "w")
	require.NoError(t, err)
	res.Rollback()
	res.Rollback()

	require.Equal(t, before, m.Health()[0].OperationCount)
}

func TestRecycleAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	m, host, _ := newTestManager(t, Config{MaxOperationsPerInstance: 100, RestartThreshold: 2, EnableRecycling: true})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := m.Acquire(ctx, "w")
		require.NoError(t, err)
		res.Release(true)
	}
	require.False(t, m.Health()[0].Healthy)

	res, err := m.Acquire(ctx, "w")
	require.NoError(t, err)
	res.Release(false)
	require.Len(t, host.Instances(), 2)
	require.True(t, m.Health()[0].Healthy)
}

func TestRecycleByAge(t *testing.T) {
	t.Parallel()

	m, host, clock := newTestManager(t, Config{MaxOperationsPerInstance: 100, MaxInstanceAge: time.Minute, EnableRecycling: true})
	ctx := context.Background()
	res, err := m.Acquire(ctx, "w")
	require.NoError(t, err)
	res.Release(false)

	clock.Advance(2 * time.Minute)
	res, err = m.Acquire(ctx, "w")
	require.NoError(t, err)
	res.Release(false)
	require.Len(t, host.Instances(), 2)
}

func TestInstantiateFailure(t *testing.T) {
	t.Parallel()

	m, host, _ := newTestManager(t, Config{MaxOperationsPerInstance: 10})
	host.SetFail(true)
	_, err := m.Acquire(context.Background(), "w")
	require.True(t, errors.Is(err, admission.ErrInstantiateFailed))
	require.Equal(t, 0, m.InstanceCount())

	host.SetFail(false)
	res, err := m.Acquire(context.Background(), "w")
	require.NoError(t, err)
	res.Release(false)
	require.Equal(t, 1, m.InstanceCount())
}

func TestConcurrentWorkersStayWithinOperationCap(t *testing.T) {
	t.Parallel()

	m, host, _ := newTestManager(t, Config{MaxOperationsPerInstance: 5})
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				res, err := m.Acquire(ctx, "shared")
				if err != nil {
					t.Error(err)
					return
				}
				res.Release(false)
			}
		}()
	}
	wg.Wait()
	// 160 operations at 5 per instance.
	require.Len(t, host.Instances(), 32)
	for _, h := range m.Health() {
		require.LessOrEqual(t, h.OperationCount, uint64(5))
	}
}

func TestCloseTearsDownInstances(t *testing.T) {
	t.Parallel()

	m, host, _ := newTestManager(t, Config{MaxOperationsPerInstance: 10})
	res, err := m.Acquire(context.Background(), "w")
	require.NoError(t, err)
	res.Release(false)
	m.Close(context.Background())
	require.True(t, host.Instances()[0].TornDown())
	require.Equal(t, 0, m.InstanceCount())
}

func TestPassthroughHostEchoes(t *testing.T) {
	t.Parallel()

	inst, err := PassthroughHost{}.Instantiate(context.Background(), admission.WasmLimits{})
	require.NoError(t, err)
	out, err := inst.Call(context.Background(), "extract", []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(out))
	require.NoError(t, inst.Teardown(context.Background()))
}

func TestReservationOwnsInstanceAcrossRecycle(t *testing.T) {
	t.Parallel()

	m, host, _ := newTestManager(t, Config{MaxOperationsPerInstance: 1})
	ctx := context.Background()
	a, err := m.Acquire(ctx, "http-0")
	require.NoError(t, err)
	first := a.Instance().(*admissiontest.WasmInstance)

	acquired := make(chan *Reservation, 1)
	go func() {
		b, err := m.Acquire(ctx, "http-0")
		if err != nil {
			t.Errorf("acquire: %v", err)
		}
		acquired <- b
	}()

	require.Never(t, func() bool { return len(acquired) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	require.False(t, first.TornDown())
	require.Len(t, host.Instances(), 1)

	a.Release(false)
	var b *Reservation
	select {
	case b = <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiting reservation was never granted")
	}
	require.NotNil(t, b)
	require.NotSame(t, first, b.Instance())
	require.False(t, b.Instance().(*admissiontest.WasmInstance).TornDown())

	b.Release(false)
	require.True(t, first.TornDown())
	require.False(t, host.Instances()[1].TornDown())
}

func TestConcurrentReservationsNeverShareAnInstance(t *testing.T) {
	t.Parallel()

	m, host, _ := newTestManager(t, Config{MaxOperationsPerInstance: 3})
	ctx := context.Background()
	var holders atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				res, err := m.Acquire(ctx, "http-0")
				if err != nil {
					t.Error(err)
					return
				}
				if holders.Add(1) != 1 {
					t.Error("two reservations hold the same worker")
				}
				if res.Instance().(*admissiontest.WasmInstance).TornDown() {
					t.Error("reserved instance was torn down")
				}
				if _, err := res.Instance().Call(ctx, "extract", []byte("x")); err != nil {
					t.Error(err)
				}
				holders.Add(-1)
				res.Release(false)
			}
		}()
	}
	wg.Wait()

	// 200 operations at 3 per instance.
	instances := host.Instances()
	require.Len(t, instances, 67)
	for _, inst := range instances[:len(instances)-1] {
		require.True(t, inst.TornDown())
	}
}

func TestAcquireWaitHonorsContext(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Config{MaxOperationsPerInstance: 10})
	held, err := m.Acquire(context.Background(), "w")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "w")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	held.Release(false)
	res, err := m.Acquire(context.Background(), "w")
	require.NoError(t, err)
	res.Release(false)
	require.Equal(t, uint64(2), m.Health()[0].OperationCount)
}

func TestClosedInstanceIsReplaced(t *testing.T) {
	t.Parallel()

	m, host, _ := newTestManager(t, Config{MaxOperationsPerInstance: 100})
	ctx := context.Background()
	res, err := m.Acquire(ctx, "w")
	require.NoError(t, err)
	res.Instance().(*admissiontest.WasmInstance).MarkClosed()
	res.Release(true)
	require.False(t, m.Health()[0].Healthy)

	res, err = m.Acquire(ctx, "w")
	require.NoError(t, err)
	require.Len(t, host.Instances(), 2)
	require.Same(t, host.Instances()[1], res.Instance())
	res.Release(false)

	health := m.Health()[0]
	require.True(t, health.Healthy)
	require.Equal(t, uint64(1), health.OperationCount)
	require.Equal(t, uint64(2), health.Generation)
}

func TestRollbackReinstatesRecycledInstance(t *testing.T) {
	t.Parallel()

	m, host, _ := newTestManager(t, Config{MaxOperationsPerInstance: 1})
	ctx := context.Background()
	first, err := m.Acquire(ctx, "w")
	require.NoError(t, err)
	first.Release(false)
	before := m.Health()[0]

	res, err := m.Acquire(ctx, "w")
	require.NoError(t, err)
	require.Len(t, host.Instances(), 2)
	res.Rollback()

	instances := host.Instances()
	require.False(t, instances[0].TornDown())
	require.True(t, instances[1].TornDown())
	after := m.Health()[0]
	require.Equal(t, before.OperationCount, after.OperationCount)
	require.Equal(t, before.Generation, after.Generation)

	// The reinstated instance is still due for recycling.
	res, err = m.Acquire(ctx, "w")
	require.NoError(t, err)
	res.Release(false)
	require.Len(t, host.Instances(), 3)
	require.True(t, host.Instances()[0].TornDown())
}

func TestFailedRecycleKeepsCurrentInstance(t *testing.T) {
	t.Parallel()

	m, host, _ := newTestManager(t, Config{MaxOperationsPerInstance: 1})
	ctx := context.Background()
	res, err := m.Acquire(ctx, "w")
	require.NoError(t, err)
	res.Release(false)

	host.SetFail(true)
	_, err = m.Acquire(ctx, "w")
	require.ErrorIs(t, err, admission.ErrInstantiateFailed)
	require.Equal(t, 1, m.InstanceCount())
	require.False(t, host.Instances()[0].TornDown())

	host.SetFail(false)
	res, err = m.Acquire(ctx, "w")
	require.NoError(t, err)
	res.Release(false)
	require.Len(t, host.Instances(), 2)
}
