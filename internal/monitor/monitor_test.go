package monitor

import (
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/ChuLiYu/rtkernel/internal/config"
	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMonitor(t *testing.T, cfg config.Monitor) *Monitor {
	t.Helper()
	return New(cfg, 8, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func allOn() config.Monitor {
	return config.Monitor{CPULoad: true, Memory: true, FileUsage: true}
}

var (
	taskA = types.Handle{Index: 1, Gen: 1}
	taskB = types.Handle{Index: 2, Gen: 1}
)

// ============================================================================
// Memory
// ============================================================================

func TestAllocFree(t *testing.T) {
	m := newMonitor(t, allOn())
	require.NoError(t, m.Attach(taskA))

	require.NoError(t, m.OnAlloc(taskA, types.MemKernel, 100))
	require.NoError(t, m.OnAlloc(taskA, types.MemNetwork, 40))
	require.NoError(t, m.OnFree(taskA, types.MemKernel, 30))

	snap := m.Snapshot()
	u, ok := snap.Task(taskA)
	require.True(t, ok)
	assert.Equal(t, int64(140), u.Allocated)
	assert.Equal(t, int64(30), u.Freed)
	assert.Equal(t, int64(70), u.InUse[types.MemKernel])
	assert.Equal(t, int64(40), u.InUse[types.MemNetwork])
	assert.Equal(t, int64(70), snap.Global.Memory[types.MemKernel])
	assert.Equal(t, int64(40), snap.Global.Memory[types.MemNetwork])
}

func TestFreeUnderflowSaturates(t *testing.T) {
	m := newMonitor(t, allOn())
	require.NoError(t, m.Attach(taskA))
	require.NoError(t, m.OnAlloc(taskA, types.MemKernel, 10))

	err := m.OnFree(taskA, types.MemKernel, 25)
	require.Error(t, err)
	assert.ErrorIs(t, err, kerr.ErrInternalConsistency)

	var ce *kerr.ConsistencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(25), ce.Requested)
	assert.Equal(t, int64(10), ce.Available)

	snap := m.Snapshot()
	u, _ := snap.Task(taskA)
	assert.Equal(t, int64(0), u.InUse[types.MemKernel])
	assert.Equal(t, int64(0), snap.Global.Memory[types.MemKernel])
	assert.Equal(t, uint64(1), snap.Global.ConsistencyErrors)
}

func TestDoubleCloseSaturates(t *testing.T) {
	m := newMonitor(t, allOn())
	require.NoError(t, m.Attach(taskA))

	require.NoError(t, m.OnResourceOpen(taskA))
	require.NoError(t, m.OnResourceClose(taskA))
	err := m.OnResourceClose(taskA)
	assert.ErrorIs(t, err, kerr.ErrInternalConsistency)

	u, _ := m.Snapshot().Task(taskA)
	assert.Equal(t, int64(0), u.Open)
}

func TestNetworkCeiling(t *testing.T) {
	cfg := allOn()
	cfg.NetMemCeiling = 100
	m := newMonitor(t, cfg)
	require.NoError(t, m.Attach(taskA))
	require.NoError(t, m.Attach(taskB))

	require.NoError(t, m.OnAlloc(taskA, types.MemNetwork, 60))
	err := m.OnAlloc(taskB, types.MemNetwork, 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, kerr.ErrQuotaExceeded)

	var qe *kerr.QuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, int64(60), qe.InUse)

	// the failed allocation is not charged
	u, _ := m.Snapshot().Task(taskB)
	assert.Equal(t, int64(0), u.InUse[types.MemNetwork])

	// up to the ceiling is fine, kernel memory is not governed
	require.NoError(t, m.OnAlloc(taskB, types.MemNetwork, 40))
	require.NoError(t, m.OnAlloc(taskB, types.MemKernel, 1000))

	require.NoError(t, m.OnFree(taskA, types.MemNetwork, 60))
	assert.NoError(t, m.OnAlloc(taskB, types.MemNetwork, 60))
}

func TestDetachReleasesGlobals(t *testing.T) {
	m := newMonitor(t, allOn())
	require.NoError(t, m.Attach(taskA))
	require.NoError(t, m.OnAlloc(taskA, types.MemKernel, 64))
	require.NoError(t, m.OnAlloc(taskA, types.MemNetwork, 32))
	require.NoError(t, m.OnResourceOpen(taskA))

	require.NoError(t, m.Detach(taskA))

	snap := m.Snapshot()
	_, ok := snap.Task(taskA)
	assert.False(t, ok)
	assert.Equal(t, int64(0), snap.Global.Memory[types.MemKernel])
	assert.Equal(t, int64(0), snap.Global.Memory[types.MemNetwork])

	// stale afterwards
	assert.ErrorIs(t, m.OnAlloc(taskA, types.MemKernel, 1), kerr.ErrStaleHandle)
	assert.ErrorIs(t, m.Detach(taskA), kerr.ErrStaleHandle)
}

func TestDetachDuringConcurrentAllocs(t *testing.T) {
	m := newMonitor(t, allOn())
	for round := 0; round < 50; round++ {
		require.NoError(t, m.Attach(taskA))

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					_ = m.OnAlloc(taskA, types.MemKernel, 8)
				}
			}()
		}
		require.NoError(t, m.Detach(taskA))
		wg.Wait()

		require.Equal(t, int64(0), m.Snapshot().Global.Memory[types.MemKernel], "round %d", round)
	}
}

func TestStaleGeneration(t *testing.T) {
	m := newMonitor(t, allOn())
	require.NoError(t, m.Attach(taskA))

	old := types.Handle{Index: taskA.Index, Gen: taskA.Gen + 1}
	assert.ErrorIs(t, m.OnAlloc(old, types.MemKernel, 1), kerr.ErrStaleHandle)
	assert.ErrorIs(t, m.Attach(types.Handle{Index: 99, Gen: 1}), kerr.ErrStaleHandle)
}

func TestInvalidArguments(t *testing.T) {
	m := newMonitor(t, allOn())
	require.NoError(t, m.Attach(taskA))
	assert.ErrorIs(t, m.OnAlloc(taskA, types.MemKernel, -1), kerr.ErrInvalidArgument)
	assert.ErrorIs(t, m.OnFree(taskA, types.MemCategory(9), 1), kerr.ErrInvalidArgument)
}

// ============================================================================
// CPU
// ============================================================================

func TestCPUTicks(t *testing.T) {
	m := newMonitor(t, allOn())
	require.NoError(t, m.Attach(taskA))

	for i := 0; i < 3; i++ {
		m.OnTick(taskA)
	}
	m.OnIdleTick()

	snap := m.Snapshot()
	u, _ := snap.Task(taskA)
	assert.Equal(t, uint64(3), u.CPUTicks)
	assert.Equal(t, uint64(4), snap.Global.TotalTicks)
	assert.Equal(t, uint64(1), snap.Global.IdleTicks)
	assert.InDelta(t, 75.0, snap.Global.CPULoad(), 0.001)
	assert.InDelta(t, 75.0, snap.Share(u), 0.001)
}

func TestCPULoadEmpty(t *testing.T) {
	assert.Equal(t, 0.0, Global{}.CPULoad())
	assert.Equal(t, 0.0, Snapshot{}.Share(TaskUsage{CPUTicks: 5}))
}

// ============================================================================
// Flags
// ============================================================================

func TestDisabledCounters(t *testing.T) {
	m := newMonitor(t, config.Monitor{NetMemCeiling: 1})
	require.NoError(t, m.Attach(taskA))

	assert.NoError(t, m.OnAlloc(taskA, types.MemNetwork, 500))
	assert.NoError(t, m.OnFree(taskA, types.MemKernel, 500))
	assert.NoError(t, m.OnResourceClose(taskA))
	m.OnTick(taskA)
	m.OnIdleTick()

	snap := m.Snapshot()
	u, ok := snap.Task(taskA)
	require.True(t, ok)
	assert.Equal(t, TaskUsage{Handle: taskA}, u)
	assert.Equal(t, uint64(0), snap.Global.TotalTicks)
	assert.Equal(t, uint64(0), snap.Global.ConsistencyErrors)
}

// ============================================================================
// Non-negativity under concurrent, imbalanced use
// ============================================================================

func TestCountersNeverNegative(t *testing.T) {
	m := newMonitor(t, allOn())
	handles := []types.Handle{taskA, taskB, {Index: 3, Gen: 1}, {Index: 4, Gen: 1}}
	for _, h := range handles {
		require.NoError(t, m.Attach(h))
	}

	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func(seed int64, h types.Handle) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for j := 0; j < 2000; j++ {
				n := int64(r.Intn(64))
				cat := types.MemCategory(r.Intn(types.NumMemCategories))
				switch r.Intn(4) {
				case 0:
					_ = m.OnAlloc(h, cat, n)
				case 1:
					_ = m.OnFree(h, cat, n)
				case 2:
					_ = m.OnResourceOpen(h)
				case 3:
					_ = m.OnResourceClose(h)
				}
			}
		}(int64(i), h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		snap := m.Snapshot()
		for _, v := range snap.Global.Memory {
			require.GreaterOrEqual(t, v, int64(0))
		}
		for _, u := range snap.Tasks {
			require.GreaterOrEqual(t, u.Open, int64(0))
			for _, v := range u.InUse {
				require.GreaterOrEqual(t, v, int64(0))
			}
		}
		select {
		case <-done:
			final := m.Snapshot()
			var sum [types.NumMemCategories]int64
			for _, u := range final.Tasks {
				for cat, v := range u.InUse {
					sum[cat] += v
				}
			}
			assert.Equal(t, sum, final.Global.Memory)
			return
		default:
		}
	}
}

func BenchmarkOnAllocFree(b *testing.B) {
	m := New(allOn(), 4, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_ = m.Attach(taskA)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.OnAlloc(taskA, types.MemKernel, 16)
		_ = m.OnFree(taskA, types.MemKernel, 16)
	}
}
