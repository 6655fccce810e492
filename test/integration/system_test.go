// ============================================================================
// rtkernel end-to-end tests
// ============================================================================
//
// Package: test/integration
// File: system_test.go
// Purpose: Boot complete systems on the wall-clock tick source
//
// TestModesCompleteRequests:
//   Every dispatch mode serves io and compute requests from a mixed workload
//
// TestSystemThroughput:
//   Tight submit loop against a fixed pool; reports requests per second
//
// TestWorkerOverflowHaltsFixedKernel:
//   A corrupted fixed-mode kworker halts the kernel and Run surfaces the
//   *kerr.FatalError
//
// TestDynamicOverflowKeepsRunning:
//   The same fault in dynamic mode only retires the worker
//
// ============================================================================

package integration

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/rtkernel/internal/config"
	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/internal/kernel"
	"github.com/ChuLiYu/rtkernel/internal/logging"
	"github.com/ChuLiYu/rtkernel/internal/system"
	"github.com/ChuLiYu/rtkernel/internal/workload"
	"github.com/ChuLiYu/rtkernel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig(mode config.DispatchMode) config.Config {
	cfg := config.Default()
	cfg.Dispatch.Mode = mode
	cfg.Dispatch.IOWorkers = 2
	cfg.Dispatch.GeneralWorkers = 1
	cfg.Dispatch.MaxWorkers = 3
	cfg.Dispatch.WorkerStackBytes = 1024
	return cfg
}

func TestModesCompleteRequests(t *testing.T) {
	for _, mode := range []config.DispatchMode{config.ModeDynamic, config.ModeFixed, config.ModeFlat} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := baseConfig(mode)
			cfg.Workload.Duration = 300 * time.Millisecond
			cfg.Workload.Tasks = []config.TaskSpec{
				{Name: "net", Kind: "io", Priority: 1, StackBytes: 2048, Count: 2, OpTicks: 2, AllocBytes: 64},
				{Name: "hash", Kind: "compute", StackBytes: 2048, AllocBytes: 64},
			}

			s, err := system.New(cfg, system.WithLogger(logging.Discard()))
			require.NoError(t, err)
			require.NoError(t, s.Run(context.Background()))

			sum := s.Summary()
			assert.Greater(t, sum.Completed, int64(10), "requests completed in %s mode", mode)
			assert.Zero(t, sum.Faults)
			assert.Zero(t, s.Kernel().Snapshot().Global.Memory[types.MemNetwork], "io buffers released")
		})
	}
}

func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	s, err := system.New(baseConfig(config.ModeFixed), system.WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer s.Stop()

	const total = 2000
	var done atomic.Int64
	finished := make(chan struct{})
	_, err = s.Kernel().Spawn(kernel.TaskSpec{
		Name: "client", Priority: 1, StackBytes: 512,
		Entry: func(ctx *kernel.Context) error {
			payload := []byte("throughput")
			for i := 0; i < total; i++ {
				if _, err := ctx.Submit(kernel.Request{Op: workload.Checksum, Params: payload}, 0); err != nil {
					return err
				}
				done.Add(1)
			}
			close(finished)
			return nil
		},
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-finished:
	case <-time.After(30 * time.Second):
		t.Fatalf("only %d/%d requests completed", done.Load(), total)
	}
	elapsed := time.Since(start)

	t.Logf("Throughput: %d requests in %v (%.0f req/s)", total, elapsed, float64(total)/elapsed.Seconds())
	ps, ok := s.PoolStats()
	require.True(t, ok)
	assert.Zero(t, ps.InFlight)
}

// deepOp needs more stack than any kworker in these tests has.
var deepOp = &kernel.Operation{
	Name:       "deep",
	Class:      types.ClassGeneral,
	StackDepth: 64 * 1024,
	Fn: func(*kernel.Context, *kernel.Request) (any, error) {
		return nil, nil
	},
}

func spawnDeepCaller(t *testing.T, s *system.System, results chan<- error) {
	t.Helper()
	_, err := s.Kernel().Spawn(kernel.TaskSpec{
		Name: "deep-caller", Priority: 1, StackBytes: 2048,
		Entry: func(ctx *kernel.Context) error {
			_, err := ctx.Submit(kernel.Request{Op: deepOp}, 0)
			results <- err
			return nil
		},
	})
	require.NoError(t, err)
}

func TestWorkerOverflowHaltsFixedKernel(t *testing.T) {
	cfg := baseConfig(config.ModeFixed)
	cfg.Workload.Duration = 10 * time.Second
	s, err := system.New(cfg, system.WithLogger(logging.Discard()))
	require.NoError(t, err)
	spawnDeepCaller(t, s, make(chan error, 1))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, kerr.ErrFatal)
		var fe *kerr.FatalError
		require.True(t, errors.As(err, &fe))
	case <-time.After(5 * time.Second):
		t.Fatal("kernel did not halt")
	}
	assert.True(t, s.Kernel().Halted())
}

func TestDynamicOverflowKeepsRunning(t *testing.T) {
	cfg := baseConfig(config.ModeDynamic)
	s, err := system.New(cfg, system.WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer s.Stop()

	results := make(chan error, 1)
	spawnDeepCaller(t, s, results)
	require.NoError(t, s.Start(context.Background()))

	select {
	case err := <-results:
		var fault *kerr.FaultError
		require.True(t, errors.As(err, &fault), "got %v", err)
		assert.True(t, fault.Corrupting)
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed")
	}
	assert.False(t, s.Kernel().Halted())
}
