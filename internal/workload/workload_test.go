package workload

import (
	"context"
	"testing"
	"time"

	"github.com/ChuLiYu/rtkernel/internal/config"
	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/internal/kernel"
	"github.com/ChuLiYu/rtkernel/internal/logging"
	"github.com/ChuLiYu/rtkernel/internal/tick"
	"github.com/ChuLiYu/rtkernel/internal/worker"
	"github.com/ChuLiYu/rtkernel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Kernel.PriorityLevels = 3
	cfg.Kernel.MaxTasks = 16
	cfg.Dispatch.Mode = config.ModeFixed
	cfg.Dispatch.IOWorkers = 2
	cfg.Dispatch.GeneralWorkers = 1
	cfg.Dispatch.WorkerStackBytes = 1024
	return cfg
}

func boot(t *testing.T, cfg config.Config, withPool bool) (*kernel.Kernel, *tick.Manual) {
	t.Helper()
	src := tick.NewManual()
	opts := []kernel.Option{kernel.WithLogger(logging.Discard()), kernel.WithTickSource(src)}
	if withPool {
		d, err := worker.New(cfg.Dispatch, worker.WithLogger(logging.Discard()))
		require.NoError(t, err)
		opts = append(opts, kernel.WithDispatcher(d))
	}
	k, err := kernel.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(k.Stop)
	return k, src
}

// tickUntil fires one tick at a time until cond holds.
func tickUntil(t *testing.T, src *tick.Manual, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		src.Fire(1)
		return false
	}, 5*time.Second, time.Millisecond)
}

func TestEntryValidation(t *testing.T) {
	env := NewEnv(64, logging.Discard())

	_, err := Entry(env, config.TaskSpec{Name: "x", Kind: "teleport"})
	assert.ErrorIs(t, err, kerr.ErrInvalidArgument)

	_, err = Entry(env, config.TaskSpec{Name: "p", Kind: "producer"})
	assert.ErrorIs(t, err, kerr.ErrInvalidArgument, "producers need a pipe")

	for _, kind := range []Kind{KindSpin, KindIO, KindCompute} {
		_, err := Entry(env, config.TaskSpec{Name: "ok", Kind: string(kind)})
		assert.NoError(t, err, kind)
	}
}

func TestSpawnReplicas(t *testing.T) {
	k, _ := boot(t, testConfig(), false)
	env := NewEnv(64, logging.Discard())

	hs, err := Spawn(k, env, []config.TaskSpec{{Name: "spin", Kind: "spin", StackBytes: 512, Count: 3}})
	require.NoError(t, err)
	assert.Len(t, hs, 3)

	snap := k.Snapshot()
	for _, name := range []string{"spin", "spin.1", "spin.2"} {
		_, ok := snap.Find(name)
		assert.True(t, ok, name)
	}
}

func TestSpawnStopsAtFirstError(t *testing.T) {
	k, _ := boot(t, testConfig(), false)
	env := NewEnv(64, logging.Discard())

	hs, err := Spawn(k, env, []config.TaskSpec{
		{Name: "fine", Kind: "spin", StackBytes: 512},
		{Name: "urgent", Kind: "spin", StackBytes: 512, Priority: 9},
	})
	assert.ErrorIs(t, err, kerr.ErrInvalidArgument)
	assert.Len(t, hs, 1)
}

func TestProducerConsumerThroughPipe(t *testing.T) {
	k, src := boot(t, testConfig(), false)
	env := NewEnv(32, logging.Discard())

	_, err := Spawn(k, env, []config.TaskSpec{
		{Name: "prod", Kind: "producer", StackBytes: 512, Pipe: "telemetry", OpTicks: 1},
		{Name: "cons", Kind: "consumer", StackBytes: 512, Pipe: "telemetry"},
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))

	tickUntil(t, src, func() bool { return env.Stats.BytesRead.Load() >= 30 })
	assert.Equal(t, 1, env.Pipes.Len())
	assert.LessOrEqual(t, env.Stats.BytesRead.Load(), env.Stats.BytesWritten.Load())
}

func TestConsumerTimesOutWithoutProducer(t *testing.T) {
	k, src := boot(t, testConfig(), false)
	env := NewEnv(32, logging.Discard())

	_, err := Spawn(k, env, []config.TaskSpec{
		{Name: "cons", Kind: "consumer", StackBytes: 512, Pipe: "quiet", Timeout: 2},
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))

	tickUntil(t, src, func() bool { return env.Stats.Timeouts.Load() >= 2 })
	assert.Zero(t, env.Stats.BytesRead.Load())
}

func TestIOTaskCompletesOnWorkers(t *testing.T) {
	k, src := boot(t, testConfig(), true)
	env := NewEnv(64, logging.Discard())

	_, err := Spawn(k, env, []config.TaskSpec{
		{Name: "net", Kind: "io", StackBytes: 512, OpTicks: 2, AllocBytes: 100},
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))

	tickUntil(t, src, func() bool { return env.Stats.Completed.Load() >= 3 })
	assert.Zero(t, env.Stats.QuotaDenied.Load())
}

func TestIOTaskHitsNetworkCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.NetMemCeiling = 50
	k, src := boot(t, cfg, true)
	env := NewEnv(64, logging.Discard())

	_, err := Spawn(k, env, []config.TaskSpec{
		{Name: "net", Kind: "io", StackBytes: 512, OpTicks: 1, AllocBytes: 100},
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))

	tickUntil(t, src, func() bool { return env.Stats.QuotaDenied.Load() >= 2 })
	assert.Zero(t, env.Stats.Completed.Load())
	assert.Equal(t, int64(0), k.Snapshot().Global.Memory[types.MemNetwork], "nothing stays charged")
}

func TestComputeTaskGetsPayloadBack(t *testing.T) {
	k, src := boot(t, testConfig(), true)
	env := NewEnv(64, logging.Discard())

	_, err := Spawn(k, env, []config.TaskSpec{
		{Name: "hash", Kind: "compute", StackBytes: 512, AllocBytes: 128},
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))

	tickUntil(t, src, func() bool { return env.Stats.Completed.Load() >= 2 })
	assert.Zero(t, env.Stats.Faults.Load())
}

func TestChecksumIsStable(t *testing.T) {
	v1, err := Checksum.Fn(nil, &kernel.Request{Params: []byte("abc")})
	require.NoError(t, err)
	v2, err := Checksum.Fn(nil, &kernel.Request{Params: []byte("abc")})
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.IsType(t, uint64(0), v1)
}
