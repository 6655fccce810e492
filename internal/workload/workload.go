// ============================================================================
// rtkernel Workload - demo task behaviours
// ============================================================================
//
// Package: internal/workload
// File: workload.go
// Purpose: Turn the `workload` configuration section into running tasks
//
// Kinds:
//   spin:     CPU-bound loop; only preemption takes the CPU away
//   io:       submits io.read requests (network buffer + open handle held
//             for op_ticks on the worker) and sleeps a tick between them
//   compute:  submits checksum requests over a generated payload
//   producer: writes numbered lines into a named pipe every op_ticks
//   consumer: reads from a named pipe, giving up after timeout ticks
//
// Every outcome is counted in Stats so the CLI can report what happened.
//
// ============================================================================

package workload

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/ChuLiYu/rtkernel/internal/config"
	"github.com/ChuLiYu/rtkernel/internal/ipc"
	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/internal/kernel"
	"github.com/ChuLiYu/rtkernel/pkg/types"
	"github.com/cespare/xxhash/v2"
)

// Kind names a demo behaviour.
type Kind string

const (
	KindSpin     Kind = "spin"
	KindIO       Kind = "io"
	KindCompute  Kind = "compute"
	KindProducer Kind = "producer"
	KindConsumer Kind = "consumer"
)

// Stats counts workload outcomes across every task.
type Stats struct {
	Completed    atomic.Int64
	Faults       atomic.Int64
	Timeouts     atomic.Int64
	Rejected     atomic.Int64
	QuotaDenied  atomic.Int64
	BytesWritten atomic.Int64
	BytesRead    atomic.Int64
}

// Summary is a plain copy of Stats.
type Summary struct {
	Completed    int64
	Faults       int64
	Timeouts     int64
	Rejected     int64
	QuotaDenied  int64
	BytesWritten int64
	BytesRead    int64
}

// Summary copies the counters.
func (s *Stats) Summary() Summary {
	return Summary{
		Completed:    s.Completed.Load(),
		Faults:       s.Faults.Load(),
		Timeouts:     s.Timeouts.Load(),
		Rejected:     s.Rejected.Load(),
		QuotaDenied:  s.QuotaDenied.Load(),
		BytesWritten: s.BytesWritten.Load(),
		BytesRead:    s.BytesRead.Load(),
	}
}

// Env is what demo tasks share.
type Env struct {
	Pipes *ipc.Registry
	Log   *slog.Logger
	Stats *Stats
}

// NewEnv creates an environment whose pipes hold pipeBytes.
func NewEnv(pipeBytes int, log *slog.Logger) *Env {
	if log == nil {
		log = slog.Default()
	}
	return &Env{Pipes: ipc.NewRegistry(pipeBytes), Log: log.With("component", "workload"), Stats: &Stats{}}
}

// Spawn starts every task described by specs. Count replicas are named
// name, name.1, name.2 and so on.
func Spawn(k *kernel.Kernel, env *Env, specs []config.TaskSpec) ([]types.Handle, error) {
	var hs []types.Handle
	for _, spec := range specs {
		entry, err := Entry(env, spec)
		if err != nil {
			return hs, err
		}
		n := spec.Count
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			name := spec.Name
			if i > 0 {
				name = fmt.Sprintf("%s.%d", spec.Name, i)
			}
			h, err := k.Spawn(kernel.TaskSpec{
				Name:       name,
				Priority:   types.Priority(spec.Priority),
				StackBytes: spec.StackBytes,
				Entry:      entry,
			})
			if err != nil {
				return hs, fmt.Errorf("workload task %q: %w", name, err)
			}
			hs = append(hs, h)
		}
	}
	return hs, nil
}

// Entry returns the task function for spec.
func Entry(env *Env, spec config.TaskSpec) (func(*kernel.Context) error, error) {
	switch Kind(spec.Kind) {
	case KindSpin:
		return spin, nil
	case KindIO:
		return ioTask(env, spec), nil
	case KindCompute:
		return computeTask(env, spec), nil
	case KindProducer, KindConsumer:
		if spec.Pipe == "" {
			return nil, fmt.Errorf("workload task %q: %s needs a pipe: %w", spec.Name, spec.Kind, kerr.ErrInvalidArgument)
		}
		if Kind(spec.Kind) == KindProducer {
			return producer(env, spec), nil
		}
		return consumer(env, spec), nil
	default:
		return nil, fmt.Errorf("workload task %q: unknown kind %q: %w", spec.Name, spec.Kind, kerr.ErrInvalidArgument)
	}
}

func spin(ctx *kernel.Context) error {
	for {
		ctx.Checkpoint()
	}
}

func ioTask(env *Env, spec config.TaskSpec) func(*kernel.Context) error {
	args := IOArgs{Ticks: types.Ticks(spec.OpTicks), Bytes: int64(spec.AllocBytes)}
	timeout := types.Ticks(spec.Timeout)
	return func(ctx *kernel.Context) error {
		for {
			_, err := ctx.Submit(kernel.Request{Op: IORead, Arg: args}, timeout)
			env.record(ctx, IORead, err)
			ctx.Sleep(1)
		}
	}
}

func computeTask(env *Env, spec config.TaskSpec) func(*kernel.Context) error {
	size := spec.AllocBytes
	if size <= 0 {
		size = 64
	}
	timeout := types.Ticks(spec.Timeout)
	return func(ctx *kernel.Context) error {
		payload := make([]byte, size)
		for seq := 0; ; seq++ {
			for i := range payload {
				payload[i] = byte(seq + i)
			}
			resp, err := ctx.Submit(kernel.Request{Op: Checksum, Params: payload}, timeout)
			env.record(ctx, Checksum, err)
			if resp.Request.Params != nil {
				payload = resp.Request.Params
			} else {
				// still owned by a worker that outlived the timeout
				payload = make([]byte, size)
			}
			ctx.Sleep(types.Ticks(max(spec.OpTicks, 1)))
		}
	}
}

func producer(env *Env, spec config.TaskSpec) func(*kernel.Context) error {
	period := types.Ticks(max(spec.OpTicks, 1))
	return func(ctx *kernel.Context) error {
		p := env.Pipes.Open(spec.Pipe)
		for seq := 0; ; seq++ {
			line := fmt.Sprintf("%s %d\n", ctx.Name(), seq)
			n, err := p.Write(ctx, []byte(line), 0)
			env.Stats.BytesWritten.Add(int64(n))
			if err != nil {
				env.Log.Info("producer stopped", "task", ctx.Name(), "pipe", spec.Pipe, "err", err)
				return err
			}
			ctx.Sleep(period)
		}
	}
}

func consumer(env *Env, spec config.TaskSpec) func(*kernel.Context) error {
	timeout := types.Ticks(spec.Timeout)
	return func(ctx *kernel.Context) error {
		p := env.Pipes.Open(spec.Pipe)
		buf := make([]byte, 64)
		for {
			n, err := p.Read(ctx, buf, timeout)
			env.Stats.BytesRead.Add(int64(n))
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case errors.Is(err, kerr.ErrTimeout):
				env.Stats.Timeouts.Add(1)
			case err != nil:
				return err
			}
		}
	}
}

// record counts the outcome of one submitted request.
func (e *Env) record(ctx *kernel.Context, op *kernel.Operation, err error) {
	var (
		fault *kerr.FaultError
		quota *kerr.QuotaError
		rej   *kernel.RejectedError
	)
	switch {
	case err == nil:
		e.Stats.Completed.Add(1)
		return
	case errors.As(err, &rej):
		e.Stats.Rejected.Add(1)
	case errors.Is(err, kerr.ErrTimeout):
		e.Stats.Timeouts.Add(1)
	case errors.As(err, &quota):
		e.Stats.QuotaDenied.Add(1)
	case errors.As(err, &fault):
		e.Stats.Faults.Add(1)
	}
	e.Log.Debug("request failed", "task", ctx.Name(), "op", op.Name, "err", err)
}

// IOArgs parameterises IORead.
type IOArgs struct {
	Ticks types.Ticks // time the handle stays open
	Bytes int64       // network buffer charged to the caller
}

// IORead simulates a blocking network read on an io worker.
var IORead = &kernel.Operation{
	Name:       "io.read",
	Class:      types.ClassIO,
	StackDepth: 512,
	Fn:         ioRead,
}

func ioRead(ctx *kernel.Context, req *kernel.Request) (any, error) {
	args, _ := req.Arg.(IOArgs)
	if args.Bytes > 0 {
		if err := ctx.Alloc(types.MemNetwork, args.Bytes); err != nil {
			return nil, err
		}
		defer func() { _ = ctx.Free(types.MemNetwork, args.Bytes) }()
	}
	if err := ctx.OpenResource(); err != nil {
		return nil, err
	}
	defer func() { _ = ctx.CloseResource() }()
	if args.Ticks > 0 {
		ctx.Sleep(args.Ticks)
	}
	return args.Bytes, nil
}

// Checksum hashes the request payload on a general worker.
var Checksum = &kernel.Operation{
	Name:       "checksum",
	Class:      types.ClassGeneral,
	StackDepth: 256,
	Fn: func(ctx *kernel.Context, req *kernel.Request) (any, error) {
		return xxhash.Sum64(req.Params), nil
	},
}
