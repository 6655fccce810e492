// ============================================================================
// rtkernel Worker - kworker execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: The kernel task that executes requests on its own stack
//
// Execution model:
//   ┌─────────────────────────────────────────┐
//   │  kworker task (kernel.KindWorker)       │
//   │  ┌───────────────────────────────────┐  │
//   │  │ for {                             │  │
//   │  │   assigned? no  -> Park           │  │
//   │  │   execute(op) on worker stack     │  │
//   │  │   complete: result to caller,     │  │
//   │  │     restore priority, next / idle │  │
//   │  │ }                                 │  │
//   │  └───────────────────────────────────┘  │
//   └─────────────────────────────────────────┘
//
// Faults:
//   - an operation that panics yields *kerr.FaultError as the request's
//     result; the worker's stack is reset and it returns to idle
//   - a stack overflow on the worker is corrupting: the worker is retired
//     (and, in fixed mode, the kernel halts)
//
// ============================================================================

package worker

import (
	"errors"
	"runtime/debug"

	"github.com/ChuLiYu/rtkernel/internal/config"
	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/internal/kernel"
	"github.com/ChuLiYu/rtkernel/pkg/types"
)

// Worker is one kworker. Fields after Task are guarded by Pool.mu.
type Worker struct {
	ID    types.Handle // generation-checked slot in the pool's worker arena
	Name  string
	Class types.OpClass
	Task  types.Handle // backing kernel task
	base  types.Priority

	assigned  *inflight // nil when idle
	idleSince types.Ticks
	retire    bool // exit once the current request completes
	retired   bool // removed from the pool
	served    uint64
}

// loop is the worker task's entry function.
func (p *Pool) loop(w *Worker) func(ctx *kernel.Context) error {
	return func(ctx *kernel.Context) error {
		for {
			p.mu.Lock()
			inf := w.assigned
			exit := w.retire && inf == nil
			p.mu.Unlock()

			if exit {
				return nil
			}
			if inf == nil {
				_ = ctx.Park(0)
				continue
			}

			val, err := execute(ctx, inf.caller, &inf.req)
			p.complete(ctx, w, inf, val, err)
		}
	}
}

// execute runs req's operation on ctx's stack, charging resource use to
// caller. A panic becomes *kerr.FaultError; a stack overflow becomes a
// corrupting one.
func execute(ctx *kernel.Context, caller types.Handle, req *kernel.Request) (val any, err error) {
	op := req.Op
	ctx.ChargeTo(caller)
	defer ctx.ChargeTo(types.NoHandle)

	defer func() {
		if r := recover(); r != nil {
			val = nil
			err = &kerr.FaultError{Op: op.Name, Value: r, Stack: debug.Stack()}
		}
	}()

	err = ctx.Frame(op.StackDepth, func() error {
		var opErr error
		val, opErr = op.Fn(ctx, req)
		return opErr
	})

	var so *kerr.StackOverflowError
	if errors.As(err, &so) {
		return nil, &kerr.FaultError{Op: op.Name, Value: so, Corrupting: true}
	}
	return val, err
}

// complete hands the result back and moves the worker on to its next
// request or to idle.
func (p *Pool) complete(ctx *kernel.Context, w *Worker, inf *inflight, val any, err error) {
	now := ctx.Now()
	ctx.ResetStack()

	var fault *kerr.FaultError
	isFault := errors.As(err, &fault)
	corrupting := isFault && fault.Corrupting
	if isFault {
		p.log.Warn("operation fault", "worker", w.Name, "op", inf.req.Op.Name,
			"caller", inf.caller.String(), "corrupting", corrupting, "fault", fault.Value)
	}

	p.mu.Lock()
	latency := now - inf.submitted
	inf.state = stateDone
	inf.err = err
	if inf.abandoned {
		// nobody waits; the request and its result die here
		p.log.Debug("discarding abandoned result", "worker", w.Name, "op", inf.req.Op.Name,
			"caller", inf.caller.String())
		inf.req = kernel.Request{}
	} else {
		inf.resp = kernel.Response{Value: val, Request: inf.req, Worker: w.ID, Latency: latency}
		_ = p.k.Notify(inf.caller)
	}
	w.assigned = nil
	w.served++
	if p.cfg.PriorityPolicy == config.PolicyInherited {
		_ = p.k.RestorePriority(w.Task)
	}

	halt := false
	if corrupting {
		p.retireLocked(w, "corrupted")
		halt = p.mode == config.ModeFixed && !p.stopped
	} else {
		p.nextLocked(w, now)
	}
	p.mu.Unlock()

	p.obs.RequestCompleted(inf.class, latency, err)
	if halt {
		p.k.Fatal("fixed-mode worker stack corrupted", w.Task, err)
	}
}
