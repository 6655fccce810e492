package kernel

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/internal/tcb"
	"github.com/ChuLiYu/rtkernel/pkg/types"
)

// thread is the goroutine backing one TCB.
type thread struct {
	h      types.Handle
	name   string
	kind   types.TaskKind
	entry  func(*Context) error
	resume chan struct{} // CPU handed to this thread
	dead   chan struct{} // closed when the task is terminated
	killed bool          // guarded by Kernel.mu

	// set by the thread itself before it leaves through runtime.Goexit
	exitSet bool
	exitErr error
}

func newThread(t *tcb.Task, entry func(*Context) error) *thread {
	return &thread{
		h:      t.Handle,
		name:   t.Name,
		kind:   t.Kind,
		entry:  entry,
		resume: make(chan struct{}, 1),
		dead:   make(chan struct{}),
	}
}

// kill marks the thread terminated. Callers hold Kernel.mu.
func (th *thread) kill() {
	if !th.killed {
		th.killed = true
		close(th.dead)
	}
}

// transferLocked hands the CPU to next. from is the goroutine giving it up.
func (k *Kernel) transferLocked(next, from types.Handle) {
	th := k.threadLocked(next)
	if th == nil {
		k.fatalLocked("scheduled task has no execution context", next,
			fmt.Errorf("handle %s: %w", next, kerr.ErrStaleHandle))
		return
	}
	k.onCPU = next
	if from != next {
		k.obs.ContextSwitch(from, next)
	}
	select {
	case th.resume <- struct{}{}:
	default:
	}
}

func (k *Kernel) threadLocked(h types.Handle) *thread {
	if !h.Valid() || int(h.Index) >= len(k.threads) {
		return nil
	}
	th := k.threads[h.Index]
	if th == nil || th.h != h {
		return nil
	}
	return th
}

// waitTurnLocked returns, still holding mu, once th is the task the
// scheduler wants on the CPU. Until then th hands the CPU over and parks.
// A terminated thread, or any thread of a halted kernel, exits here.
func (k *Kernel) waitTurnLocked(th *thread) {
	for {
		if th.killed || k.halted {
			k.mu.Unlock()
			runtime.Goexit()
		}
		next := k.sched.Current()
		if next == th.h {
			k.onCPU = th.h
			return
		}
		k.transferLocked(next, th.h)
		k.mu.Unlock()
		select {
		case <-th.resume:
		case <-th.dead:
		}
		k.mu.Lock()
	}
}

// enter begins a kernel entry from a task: take the critical section as the
// running task.
func (k *Kernel) enter(th *thread) {
	k.mu.Lock()
	k.waitTurnLocked(th)
}

// leave ends a kernel entry, switching away first if the entry changed who
// should run.
func (k *Kernel) leave(th *thread) {
	k.waitTurnLocked(th)
	k.mu.Unlock()
}

// start launches the goroutine for th. Callers hold mu.
func (k *Kernel) startLocked(th *thread) {
	k.threads[th.h.Index] = th
	k.wg.Add(1)
	go k.run(th)
}

// run is the trampoline every task goroutine executes.
func (k *Kernel) run(th *thread) {
	defer k.wg.Done()

	select {
	case <-th.resume:
	case <-th.dead:
		k.finish(th, errKilled)
		return
	}

	ctx := &Context{k: k, th: th}
	var exitErr error = errKilled
	defer func() {
		if r := recover(); r != nil {
			exitErr = &kerr.FaultError{Op: th.name, Value: r, Stack: debug.Stack()}
			k.log.Error("task panicked", "task", th.name, "handle", th.h.String(), "panic", r)
		}
		k.finish(th, exitErr)
	}()

	k.enter(th)
	k.mu.Unlock()
	exitErr = th.entry(ctx)
}

// finish terminates th if it still runs, releases everything it owns and
// passes the CPU on if th held it.
func (k *Kernel) finish(th *thread, exitErr error) {
	if th.exitSet {
		exitErr = th.exitErr
	}
	k.mu.Lock()
	notify := false
	if t := k.store.MustGet(th.h); t != nil && t.State != types.StateTerminated && !k.halted {
		d, err := k.sched.Terminate(th.h)
		if err == nil && d.Fault != nil {
			k.fatalLocked("scheduler invariant violated", th.h, d.Fault)
		}
		t.ExitErr = exitErr
		th.kill()
		notify = true
	}
	halted := k.halted
	k.mu.Unlock()

	if notify && !halted && k.disp != nil {
		k.disp.OnTerminate(th.h)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.reapLocked(th, exitErr)
	if !k.halted && k.onCPU == th.h {
		k.onCPU = types.NoHandle
		k.transferLocked(k.sched.Current(), th.h)
	}
}

// reapLocked releases the TCB slot once the goroutine is gone.
func (k *Kernel) reapLocked(th *thread, exitErr error) {
	t := k.store.MustGet(th.h)
	if t == nil {
		return
	}
	if t.ExitErr == nil {
		t.ExitErr = exitErr
	}
	reason := exitReason(t.ExitErr)
	if reason != "normal" && reason != "terminated" {
		k.log.Warn("task exited", "task", th.name, "handle", th.h.String(), "reason", reason, "err", t.ExitErr)
	} else {
		k.log.Debug("task exited", "task", th.name, "handle", th.h.String(), "reason", reason)
	}
	k.obs.TaskExited(th.kind, reason)

	_ = k.mon.Detach(th.h)
	if k.threads[th.h.Index] == th {
		k.threads[th.h.Index] = nil
	}
	_ = k.store.Release(th.h)
}

// spawnIdle creates the idle task. It runs whenever nothing is Ready and,
// with idle_halt, sleeps until the next tick.
func (k *Kernel) spawnIdle() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	t, err := k.store.Alloc(tcb.Spec{
		Name:       "idle",
		Kind:       types.KindIdle,
		Priority:   types.IdlePriority,
		StackBytes: k.cfg.Kernel.IdleStackBytes,
	})
	if err != nil {
		return fmt.Errorf("idle task: %w", err)
	}
	if err := k.sched.SetIdle(t.Handle); err != nil {
		return err
	}
	_ = k.mon.Attach(t.Handle)
	k.startLocked(newThread(t, k.idleLoop))
	return nil
}

func (k *Kernel) idleLoop(ctx *Context) error {
	th := ctx.th
	for {
		if k.cfg.Kernel.IdleHalt {
			select {
			case <-k.irq:
			case <-th.dead:
				runtime.Goexit()
			}
		} else {
			runtime.Gosched()
		}
		k.enter(th)
		k.mu.Unlock()
	}
}
