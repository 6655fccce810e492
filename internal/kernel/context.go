package kernel

import (
	"fmt"
	"runtime"
	"time"

	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/pkg/types"
)

// Context is a task's view of the kernel. It is only valid on the task's
// own goroutine. Every method is a kernel entry and therefore a safe point
// at which a pending preemption takes effect.
type Context struct {
	k  *Kernel
	th *thread

	// accounting target while a worker serves another task
	onBehalf types.Handle
}

// Handle returns the task handle.
func (c *Context) Handle() types.Handle { return c.th.h }

// Name returns the task name.
func (c *Context) Name() string { return c.th.name }

// Kind returns the task kind.
func (c *Context) Kind() types.TaskKind { return c.th.kind }

// Kernel returns the owning kernel.
func (c *Context) Kernel() *Kernel { return c.k }

// Priority returns the task's effective priority.
func (c *Context) Priority() types.Priority {
	c.k.mu.Lock()
	defer c.k.mu.Unlock()
	if t := c.k.store.MustGet(c.th.h); t != nil {
		return t.Priority
	}
	return 0
}

// Now returns the current tick count.
func (c *Context) Now() types.Ticks { return c.k.Now() }

// Checkpoint is an explicit safe point for long computations: if a higher
// priority task became Ready or the time slice expired, the CPU moves here.
func (c *Context) Checkpoint() {
	c.k.enter(c.th)
	c.k.mu.Unlock()
}

// Yield hands the rest of the time slice to an equal-or-higher priority task.
func (c *Context) Yield() {
	c.k.enter(c.th)
	c.k.sched.Yield()
	c.k.leave(c.th)
}

// Sleep suspends the task for ticks tick periods. Zero ticks yields.
func (c *Context) Sleep(ticks types.Ticks) {
	c.k.enter(c.th)
	if _, err := c.k.sched.Sleep(ticks); err != nil {
		c.k.fatalLocked("sleep from a task that is not running", c.th.h, err)
	}
	c.k.leave(c.th)
}

// Delay suspends the task for at least d.
func (c *Context) Delay(d time.Duration) {
	c.Sleep(c.k.cfg.DurationToTicks(d))
}

// Park blocks until another party calls Notify / Unpark for this task or
// timeout ticks pass (0 waits forever). It returns kerr.ErrTimeout on
// expiry. A notification that arrived earlier makes Park return at once.
// Wakes can be spurious; callers re-check their condition.
func (c *Context) Park(timeout types.Ticks) error {
	k := c.k
	k.enter(c.th)
	t := k.store.MustGet(c.th.h)
	if t.Notified {
		t.Notified = false
		k.mu.Unlock()
		return nil
	}
	if _, err := k.sched.Block(timeout); err != nil {
		k.fatalLocked("block from a task that is not running", c.th.h, err)
	}
	k.leave(c.th)

	k.mu.Lock()
	defer k.mu.Unlock()
	t = k.store.MustGet(c.th.h)
	if t == nil {
		return kerr.ErrTerminated
	}
	t.Notified = false
	if t.TimedOut {
		t.TimedOut = false
		return kerr.ErrTimeout
	}
	return nil
}

// Unpark wakes task h, switching to it at once if it outranks this task.
func (c *Context) Unpark(h types.Handle) error {
	k := c.k
	k.enter(c.th)
	_, err := k.notifyLocked(h)
	k.leave(c.th)
	return err
}

// Spawn creates a task and lets it preempt this one if it is more urgent.
func (c *Context) Spawn(spec TaskSpec) (types.Handle, error) {
	h, err := c.k.Spawn(spec)
	c.Checkpoint()
	return h, err
}

// Terminate ends task h. Terminating the calling task does not return.
func (c *Context) Terminate(h types.Handle) error {
	if h == c.th.h {
		c.exit(errKilled)
	}
	err := c.k.Terminate(h)
	c.Checkpoint()
	return err
}

// SetPriority changes the effective priority of h and re-evaluates
// preemption at once.
func (c *Context) SetPriority(h types.Handle, p types.Priority) error {
	err := c.k.SetPriority(h, p)
	c.Checkpoint()
	return err
}

// Exit ends the calling task normally. It does not return.
func (c *Context) Exit() {
	c.exit(nil)
}

func (c *Context) exit(err error) {
	c.th.exitSet = true
	c.th.exitErr = err
	runtime.Goexit()
}

// Submit hands req to the dispatcher and blocks until it completes or
// timeout ticks pass (0 waits forever).
func (c *Context) Submit(req Request, timeout types.Ticks) (Response, error) {
	if c.k.disp == nil {
		return Response{Request: req}, &RejectedError{Req: req,
			Cause: fmt.Errorf("no dispatcher installed: %w", kerr.ErrWorkerUnavailable)}
	}
	if req.Op == nil || req.Op.Fn == nil {
		return Response{Request: req}, fmt.Errorf("request without operation: %w", kerr.ErrInvalidArgument)
	}
	return c.k.disp.Dispatch(c, req, timeout)
}

// ChargeTo makes memory and handle accounting on this context count
// against h until cleared with types.NoHandle. Workers use it while serving
// a request.
func (c *Context) ChargeTo(h types.Handle) { c.onBehalf = h }

func (c *Context) account() types.Handle {
	if c.onBehalf.Valid() {
		return c.onBehalf
	}
	return c.th.h
}

// Alloc charges n bytes of cat to the task. Network allocations may fail
// with *kerr.QuotaError; that is an expected outcome under load.
func (c *Context) Alloc(cat types.MemCategory, n int64) error {
	return c.k.mon.OnAlloc(c.account(), cat, n)
}

// Free releases n bytes of cat.
func (c *Context) Free(cat types.MemCategory, n int64) error {
	return c.k.mon.OnFree(c.account(), cat, n)
}

// OpenResource counts an open handle (file, socket) held by the task.
func (c *Context) OpenResource() error {
	return c.k.mon.OnResourceOpen(c.account())
}

// CloseResource releases an open handle.
func (c *Context) CloseResource() error {
	return c.k.mon.OnResourceClose(c.account())
}

// Frame runs fn with depth bytes pushed on this context's stack. Overflow is
// a hard error: a user task that overflows is terminated; a worker gets
// *kerr.StackOverflowError back so its pool can retire it.
func (c *Context) Frame(depth int, fn func() error) error {
	k := c.k
	k.enter(c.th)
	t := k.store.MustGet(c.th.h)
	err := t.Push(depth)
	k.mu.Unlock()
	if err != nil {
		k.log.Error("stack overflow", "task", c.th.name, "handle", c.th.h.String(),
			"kind", c.th.kind.String(), "depth", depth, "err", err)
		if c.th.kind == types.KindUser {
			c.exit(err)
		}
		return err
	}
	defer func() {
		k.mu.Lock()
		if t := k.store.MustGet(c.th.h); t != nil {
			t.Pop(depth)
		}
		k.mu.Unlock()
	}()
	return fn()
}

// ResetStack repaints the stack, as when a worker returns to idle.
func (c *Context) ResetStack() {
	c.k.mu.Lock()
	defer c.k.mu.Unlock()
	if t := c.k.store.MustGet(c.th.h); t != nil {
		t.ResetStack()
	}
}

// StackPeak returns the deepest stack use since the last reset.
func (c *Context) StackPeak() int {
	c.k.mu.Lock()
	defer c.k.mu.Unlock()
	if t := c.k.store.MustGet(c.th.h); t != nil {
		return t.StackPeak()
	}
	return 0
}
