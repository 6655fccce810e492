package kernel

import (
	"fmt"

	"github.com/ChuLiYu/rtkernel/pkg/types"
)

// OpFunc performs a kernel-side operation. It runs on a worker's stack (or
// the caller's, in flat mode); ctx is that execution context.
type OpFunc func(ctx *Context, req *Request) (any, error)

// Operation describes a kernel operation a task may submit.
type Operation struct {
	Name       string
	Class      types.OpClass
	StackDepth int // bytes of stack the operation needs
	Fn         OpFunc
}

// Request is the unit of work handed to the dispatcher. It is passed by
// value: the dispatcher holds it exclusively until completion and hands it
// back inside Response or RejectedError.
type Request struct {
	Op     *Operation
	Params []byte
	Arg    any
}

// Response returns a completed request to its caller.
type Response struct {
	Value   any
	Request Request      // ownership returned to the caller
	Worker  types.Handle // NoHandle in flat mode
	Latency types.Ticks  // submit to completion
}

// RejectedError returns a request that was never executed.
type RejectedError struct {
	Req   Request
	Cause error
}

func (e *RejectedError) Error() string {
	name := "<nil>"
	if e.Req.Op != nil {
		name = e.Req.Op.Name
	}
	return fmt.Sprintf("request %q rejected: %v", name, e.Cause)
}

func (e *RejectedError) Unwrap() error { return e.Cause }

// Dispatcher executes requests on behalf of tasks. One implementation is
// selected at kernel start.
//
// Lock order: a Dispatcher may call into the Kernel while holding its own
// lock; the Kernel never calls the Dispatcher while holding the critical
// section. A Dispatcher must not block a task through Context while holding
// its own lock.
type Dispatcher interface {
	// Mode names the strategy.
	Mode() string
	// Start creates any workers that exist for the kernel's lifetime.
	Start(k *Kernel) error
	// Dispatch runs req for the task behind ctx and blocks it until the
	// result is ready or timeout ticks pass (0 waits forever). A task has at
	// most one request it is waiting on. A request that times out while
	// running is abandoned and frees the caller at once, so it may still be
	// running alongside the caller's next request.
	Dispatch(ctx *Context, req Request, timeout types.Ticks) (Response, error)
	// MinCallerStack is the smallest user-task stack the strategy supports.
	MinCallerStack() int
	// OnTick runs once per tick, outside the critical section.
	OnTick(now types.Ticks)
	// OnTerminate releases whatever the dispatcher holds for h. It is called
	// exactly once per terminated task.
	OnTerminate(h types.Handle)
	// Stop releases dispatcher state after the kernel halted.
	Stop()
}
