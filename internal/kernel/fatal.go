package kernel

import (
	"runtime/debug"

	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/internal/tcb"
	"github.com/ChuLiYu/rtkernel/pkg/types"
)

// Fatal halts the kernel on a condition it cannot continue from, such as a
// corrupted worker in a fixed pool. It logs everything known about the
// state, stops ticking and releases every task. Err reports the cause
// afterwards.
func (k *Kernel) Fatal(reason string, task types.Handle, cause error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.fatalLocked(reason, task, cause)
}

func (k *Kernel) fatalLocked(reason string, task types.Handle, cause error) {
	if k.halted {
		return
	}
	name := ""
	if t := k.store.MustGet(task); t != nil {
		name = t.Name
	}
	fe := &kerr.FatalError{
		Reason: reason,
		Task:   name,
		Tick:   uint64(k.sched.Now()),
		Cause:  cause,
		Stack:  debug.Stack(),
	}

	states := make(map[string]int)
	k.store.Each(func(t *tcb.Task) {
		states[t.State.String()]++
	})
	k.log.Error("kernel fatal",
		"reason", reason,
		"task", name,
		"handle", task.String(),
		"tick", fe.Tick,
		"current", k.sched.Current().String(),
		"on_cpu", k.onCPU.String(),
		"ready", k.sched.ReadyCount(),
		"tasks", k.store.Len(),
		"states", states,
		"err", cause,
		"stack", string(fe.Stack))

	k.haltLocked(fe)
}
