package kernel

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/internal/tcb"
	"github.com/ChuLiYu/rtkernel/pkg/types"
)

// errKilled is the exit reason of a task terminated from outside.
var errKilled = kerr.ErrTerminated

func isKilled(err error) bool { return errors.Is(err, kerr.ErrTerminated) }

func isOverflow(err error) bool {
	var so *kerr.StackOverflowError
	return errors.As(err, &so)
}

func isFault(err error) bool {
	var fe *kerr.FaultError
	return errors.As(err, &fe)
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	Name       string
	Priority   types.Priority
	StackBytes int
	Entry      func(ctx *Context) error
}

// Spawn creates a user task. It fails with kerr.ErrResourceExhausted when no
// TCB slot or stack budget remains and with kerr.ErrStackTooSmall when the
// stack is below what the active dispatch mode requires. Other tasks are
// unaffected by a failed spawn.
func (k *Kernel) Spawn(spec TaskSpec) (types.Handle, error) {
	return k.spawn(spec, types.KindUser)
}

// SpawnWorker creates a kernel worker task. Workers are exempt from the
// dispatch-mode minimum caller stack.
func (k *Kernel) SpawnWorker(spec TaskSpec) (types.Handle, error) {
	return k.spawn(spec, types.KindWorker)
}

func (k *Kernel) spawn(spec TaskSpec, kind types.TaskKind) (types.Handle, error) {
	if spec.Entry == nil {
		return types.NoHandle, fmt.Errorf("task %q has no entry function: %w", spec.Name, kerr.ErrInvalidArgument)
	}
	if !k.cfg.PriorityInRange(spec.Priority) {
		return types.NoHandle, fmt.Errorf("task %q priority %d outside [%d, %d]: %w",
			spec.Name, spec.Priority, k.cfg.MinPriority(), k.cfg.MaxPriority(), kerr.ErrInvalidArgument)
	}
	if spec.StackBytes < k.cfg.Kernel.MinStackBytes {
		return types.NoHandle, fmt.Errorf("task %q stack %d below minimum %d: %w",
			spec.Name, spec.StackBytes, k.cfg.Kernel.MinStackBytes, kerr.ErrStackTooSmall)
	}
	if kind == types.KindUser && k.disp != nil {
		if min := k.disp.MinCallerStack(); spec.StackBytes < min {
			return types.NoHandle, fmt.Errorf("task %q stack %d below %s dispatch minimum %d: %w",
				spec.Name, spec.StackBytes, k.disp.Mode(), min, kerr.ErrStackTooSmall)
		}
	}

	k.mu.Lock()
	if k.halted {
		k.mu.Unlock()
		return types.NoHandle, fmt.Errorf("spawn %q: %w", spec.Name, kerr.ErrHalted)
	}
	t, err := k.store.Alloc(tcb.Spec{
		Name:       spec.Name,
		Kind:       kind,
		Priority:   spec.Priority,
		StackBytes: spec.StackBytes,
	})
	if err != nil {
		k.mu.Unlock()
		return types.NoHandle, err
	}
	h := t.Handle
	_ = k.mon.Attach(h)
	k.startLocked(newThread(t, spec.Entry))
	d, err := k.sched.Admit(h)
	if err != nil {
		k.mu.Unlock()
		return types.NoHandle, err
	}
	k.obs.TaskSpawned(kind)
	k.mu.Unlock()

	k.log.Debug("task spawned", "task", t.Name, "handle", h.String(), "kind", kind.String(),
		"priority", int(spec.Priority), "stack", spec.StackBytes)
	if d.Switch {
		k.kick()
	}
	return h, nil
}

// Terminate ends task h wherever it is. It is idempotent: terminating a task
// that already terminated, or is already gone, does nothing. The dispatcher
// is told exactly once, so a request channel slot held by h is released once.
func (k *Kernel) Terminate(h types.Handle) error {
	k.mu.Lock()
	t, err := k.store.Get(h)
	if err != nil {
		k.mu.Unlock()
		if h.Valid() && errors.Is(err, kerr.ErrStaleHandle) {
			return nil
		}
		return err
	}
	if t.Kind == types.KindIdle {
		k.mu.Unlock()
		return fmt.Errorf("terminate idle task: %w", kerr.ErrInvalidArgument)
	}
	if t.State == types.StateTerminated {
		k.mu.Unlock()
		return nil
	}
	d, err := k.sched.Terminate(h)
	if err != nil {
		k.mu.Unlock()
		return err
	}
	if d.Fault != nil {
		k.fatalLocked("scheduler invariant violated", h, d.Fault)
	}
	t.ExitErr = errKilled
	if th := k.threadLocked(h); th != nil {
		th.kill()
	}
	k.mu.Unlock()

	if k.disp != nil {
		k.disp.OnTerminate(h)
	}
	k.kick()
	return nil
}

// Notify wakes h if it is parked, or latches the wake so its next Park
// returns at once.
func (k *Kernel) Notify(h types.Handle) error {
	k.mu.Lock()
	woke, err := k.notifyLocked(h)
	k.mu.Unlock()
	if woke {
		k.kick()
	}
	return err
}

func (k *Kernel) notifyLocked(h types.Handle) (bool, error) {
	t, err := k.store.Get(h)
	if err != nil {
		return false, err
	}
	if t.State == types.StateTerminated {
		return false, nil
	}
	d, woke, err := k.sched.Wake(h)
	if err != nil {
		return false, err
	}
	if d.Fault != nil {
		k.fatalLocked("scheduler invariant violated", h, d.Fault)
		return false, d.Fault
	}
	if !woke {
		t.Notified = true
	}
	return woke, nil
}

// SetPriority changes the effective priority of h. The base priority is
// kept for RestorePriority.
func (k *Kernel) SetPriority(h types.Handle, p types.Priority) error {
	k.mu.Lock()
	d, err := k.sched.SetPriority(h, p)
	if err == nil && d.Fault != nil {
		k.fatalLocked("scheduler invariant violated", h, d.Fault)
	}
	k.mu.Unlock()
	if err == nil && d.Switch {
		k.kick()
	}
	return err
}

// RestorePriority puts h back at its base priority.
func (k *Kernel) RestorePriority(h types.Handle) error {
	k.mu.Lock()
	t, err := k.store.Get(h)
	if err != nil {
		k.mu.Unlock()
		return err
	}
	base := t.Base
	k.mu.Unlock()
	return k.SetPriority(h, base)
}

// Priority returns the effective priority of h.
func (k *Kernel) Priority(h types.Handle) (types.Priority, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.store.Get(h)
	if err != nil {
		return 0, err
	}
	return t.Priority, nil
}

// State returns the scheduler state of h.
func (k *Kernel) State(h types.Handle) (types.TaskState, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sched.State(h)
}
