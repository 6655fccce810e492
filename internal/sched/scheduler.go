// ============================================================================
// rtkernel Scheduler
// ============================================================================
//
// Package: internal/sched
// File: scheduler.go
// Purpose: Choose which task runs next and mediate every state transition
//
// Algorithm:
//   Strict priority across levels, round-robin within a level.
//   - one FIFO bucket per priority level, holding exactly the Ready tasks of
//     that level in arrival order
//   - the Running task is not in any bucket
//   - Tick: charge the slice; on expiry the task goes to the tail of its
//     bucket if an equal-priority task is Ready
//   - a transition that makes a strictly higher-priority task Ready preempts
//     immediately; the preempted task goes back to the head of its bucket and
//     keeps the rest of its slice
//   - no Ready task: the idle task runs
//
// Decisions:
//   Every entry point returns a Decision (continue, or switch to task X). The
//   scheduler never switches contexts itself; the port that owns execution
//   contexts acts on the decision.
//
// Concurrency:
//   Not locked. Callers hold the kernel critical section.
//
// ============================================================================

package sched

import (
	"fmt"

	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/internal/tcb"
	"github.com/ChuLiYu/rtkernel/pkg/types"
	"github.com/emirpasic/gods/lists/doublylinkedlist"
	"github.com/emirpasic/gods/trees/redblacktree"
)

// Decision tells the port what to do after a scheduler call.
type Decision struct {
	Switch bool         // Next differs from the task that was running
	Next   types.Handle // task that now owns the CPU
	Fault  error        // scheduler invariant violated; the kernel must halt
}

// Config sizes the scheduler.
type Config struct {
	MinPriority types.Priority
	MaxPriority types.Priority
	SliceTicks  int
}

// Scheduler is the fixed-priority preemptive scheduler.
type Scheduler struct {
	store      *tcb.Store
	min, max   types.Priority
	sliceTicks int

	buckets []*doublylinkedlist.List // index = priority - min
	timers  *redblacktree.Tree       // timerKey -> types.Handle

	current types.Handle // running task, or idle
	idle    types.Handle
	now     types.Ticks
	seq     uint64
	ready   int

	switches uint64
}

// New creates a scheduler over store.
func New(store *tcb.Store, cfg Config) *Scheduler {
	if cfg.SliceTicks <= 0 {
		cfg.SliceTicks = 1
	}
	if cfg.MaxPriority < cfg.MinPriority {
		cfg.MaxPriority = cfg.MinPriority
	}
	levels := int(cfg.MaxPriority-cfg.MinPriority) + 1
	s := &Scheduler{
		store:      store,
		min:        cfg.MinPriority,
		max:        cfg.MaxPriority,
		sliceTicks: cfg.SliceTicks,
		buckets:    make([]*doublylinkedlist.List, levels),
		timers:     redblacktree.NewWith(compareTimers),
	}
	for i := range s.buckets {
		s.buckets[i] = doublylinkedlist.New()
	}
	return s
}

// SetIdle installs the idle task. It runs whenever no task is Ready.
func (s *Scheduler) SetIdle(h types.Handle) error {
	t, err := s.store.Get(h)
	if err != nil {
		return err
	}
	t.State = types.StateReady
	t.Priority = types.IdlePriority
	s.idle = h
	if !s.current.Valid() {
		s.current = h
		t.State = types.StateRunning
	}
	return nil
}

// Admit moves a New task to Ready.
func (s *Scheduler) Admit(h types.Handle) (Decision, error) {
	t, err := s.store.Get(h)
	if err != nil {
		return Decision{}, err
	}
	if t.State != types.StateNew {
		return Decision{}, fmt.Errorf("admit %s in state %s: %w", h, t.State, kerr.ErrInvalidArgument)
	}
	if !s.inRange(t.Priority) {
		return Decision{}, fmt.Errorf("priority %d outside [%d, %d]: %w", t.Priority, s.min, s.max, kerr.ErrInvalidArgument)
	}
	s.makeReady(t, false)
	return s.reschedule(false), nil
}

// Tick advances time by one tick period.
func (s *Scheduler) Tick() Decision {
	s.now++

	expired := false
	if cur := s.running(); cur != nil {
		cur.Slice--
		expired = cur.Slice <= 0
	}
	s.expireTimers()
	return s.reschedule(expired)
}

// Yield gives up the rest of the slice to an equal-or-higher Ready task.
func (s *Scheduler) Yield() Decision {
	cur := s.running()
	if cur == nil {
		return s.reschedule(false)
	}
	prev := s.current
	cur.Slice = 0
	s.makeReady(cur, false)
	s.current = types.NoHandle
	return s.pick(prev, false)
}

// Block moves the running task to Blocked. A non-zero timeout arms a timer;
// on expiry the task becomes Ready with TimedOut set.
func (s *Scheduler) Block(timeout types.Ticks) (Decision, error) {
	cur := s.running()
	if cur == nil {
		return Decision{}, fmt.Errorf("block without a running task: %w", kerr.ErrInvalidArgument)
	}
	prev := s.current
	cur.State = types.StateBlocked
	cur.TimedOut = false
	if timeout > 0 {
		s.armTimer(cur, s.now+timeout)
	}
	s.current = types.NoHandle
	return s.pick(prev, false), nil
}

// Sleep moves the running task to Sleeping for ticks tick periods. Zero
// ticks is a Yield.
func (s *Scheduler) Sleep(ticks types.Ticks) (Decision, error) {
	if ticks == 0 {
		return s.Yield(), nil
	}
	cur := s.running()
	if cur == nil {
		return Decision{}, fmt.Errorf("sleep without a running task: %w", kerr.ErrInvalidArgument)
	}
	prev := s.current
	cur.State = types.StateSleeping
	s.armTimer(cur, s.now+ticks)
	s.current = types.NoHandle
	return s.pick(prev, false), nil
}

// Wake moves a Blocked task to Ready. It reports false when the task was
// not Blocked, so the caller can latch the wake instead.
func (s *Scheduler) Wake(h types.Handle) (Decision, bool, error) {
	t, err := s.store.Get(h)
	if err != nil {
		return Decision{}, false, err
	}
	if t.State != types.StateBlocked {
		return Decision{Next: s.current}, false, nil
	}
	s.cancelTimer(t)
	t.TimedOut = false
	s.makeReady(t, false)
	return s.reschedule(false), true, nil
}

// Exit terminates the running task.
func (s *Scheduler) Exit() Decision {
	cur := s.running()
	if cur == nil {
		return s.reschedule(false)
	}
	prev := s.current
	cur.State = types.StateTerminated
	s.current = types.NoHandle
	return s.pick(prev, false)
}

// Terminate moves any task to Terminated, removing it from buckets and
// timers. Terminating a terminated task is a no-op.
func (s *Scheduler) Terminate(h types.Handle) (Decision, error) {
	t, err := s.store.Get(h)
	if err != nil {
		return Decision{}, err
	}
	if h == s.idle {
		return Decision{}, fmt.Errorf("terminate idle task: %w", kerr.ErrInvalidArgument)
	}
	switch t.State {
	case types.StateTerminated:
		return Decision{Next: s.current}, nil
	case types.StateRunning:
		if h == s.current {
			return s.Exit(), nil
		}
	case types.StateReady:
		s.removeReady(t)
	case types.StateBlocked, types.StateSleeping:
		s.cancelTimer(t)
	}
	t.State = types.StateTerminated
	return s.reschedule(false), nil
}

// SetPriority changes a task's effective priority and re-evaluates
// preemption. A Ready task moves to the tail of its new bucket.
func (s *Scheduler) SetPriority(h types.Handle, p types.Priority) (Decision, error) {
	if !s.inRange(p) {
		return Decision{}, fmt.Errorf("priority %d outside [%d, %d]: %w", p, s.min, s.max, kerr.ErrInvalidArgument)
	}
	t, err := s.store.Get(h)
	if err != nil {
		return Decision{}, err
	}
	if h == s.idle {
		return Decision{}, fmt.Errorf("reprioritize idle task: %w", kerr.ErrInvalidArgument)
	}
	if t.Priority == p {
		return Decision{Next: s.current}, nil
	}
	if t.State == types.StateReady {
		s.removeReady(t)
		t.Priority = p
		s.makeReady(t, false)
	} else {
		t.Priority = p
	}
	return s.reschedule(false), nil
}

// Current returns the task that owns the CPU (the idle task when nothing is Ready).
func (s *Scheduler) Current() types.Handle { return s.current }

// Idle returns the idle task handle.
func (s *Scheduler) Idle() types.Handle { return s.idle }

// Now returns the tick count.
func (s *Scheduler) Now() types.Ticks { return s.now }

// Ticks is Now.
func (s *Scheduler) Ticks() types.Ticks { return s.now }

// State returns the state of h.
func (s *Scheduler) State(h types.Handle) (types.TaskState, error) {
	t, err := s.store.Get(h)
	if err != nil {
		return 0, err
	}
	return t.State, nil
}

// ReadyCount returns the number of Ready tasks across all buckets.
func (s *Scheduler) ReadyCount() int { return s.ready }

// Switches returns the number of context switches decided so far.
func (s *Scheduler) Switches() uint64 { return s.switches }

// Ready returns the Ready handles of priority p in bucket order.
func (s *Scheduler) Ready(p types.Priority) []types.Handle {
	if !s.inRange(p) {
		return nil
	}
	vals := s.bucket(p).Values()
	out := make([]types.Handle, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.(types.Handle))
	}
	return out
}

// ----------------------------------------------------------------------------
// internals
// ----------------------------------------------------------------------------

func (s *Scheduler) inRange(p types.Priority) bool {
	return p >= s.min && p <= s.max
}

func (s *Scheduler) bucket(p types.Priority) *doublylinkedlist.List {
	return s.buckets[int(p-s.min)]
}

// running returns the running non-idle task, or nil.
func (s *Scheduler) running() *tcb.Task {
	if !s.current.Valid() || s.current == s.idle {
		return nil
	}
	t := s.store.MustGet(s.current)
	if t == nil || t.State != types.StateRunning {
		return nil
	}
	return t
}

func (s *Scheduler) makeReady(t *tcb.Task, front bool) {
	t.State = types.StateReady
	s.seq++
	t.Seq = s.seq
	if front {
		s.bucket(t.Priority).Prepend(t.Handle)
	} else {
		s.bucket(t.Priority).Append(t.Handle)
	}
	s.ready++
}

func (s *Scheduler) removeReady(t *tcb.Task) {
	b := s.bucket(t.Priority)
	if i := b.IndexOf(t.Handle); i >= 0 {
		b.Remove(i)
		s.ready--
	}
}

// highest returns the most urgent non-empty level.
func (s *Scheduler) highest() (types.Priority, bool) {
	for i := len(s.buckets) - 1; i >= 0; i-- {
		if !s.buckets[i].Empty() {
			return s.min + types.Priority(i), true
		}
	}
	return 0, false
}

// popReady dequeues the head of level p and marks it Running.
func (s *Scheduler) popReady(p types.Priority) (types.Handle, error) {
	b := s.bucket(p)
	v, ok := b.Get(0)
	if !ok {
		return types.NoHandle, fmt.Errorf("empty bucket %d", p)
	}
	b.Remove(0)
	s.ready--

	h := v.(types.Handle)
	t, err := s.store.Get(h)
	if err != nil {
		return types.NoHandle, fmt.Errorf("bucket %d holds %w", p, err)
	}
	if t.State != types.StateReady || t.Priority != p {
		return types.NoHandle, fmt.Errorf("bucket %d holds %s task %q at priority %d", p, t.State, t.Name, t.Priority)
	}
	t.State = types.StateRunning
	if t.Slice <= 0 {
		t.Slice = s.sliceTicks
	}
	return h, nil
}

// reschedule picks the owner of the CPU after a transition that left the
// running task in place.
func (s *Scheduler) reschedule(expired bool) Decision {
	return s.pick(s.current, expired)
}

// pick chooses the owner of the CPU; prev is the task that ran before the
// transition.
func (s *Scheduler) pick(prev types.Handle, expired bool) Decision {
	cur := s.running()
	best, ok := s.highest()

	switch {
	case cur != nil && ok && best > cur.Priority:
		// preempted: resume first among equals only with slice left
		if expired {
			cur.Slice = 0
		}
		s.makeReady(cur, cur.Slice > 0)
		s.current = types.NoHandle
	case cur != nil && ok && expired && best == cur.Priority:
		cur.Slice = 0
		s.makeReady(cur, false)
		s.current = types.NoHandle
	case cur != nil:
		if expired {
			cur.Slice = s.sliceTicks
		}
		return Decision{Next: s.current}
	}

	if ok {
		h, err := s.popReady(best)
		if err != nil {
			return Decision{Next: prev, Fault: err}
		}
		s.current = h
	} else {
		s.current = s.idle
	}
	if idle := s.store.MustGet(s.idle); idle != nil {
		if s.current == s.idle {
			idle.State = types.StateRunning
		} else {
			idle.State = types.StateReady
		}
	}

	d := Decision{Switch: prev != s.current, Next: s.current}
	if d.Switch {
		s.switches++
	}
	return d
}
