// ============================================================================
// rtkernel TCB Store
// ============================================================================
//
// Package: internal/tcb
// File: store.go
// Purpose: Fixed-capacity arena of task control blocks
//
// Design:
//   - slots are allocated once at boot; Alloc never grows the table
//   - each slot carries a generation; a Handle names (index, generation)
//   - Release bumps the generation, so stale handles are detected instead of
//     silently aliasing a new task
//   - stacks come from an Arena with a byte budget; exhaustion of either the
//     slot table or the budget is ErrResourceExhausted for the creator only
//
// Concurrency:
//   The store is not locked. Every call happens inside the kernel critical
//   section.
//
// ============================================================================

package tcb

import (
	"fmt"

	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/pkg/types"
)

// Spec describes a task to create.
type Spec struct {
	Name       string
	Kind       types.TaskKind
	Priority   types.Priority
	StackBytes int
}

// Task is one task control block.
type Task struct {
	Handle   types.Handle
	Name     string
	Kind     types.TaskKind
	Base     types.Priority // priority requested at creation
	Priority types.Priority // effective priority (raised while a worker inherits)
	State    types.TaskState

	// scheduler bookkeeping
	Slice    int         // ticks left in the current time slice
	WakeAt   types.Ticks // timer expiry, 0 when no timer is armed
	TimerSeq uint64      // tie-breaker for timers armed on the same tick
	TimedOut bool        // last block ended by its timer
	Notified bool        // a wake arrived while the task was not blocked
	Seq      uint64      // ready-queue arrival sequence

	ExitErr error // why the task terminated, nil for a normal return

	stack      []byte
	depth      int
	overflowed bool
}

type slot struct {
	task Task
	gen  uint32
	used bool
}

// Store is the TCB arena.
type Store struct {
	slots []slot
	free  []uint16
	arena *Arena
	live  int
}

// NewStore creates a store with capacity slots and stackBudget stack bytes.
func NewStore(capacity, stackBudget int) *Store {
	if capacity > 1<<16 {
		capacity = 1 << 16
	}
	s := &Store{
		slots: make([]slot, capacity),
		free:  make([]uint16, 0, capacity),
		arena: NewArena(stackBudget),
	}
	// lowest index first
	for i := capacity - 1; i >= 0; i-- {
		s.free = append(s.free, uint16(i))
	}
	return s
}

// Alloc claims a slot and a stack for spec.
func (s *Store) Alloc(spec Spec) (*Task, error) {
	if len(s.free) == 0 {
		return nil, fmt.Errorf("tcb slot for %q (%d/%d in use): %w",
			spec.Name, s.live, len(s.slots), kerr.ErrResourceExhausted)
	}
	stack, err := s.arena.Alloc(spec.StackBytes)
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", spec.Name, err)
	}

	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]

	sl := &s.slots[idx]
	sl.gen++
	if sl.gen == 0 {
		sl.gen = 1
	}
	sl.used = true
	sl.task = Task{
		Handle:   types.Handle{Index: idx, Gen: sl.gen},
		Name:     types.TruncateName(spec.Name),
		Kind:     spec.Kind,
		Base:     spec.Priority,
		Priority: spec.Priority,
		State:    types.StateNew,
		stack:    stack,
	}
	s.live++
	return &sl.task, nil
}

// Get returns the task named by h or ErrStaleHandle.
func (s *Store) Get(h types.Handle) (*Task, error) {
	if !h.Valid() || int(h.Index) >= len(s.slots) {
		return nil, fmt.Errorf("handle %s: %w", h, kerr.ErrStaleHandle)
	}
	sl := &s.slots[h.Index]
	if !sl.used || sl.gen != h.Gen {
		return nil, fmt.Errorf("handle %s: %w", h, kerr.ErrStaleHandle)
	}
	return &sl.task, nil
}

// MustGet is Get for handles the caller already validated under the same
// critical section. It returns nil for stale handles.
func (s *Store) MustGet(h types.Handle) *Task {
	t, err := s.Get(h)
	if err != nil {
		return nil
	}
	return t
}

// Release frees the stack and the slot. The generation moves on at the next
// Alloc of this slot; until then Get reports the handle stale.
func (s *Store) Release(h types.Handle) error {
	t, err := s.Get(h)
	if err != nil {
		return err
	}
	s.arena.Free(t.stack)
	t.stack = nil
	sl := &s.slots[h.Index]
	sl.used = false
	s.free = append(s.free, h.Index)
	s.live--
	return nil
}

// Each calls fn for every live task in slot order.
func (s *Store) Each(fn func(*Task)) {
	for i := range s.slots {
		if s.slots[i].used {
			fn(&s.slots[i].task)
		}
	}
}

// Len returns the number of live tasks.
func (s *Store) Len() int { return s.live }

// Cap returns the slot capacity.
func (s *Store) Cap() int { return len(s.slots) }

// StackUsed returns stack bytes currently handed out.
func (s *Store) StackUsed() int { return s.arena.Used() }

// StackBudget returns the stack arena size.
func (s *Store) StackBudget() int { return s.arena.Budget() }
