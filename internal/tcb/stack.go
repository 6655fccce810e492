package tcb

import (
	"fmt"

	"github.com/ChuLiYu/rtkernel/internal/kerr"
)

// stackPaint fills unused stack bytes so the deepest use can be measured
// after the fact.
const stackPaint byte = 0xA5

// stackUsed marks bytes that have been touched by a frame.
const stackUsed byte = 0x5A

// Arena hands out stack regions against a fixed byte budget.
type Arena struct {
	budget int
	used   int
}

// NewArena creates an arena with budget bytes.
func NewArena(budget int) *Arena {
	return &Arena{budget: budget}
}

// Alloc returns a painted region of n bytes or ErrResourceExhausted.
func (a *Arena) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("stack size %d: %w", n, kerr.ErrInvalidArgument)
	}
	if a.used+n > a.budget {
		return nil, fmt.Errorf("stack of %d bytes (%d/%d in use): %w",
			n, a.used, a.budget, kerr.ErrResourceExhausted)
	}
	a.used += n
	buf := make([]byte, n)
	paint(buf)
	return buf, nil
}

// Free returns a region's bytes to the budget.
func (a *Arena) Free(buf []byte) {
	a.used -= len(buf)
	if a.used < 0 {
		a.used = 0
	}
}

// Used returns bytes currently handed out.
func (a *Arena) Used() int { return a.used }

// Budget returns the arena size.
func (a *Arena) Budget() int { return a.budget }

func paint(buf []byte) {
	for i := range buf {
		buf[i] = stackPaint
	}
}

// Push models entering a frame of n bytes. The stack grows down from the
// end of the region. Overflow is always a hard error.
func (t *Task) Push(n int) error {
	if n < 0 {
		return fmt.Errorf("frame size %d: %w", n, kerr.ErrInvalidArgument)
	}
	next := t.depth + n
	if next > len(t.stack) {
		t.overflowed = true
		return &kerr.StackOverflowError{Task: t.Name, Size: len(t.stack), Depth: next}
	}
	lo := len(t.stack) - next
	hi := len(t.stack) - t.depth
	for i := lo; i < hi; i++ {
		t.stack[i] = stackUsed
	}
	t.depth = next
	return nil
}

// Pop leaves a frame of n bytes.
func (t *Task) Pop(n int) {
	t.depth -= n
	if t.depth < 0 {
		t.depth = 0
	}
}

// Depth returns the bytes currently in use.
func (t *Task) Depth() int { return t.depth }

// StackSize returns the fixed stack size.
func (t *Task) StackSize() int { return len(t.stack) }

// StackPeak returns the deepest use seen since the last reset, measured by
// scanning the paint from the low end.
func (t *Task) StackPeak() int {
	free := 0
	for _, b := range t.stack {
		if b != stackPaint {
			break
		}
		free++
	}
	return len(t.stack) - free
}

// Overflowed reports whether a Push ever crossed the end of the stack.
func (t *Task) Overflowed() bool { return t.overflowed }

// ResetStack drops every frame and repaints the region, as when a worker
// returns to idle.
func (t *Task) ResetStack() {
	t.depth = 0
	t.overflowed = false
	paint(t.stack)
}
