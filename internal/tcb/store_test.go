package tcb

import (
	"errors"
	"testing"

	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Arena Tests
// ============================================================================

func TestAllocAssignsHandles(t *testing.T) {
	s := NewStore(4, 4096)

	a, err := s.Alloc(Spec{Name: "a", Priority: 1, StackBytes: 512})
	require.NoError(t, err)
	b, err := s.Alloc(Spec{Name: "b", Priority: -1, StackBytes: 512})
	require.NoError(t, err)

	assert.Equal(t, uint16(0), a.Handle.Index)
	assert.Equal(t, uint16(1), b.Handle.Index)
	assert.True(t, a.Handle.Valid())
	assert.Equal(t, types.StateNew, a.State)
	assert.Equal(t, types.Priority(1), a.Priority)
	assert.Equal(t, types.Priority(1), a.Base)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 1024, s.StackUsed())
}

func TestAllocSlotExhaustion(t *testing.T) {
	s := NewStore(2, 4096)
	_, err := s.Alloc(Spec{Name: "a", StackBytes: 64})
	require.NoError(t, err)
	_, err = s.Alloc(Spec{Name: "b", StackBytes: 64})
	require.NoError(t, err)

	_, err = s.Alloc(Spec{Name: "c", StackBytes: 64})
	assert.True(t, errors.Is(err, kerr.ErrResourceExhausted))
	assert.Equal(t, 2, s.Len(), "failed alloc must not disturb live tasks")
}

func TestAllocStackBudgetExhaustion(t *testing.T) {
	s := NewStore(8, 1000)
	_, err := s.Alloc(Spec{Name: "big", StackBytes: 800})
	require.NoError(t, err)

	_, err = s.Alloc(Spec{Name: "more", StackBytes: 300})
	assert.True(t, errors.Is(err, kerr.ErrResourceExhausted))
	assert.Equal(t, 1, s.Len(), "slot must not leak when the stack is refused")
	assert.Equal(t, 800, s.StackUsed())
}

func TestAllocRejectsZeroStack(t *testing.T) {
	s := NewStore(2, 1000)
	_, err := s.Alloc(Spec{Name: "zero"})
	assert.True(t, errors.Is(err, kerr.ErrInvalidArgument))
}

func TestNameTruncated(t *testing.T) {
	s := NewStore(1, 1000)
	task, err := s.Alloc(Spec{Name: "a-very-long-task-name-indeed", StackBytes: 10})
	require.NoError(t, err)
	assert.Len(t, task.Name, types.MaxNameLen)
}

// ============================================================================
// Generation Tests
// ============================================================================

func TestStaleHandleAfterRelease(t *testing.T) {
	s := NewStore(1, 1000)
	task, err := s.Alloc(Spec{Name: "a", StackBytes: 100})
	require.NoError(t, err)
	old := task.Handle

	require.NoError(t, s.Release(old))
	_, err = s.Get(old)
	assert.True(t, errors.Is(err, kerr.ErrStaleHandle))
	assert.Equal(t, 0, s.StackUsed())

	reused, err := s.Alloc(Spec{Name: "b", StackBytes: 100})
	require.NoError(t, err)
	assert.Equal(t, old.Index, reused.Handle.Index, "slot is reused")
	assert.NotEqual(t, old.Gen, reused.Handle.Gen, "generation moves on")

	_, err = s.Get(old)
	assert.True(t, errors.Is(err, kerr.ErrStaleHandle), "old handle must not alias the new task")
	assert.Nil(t, s.MustGet(old))

	got, err := s.Get(reused.Handle)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Name)
}

func TestReleaseTwice(t *testing.T) {
	s := NewStore(1, 1000)
	task, err := s.Alloc(Spec{Name: "a", StackBytes: 100})
	require.NoError(t, err)
	require.NoError(t, s.Release(task.Handle))
	assert.Error(t, s.Release(task.Handle))
	assert.Equal(t, 0, s.Len())
}

func TestGetInvalidHandles(t *testing.T) {
	s := NewStore(2, 1000)
	_, err := s.Get(types.NoHandle)
	assert.True(t, errors.Is(err, kerr.ErrStaleHandle))
	_, err = s.Get(types.Handle{Index: 9, Gen: 1})
	assert.True(t, errors.Is(err, kerr.ErrStaleHandle))
}

func TestEachVisitsLiveTasks(t *testing.T) {
	s := NewStore(3, 1000)
	a, _ := s.Alloc(Spec{Name: "a", StackBytes: 10})
	_, _ = s.Alloc(Spec{Name: "b", StackBytes: 10})
	_, _ = s.Alloc(Spec{Name: "c", StackBytes: 10})
	require.NoError(t, s.Release(a.Handle))

	var names []string
	s.Each(func(t *Task) { names = append(names, t.Name) })
	assert.Equal(t, []string{"b", "c"}, names)
}

// ============================================================================
// Stack Tests
// ============================================================================

func TestStackPushPop(t *testing.T) {
	s := NewStore(1, 1000)
	task, err := s.Alloc(Spec{Name: "a", StackBytes: 100})
	require.NoError(t, err)

	require.NoError(t, task.Push(40))
	require.NoError(t, task.Push(30))
	assert.Equal(t, 70, task.Depth())
	task.Pop(30)
	task.Pop(40)
	assert.Equal(t, 0, task.Depth())
	assert.Equal(t, 70, task.StackPeak(), "peak survives pops")
}

func TestStackOverflowIsHardError(t *testing.T) {
	s := NewStore(1, 1000)
	task, err := s.Alloc(Spec{Name: "tiny", StackBytes: 64})
	require.NoError(t, err)

	require.NoError(t, task.Push(60))
	err = task.Push(8)
	var so *kerr.StackOverflowError
	require.ErrorAs(t, err, &so)
	assert.Equal(t, 64, so.Size)
	assert.Equal(t, 68, so.Depth)
	assert.True(t, task.Overflowed())
	assert.Equal(t, 60, task.Depth(), "failed push does not move the stack pointer")
}

func TestResetStackRepaints(t *testing.T) {
	s := NewStore(1, 1000)
	task, err := s.Alloc(Spec{Name: "w", StackBytes: 64})
	require.NoError(t, err)

	require.NoError(t, task.Push(50))
	_ = task.Push(50)
	task.ResetStack()

	assert.Equal(t, 0, task.Depth())
	assert.Equal(t, 0, task.StackPeak())
	assert.False(t, task.Overflowed())
}
