package worker

import (
	"testing"

	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestChannelExclusivity(t *testing.T) {
	c := newRequestChannel(4)
	caller := types.Handle{Index: 1, Gen: 1}
	first, second := &inflight{seq: 1}, &inflight{seq: 2}

	require.NoError(t, c.bind(caller, first))
	assert.ErrorIs(t, c.bind(caller, second), kerr.ErrRequestInFlight)
	assert.Same(t, first, c.outstanding(caller))
	assert.Equal(t, 1, c.inFlight())

	// only the bound request releases the slot
	assert.False(t, c.release(caller, second))
	assert.True(t, c.release(caller, first))
	assert.False(t, c.release(caller, first))
	assert.Equal(t, 0, c.inFlight())

	require.NoError(t, c.bind(caller, second))
	assert.Same(t, second, c.outstanding(caller))
}

func TestRequestChannelNewGenerationReplacesStaleSlot(t *testing.T) {
	c := newRequestChannel(4)
	old := types.Handle{Index: 2, Gen: 1}
	next := types.Handle{Index: 2, Gen: 2}
	stale, fresh := &inflight{seq: 1}, &inflight{seq: 2}

	require.NoError(t, c.bind(old, stale))
	require.NoError(t, c.bind(next, fresh))
	assert.Equal(t, 1, c.inFlight(), "the slot is reused, not double counted")
	assert.Same(t, fresh, c.outstanding(next))
	assert.Nil(t, c.outstanding(old))
	assert.False(t, c.release(old, stale))
	assert.True(t, c.release(next, fresh))
}

func TestRequestChannelRejectsInvalidCaller(t *testing.T) {
	c := newRequestChannel(2)
	assert.ErrorIs(t, c.bind(types.NoHandle, &inflight{}), kerr.ErrStaleHandle)
	assert.ErrorIs(t, c.bind(types.Handle{Index: 5, Gen: 1}, &inflight{}), kerr.ErrStaleHandle)
	assert.Equal(t, 0, c.inFlight())
}
