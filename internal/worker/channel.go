package worker

import (
	"fmt"

	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/pkg/types"
)

// channelSlot holds the outstanding request of one caller.
type channelSlot struct {
	gen uint32
	inf *inflight
}

// requestChannel connects callers to workers. It is indexed by the caller's
// TCB slot and checks the generation, so a slot left by a terminated task
// is never mistaken for its successor's. Callers hold Pool.mu.
type requestChannel struct {
	slots []channelSlot
	open  int
}

func newRequestChannel(capacity int) *requestChannel {
	return &requestChannel{slots: make([]channelSlot, capacity)}
}

// bind records inf as caller's outstanding request. A task has at most one.
func (c *requestChannel) bind(caller types.Handle, inf *inflight) error {
	if !caller.Valid() || int(caller.Index) >= len(c.slots) {
		return fmt.Errorf("caller %s: %w", caller, kerr.ErrStaleHandle)
	}
	s := &c.slots[caller.Index]
	if s.inf != nil && s.gen == caller.Gen {
		return fmt.Errorf("caller %s: %w", caller, kerr.ErrRequestInFlight)
	}
	if s.inf == nil {
		c.open++
	}
	s.gen = caller.Gen
	s.inf = inf
	return nil
}

// release frees caller's slot if it still holds inf. It reports whether
// this call released it, so teardown paths release exactly once.
func (c *requestChannel) release(caller types.Handle, inf *inflight) bool {
	if !caller.Valid() || int(caller.Index) >= len(c.slots) {
		return false
	}
	s := &c.slots[caller.Index]
	if s.gen != caller.Gen || s.inf == nil || (inf != nil && s.inf != inf) {
		return false
	}
	s.inf = nil
	c.open--
	return true
}

// outstanding returns caller's request, if any.
func (c *requestChannel) outstanding(caller types.Handle) *inflight {
	if !caller.Valid() || int(caller.Index) >= len(c.slots) {
		return nil
	}
	s := &c.slots[caller.Index]
	if s.gen != caller.Gen {
		return nil
	}
	return s.inf
}

// inFlight returns the number of bound slots.
func (c *requestChannel) inFlight() int { return c.open }
