package sched

import (
	"github.com/ChuLiYu/rtkernel/internal/tcb"
	"github.com/ChuLiYu/rtkernel/pkg/types"
)

// timerKey orders timers by expiry, then by arming order.
type timerKey struct {
	at  types.Ticks
	seq uint64
}

// compareTimers implements the Comparator for the red-black tree.
func compareTimers(a, b any) int {
	ka, kb := a.(timerKey), b.(timerKey)
	switch {
	case ka.at < kb.at:
		return -1
	case ka.at > kb.at:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

func (s *Scheduler) armTimer(t *tcb.Task, at types.Ticks) {
	s.cancelTimer(t)
	s.seq++
	t.WakeAt = at
	t.TimerSeq = s.seq
	s.timers.Put(timerKey{at: at, seq: t.TimerSeq}, t.Handle)
}

func (s *Scheduler) cancelTimer(t *tcb.Task) {
	if t.WakeAt == 0 {
		return
	}
	s.timers.Remove(timerKey{at: t.WakeAt, seq: t.TimerSeq})
	t.WakeAt = 0
	t.TimerSeq = 0
}

// expireTimers readies every task whose timer is due, in expiry order.
func (s *Scheduler) expireTimers() {
	for {
		node := s.timers.Left()
		if node == nil {
			return
		}
		key := node.Key.(timerKey)
		if key.at > s.now {
			return
		}
		s.timers.Remove(key)

		t := s.store.MustGet(node.Value.(types.Handle))
		if t == nil {
			continue
		}
		t.WakeAt = 0
		t.TimerSeq = 0
		switch t.State {
		case types.StateSleeping:
			s.makeReady(t, false)
		case types.StateBlocked:
			t.TimedOut = true
			s.makeReady(t, false)
		}
	}
}

// PendingTimers returns the number of armed timers.
func (s *Scheduler) PendingTimers() int { return s.timers.Size() }
