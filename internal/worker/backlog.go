package worker

import (
	"github.com/emirpasic/gods/queues/priorityqueue"
)

// backlog is the bounded queue of requests waiting for a worker of one
// class. Under the inherited policy the most urgent caller goes first;
// otherwise, and among equals, arrival order decides.
type backlog struct {
	q     *priorityqueue.Queue
	limit int
	live  int // queued requests not yet abandoned
}

func newBacklog(limit int, byPriority bool) *backlog {
	cmp := func(a, b any) int {
		x, y := a.(*inflight), b.(*inflight)
		if byPriority && x.callerPrio != y.callerPrio {
			if x.callerPrio > y.callerPrio {
				return -1
			}
			return 1
		}
		switch {
		case x.seq < y.seq:
			return -1
		case x.seq > y.seq:
			return 1
		default:
			return 0
		}
	}
	return &backlog{q: priorityqueue.NewWith(cmp), limit: limit}
}

// push queues inf. It reports false when the backlog is full.
func (b *backlog) push(inf *inflight) bool {
	if b.live >= b.limit {
		return false
	}
	b.q.Enqueue(inf)
	b.live++
	return true
}

// pop returns the next request whose caller still waits. Abandoned entries
// are dropped on the way.
func (b *backlog) pop() *inflight {
	for {
		v, ok := b.q.Dequeue()
		if !ok {
			return nil
		}
		inf := v.(*inflight)
		if !inf.abandoned {
			b.live--
			return inf
		}
	}
}

// abandon frees the capacity held by a queued request whose caller left.
// The entry itself is skipped by pop.
func (b *backlog) abandon(inf *inflight) {
	if inf.state == statePending && !inf.abandoned {
		inf.abandoned = true
		b.live--
	}
}

func (b *backlog) len() int { return b.live }

// drain removes every queued request whose caller still waits.
func (b *backlog) drain() []*inflight {
	var out []*inflight
	for inf := b.pop(); inf != nil; inf = b.pop() {
		out = append(out, inf)
	}
	return out
}
