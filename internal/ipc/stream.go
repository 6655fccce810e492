package ipc

import (
	"fmt"
	"io"
	"sync"

	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/pkg/types"
	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// Parker blocks the calling task.
type Parker interface {
	Handle() types.Handle
	Now() types.Ticks
	// Park blocks until notified or until timeout ticks pass (0 waits
	// forever). A notification that arrived before Park returns at once.
	Park(timeout types.Ticks) error
}

// Notifier wakes a parked task.
type Notifier interface {
	Unpark(h types.Handle) error
}

// Task is the caller side of a blocking buffer operation.
type Task interface {
	Parker
	Notifier
}

// waitList is a FIFO of parked tasks.
type waitList struct {
	l *doublylinkedlist.List
}

func newWaitList() waitList { return waitList{l: doublylinkedlist.New()} }

func (w waitList) add(h types.Handle) {
	if !w.l.Contains(h) {
		w.l.Append(h)
	}
}

func (w waitList) remove(h types.Handle) {
	if i := w.l.IndexOf(h); i >= 0 {
		w.l.Remove(i)
	}
}

func (w waitList) peek() (types.Handle, bool) {
	v, ok := w.l.Get(0)
	if !ok {
		return types.NoHandle, false
	}
	return v.(types.Handle), true
}

func (w waitList) pop() (types.Handle, bool) {
	h, ok := w.peek()
	if ok {
		w.l.Remove(0)
	}
	return h, ok
}

func (w waitList) drain() []types.Handle {
	out := make([]types.Handle, 0, w.l.Size())
	for _, v := range w.l.Values() {
		out = append(out, v.(types.Handle))
	}
	w.l.Clear()
	return out
}

func (w waitList) len() int { return w.l.Size() }

// StreamBuffer is a byte stream between tasks. A blocked reader is released
// once at least Trigger bytes are buffered.
type StreamBuffer struct {
	mu      sync.Mutex
	ring    *Ring[byte]
	trigger int

	eof    bool // no more data will be written
	broken bool // nobody will read

	readers waitList
	writers waitList
	need    map[types.Handle]int // bytes each parked reader waits for
}

// NewStreamBuffer creates a buffer of capacity bytes with the given trigger
// level, clamped to [1, capacity].
func NewStreamBuffer(capacity, trigger int) *StreamBuffer {
	r := NewRing[byte](capacity)
	if trigger < 1 {
		trigger = 1
	}
	if trigger > r.Cap() {
		trigger = r.Cap()
	}
	return &StreamBuffer{
		ring:    r,
		trigger: trigger,
		readers: newWaitList(),
		writers: newWaitList(),
		need:    make(map[types.Handle]int),
	}
}

// Read blocks until Trigger bytes (or len(p), if smaller) are buffered and
// then reads what is available. On timeout it returns whatever is buffered,
// or kerr.ErrTimeout when nothing is. Once the buffer is closed and drained
// it returns io.EOF.
func (s *StreamBuffer) Read(t Task, p []byte, timeout types.Ticks) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	deadline := deadlineOf(t, timeout)
	for {
		s.mu.Lock()
		need := s.trigger
		if len(p) < need {
			need = len(p)
		}
		if s.ring.Len() >= need || (s.eof && s.ring.Len() > 0) {
			n := s.ring.Read(p)
			wake := s.signalLocked()
			s.mu.Unlock()
			notifyAll(t, wake)
			return n, nil
		}
		if s.eof {
			s.mu.Unlock()
			return 0, io.EOF
		}
		s.readers.add(t.Handle())
		s.need[t.Handle()] = need
		s.mu.Unlock()

		wait, ok := remaining(t, deadline)
		var err error
		if ok {
			err = t.Park(wait)
		} else {
			err = kerr.ErrTimeout
		}
		if err == nil {
			continue
		}

		s.mu.Lock()
		s.readers.remove(t.Handle())
		delete(s.need, t.Handle())
		n := s.ring.Read(p)
		wake := s.signalLocked()
		s.mu.Unlock()
		notifyAll(t, wake)
		if n > 0 {
			return n, nil
		}
		return 0, err
	}
}

// Write blocks until all of p is buffered. On timeout it returns the count
// written so far with kerr.ErrTimeout. Writing to a buffer nobody reads
// fails with kerr.ErrClosedPipe.
func (s *StreamBuffer) Write(t Task, p []byte, timeout types.Ticks) (int, error) {
	deadline := deadlineOf(t, timeout)
	written := 0
	for {
		s.mu.Lock()
		if s.broken || s.eof {
			s.mu.Unlock()
			return written, kerr.ErrClosedPipe
		}
		written += s.ring.Write(p[written:])
		wake := s.signalLocked()
		if written == len(p) {
			s.mu.Unlock()
			notifyAll(t, wake)
			return written, nil
		}
		s.writers.add(t.Handle())
		s.mu.Unlock()
		notifyAll(t, wake)

		wait, ok := remaining(t, deadline)
		var err error
		if ok {
			err = t.Park(wait)
		} else {
			err = kerr.ErrTimeout
		}
		if err != nil {
			s.mu.Lock()
			s.writers.remove(t.Handle())
			s.mu.Unlock()
			return written, err
		}
	}
}

// TryRead reads whatever is buffered without blocking.
func (s *StreamBuffer) TryRead(p []byte) (int, []types.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring.Len() == 0 && s.eof {
		return 0, nil, io.EOF
	}
	n := s.ring.Read(p)
	return n, s.signalLocked(), nil
}

// TryWrite buffers as much of p as fits without blocking. The returned
// handles are waiters the caller must notify.
func (s *StreamBuffer) TryWrite(p []byte) (int, []types.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken || s.eof {
		return 0, nil, kerr.ErrClosedPipe
	}
	n := s.ring.Write(p)
	return n, s.signalLocked(), nil
}

// Close marks the buffer finished in both directions and returns every
// waiter for the caller to notify.
func (s *StreamBuffer) Close() []types.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eof, s.broken = true, true
	clear(s.need)
	return append(s.readers.drain(), s.writers.drain()...)
}

// Reset drops buffered bytes. It fails while tasks are waiting.
func (s *StreamBuffer) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readers.len() > 0 || s.writers.len() > 0 {
		return fmt.Errorf("reset with %d readers and %d writers waiting: %w",
			s.readers.len(), s.writers.len(), kerr.ErrInvalidArgument)
	}
	s.ring.Reset()
	return nil
}

// Len returns the buffered byte count.
func (s *StreamBuffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Len()
}

// Cap returns the capacity in bytes.
func (s *StreamBuffer) Cap() int { return s.ring.Cap() }

// Trigger returns the trigger level.
func (s *StreamBuffer) Trigger() int { return s.trigger }

// signalLocked pops the next reader if its request can be served and the
// next writer if there is room.
func (s *StreamBuffer) signalLocked() []types.Handle {
	var wake []types.Handle
	if h, ok := s.readers.peek(); ok {
		need, set := s.need[h]
		if !set {
			need = s.trigger
		}
		if s.ring.Len() >= need || s.eof {
			s.readers.pop()
			delete(s.need, h)
			wake = append(wake, h)
		}
	}
	if s.ring.Free() > 0 || s.broken {
		if h, ok := s.writers.pop(); ok {
			wake = append(wake, h)
		}
	}
	return wake
}

func notifyAll(n Notifier, hs []types.Handle) {
	for _, h := range hs {
		// a waiter that terminated meanwhile is stale; nothing to wake
		_ = n.Unpark(h)
	}
}

// deadlineOf returns the absolute tick a wait must end by, 0 for none.
func deadlineOf(p Parker, timeout types.Ticks) types.Ticks {
	if timeout == 0 {
		return 0
	}
	return p.Now() + timeout
}

// remaining returns the ticks left before deadline and false once it passed.
func remaining(p Parker, deadline types.Ticks) (types.Ticks, bool) {
	if deadline == 0 {
		return 0, true
	}
	now := p.Now()
	if now >= deadline {
		return 0, false
	}
	return deadline - now, true
}
