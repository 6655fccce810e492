// ============================================================================
// rtkernel Tick Source
// ============================================================================
//
// Package: internal/tick
// File: tick.go
// Purpose: Fixed-frequency interrupt that drives time accounting and preemption
//
// The kernel only needs "call this handler once per tick". Two sources exist:
//   - Clock:  wall-clock ticker (host port of the hardware timer)
//   - Manual: ticks fired explicitly, used for deterministic tests and replay
//
// Handlers run on the source's goroutine, the host equivalent of interrupt
// context: they must not block.
//
// ============================================================================

package tick

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source emits ticks to a handler.
type Source interface {
	// Start begins delivering ticks to handler. Calling Start twice is a no-op.
	Start(handler func())
	// Stop ends delivery. It is safe to call more than once.
	Stop()
	// Count returns the number of ticks delivered so far.
	Count() uint64
}

// Clock emits ticks at a fixed interval and counts them atomically.
type Clock struct {
	interval time.Duration
	count    atomic.Uint64

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewClock creates a clock but does not start it.
func NewClock(interval time.Duration) *Clock {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &Clock{
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins emitting ticks at the configured interval.
func (c *Clock) Start(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.count.Add(1)
				handler()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop signals the clock to stop emitting ticks and waits for the handler
// goroutine to exit.
func (c *Clock) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	select {
	case <-c.stop:
		c.mu.Unlock()
		return
	default:
	}
	close(c.stop)
	c.mu.Unlock()
	<-c.done
}

// Count returns the current tick count atomically.
func (c *Clock) Count() uint64 {
	return c.count.Load()
}

// Interval returns the tick period.
func (c *Clock) Interval() time.Duration { return c.interval }

// Manual delivers ticks only when Fire is called.
type Manual struct {
	mu      sync.Mutex
	handler func()
	stopped bool
	count   atomic.Uint64
}

// NewManual creates a manual tick source.
func NewManual() *Manual {
	return &Manual{}
}

// Start records the handler.
func (m *Manual) Start(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler == nil {
		m.handler = handler
	}
}

// Stop disables further delivery.
func (m *Manual) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

// Fire delivers n ticks synchronously on the calling goroutine and returns
// how many were delivered.
func (m *Manual) Fire(n int) int {
	delivered := 0
	for i := 0; i < n; i++ {
		m.mu.Lock()
		h := m.handler
		stopped := m.stopped
		m.mu.Unlock()
		if h == nil || stopped {
			break
		}
		m.count.Add(1)
		h()
		delivered++
	}
	return delivered
}

// Count returns the number of ticks delivered.
func (m *Manual) Count() uint64 {
	return m.count.Load()
}
