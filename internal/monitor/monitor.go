// ============================================================================
// rtkernel Resource Monitor
// ============================================================================
//
// Package: internal/monitor
// File: monitor.go
// Purpose: Per-task and global memory / file / CPU counters
//
// Called from the tick handler, from tasks and from workers, so every
// operation is O(1) and lock-free: plain atomic adds, and CAS loops where a
// counter must saturate or respect a ceiling.
//
// Invariants:
//   - Snapshot never observes a negative counter. OnFree / OnResourceClose
//     saturate at zero and report *kerr.ConsistencyError (logged, counted,
//     never fatal) when a caller frees more than it holds.
//   - With a network ceiling configured, OnAlloc(MemNetwork) fails with
//     *kerr.QuotaError before the global aggregate could cross it.
//
// ============================================================================

package monitor

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ChuLiYu/rtkernel/internal/config"
	"github.com/ChuLiYu/rtkernel/internal/kerr"
	"github.com/ChuLiYu/rtkernel/pkg/types"
)

type slotCounters struct {
	gen       atomic.Uint32 // 0 = detached
	allocated atomic.Int64  // cumulative
	freed     atomic.Int64  // cumulative
	inUse     [types.NumMemCategories]atomic.Int64
	open      atomic.Int64
	cpu       atomic.Uint64
}

func (c *slotCounters) reset() {
	c.allocated.Store(0)
	c.freed.Store(0)
	for i := range c.inUse {
		c.inUse[i].Store(0)
	}
	c.open.Store(0)
	c.cpu.Store(0)
}

// Monitor holds the counters. Slots mirror the TCB store indices.
type Monitor struct {
	cfg   config.Monitor
	log   *slog.Logger
	slots []slotCounters

	mem         [types.NumMemCategories]atomic.Int64
	idleTicks   atomic.Uint64
	totalTicks  atomic.Uint64
	consistency atomic.Uint64
}

// New creates a monitor for capacity task slots.
func New(cfg config.Monitor, capacity int, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		cfg:   cfg,
		log:   log,
		slots: make([]slotCounters, capacity),
	}
}

// Attach starts accounting for h with zeroed counters.
func (m *Monitor) Attach(h types.Handle) error {
	if !h.Valid() || int(h.Index) >= len(m.slots) {
		return fmt.Errorf("monitor attach %s: %w", h, kerr.ErrStaleHandle)
	}
	c := &m.slots[h.Index]
	c.reset()
	c.gen.Store(h.Gen)
	return nil
}

// Detach stops accounting for h. Memory and handles it still holds are
// removed from the global aggregates, as the task's owned resources are
// released with it.
func (m *Monitor) Detach(h types.Handle) error {
	c, err := m.slot(h)
	if err != nil {
		return err
	}
	// generation first: a racing OnAlloc is either collected below or rolls back
	c.gen.Store(0)
	for cat := range c.inUse {
		if held := c.inUse[cat].Swap(0); held > 0 {
			subSaturating(&m.mem[cat], held)
		}
	}
	c.open.Store(0)
	return nil
}

func (m *Monitor) slot(h types.Handle) (*slotCounters, error) {
	if !h.Valid() || int(h.Index) >= len(m.slots) {
		return nil, fmt.Errorf("monitor %s: %w", h, kerr.ErrStaleHandle)
	}
	c := &m.slots[h.Index]
	if c.gen.Load() != h.Gen {
		return nil, fmt.Errorf("monitor %s: %w", h, kerr.ErrStaleHandle)
	}
	return c, nil
}

// OnAlloc charges n bytes of category cat to h.
func (m *Monitor) OnAlloc(h types.Handle, cat types.MemCategory, n int64) error {
	if !m.cfg.Memory {
		return nil
	}
	if n < 0 || int(cat) >= types.NumMemCategories {
		return fmt.Errorf("alloc %d bytes of %s: %w", n, cat, kerr.ErrInvalidArgument)
	}
	c, err := m.slot(h)
	if err != nil {
		return err
	}

	if cat == types.MemNetwork && m.cfg.NetMemCeiling > 0 {
		global := &m.mem[cat]
		for {
			cur := global.Load()
			if cur+n > m.cfg.NetMemCeiling {
				return &kerr.QuotaError{Category: cat.String(), Requested: n, InUse: cur, Ceiling: m.cfg.NetMemCeiling}
			}
			if global.CompareAndSwap(cur, cur+n) {
				break
			}
		}
	} else {
		m.mem[cat].Add(n)
	}

	c.inUse[cat].Add(n)
	c.allocated.Add(n)
	if c.gen.Load() != h.Gen {
		got, _ := subSaturating(&c.inUse[cat], n)
		subSaturating(&m.mem[cat], got)
		return fmt.Errorf("monitor %s detached during alloc: %w", h, kerr.ErrStaleHandle)
	}
	return nil
}

// OnFree releases n bytes of category cat held by h. Freeing more than is
// held saturates at zero and returns *kerr.ConsistencyError.
func (m *Monitor) OnFree(h types.Handle, cat types.MemCategory, n int64) error {
	if !m.cfg.Memory {
		return nil
	}
	if n < 0 || int(cat) >= types.NumMemCategories {
		return fmt.Errorf("free %d bytes of %s: %w", n, cat, kerr.ErrInvalidArgument)
	}
	c, err := m.slot(h)
	if err != nil {
		return err
	}

	got, under := subSaturating(&c.inUse[cat], n)
	subSaturating(&m.mem[cat], got)
	c.freed.Add(got)
	if under {
		return m.inconsistent("mem_"+cat.String(), h, n, got)
	}
	return nil
}

// OnResourceOpen counts an open handle held by h.
func (m *Monitor) OnResourceOpen(h types.Handle) error {
	if !m.cfg.FileUsage {
		return nil
	}
	c, err := m.slot(h)
	if err != nil {
		return err
	}
	c.open.Add(1)
	return nil
}

// OnResourceClose releases an open handle. Closing more than were opened
// saturates at zero and returns *kerr.ConsistencyError.
func (m *Monitor) OnResourceClose(h types.Handle) error {
	if !m.cfg.FileUsage {
		return nil
	}
	c, err := m.slot(h)
	if err != nil {
		return err
	}
	if _, under := subSaturating(&c.open, 1); under {
		return m.inconsistent("open", h, 1, 0)
	}
	return nil
}

// OnTick charges one tick of CPU to h.
func (m *Monitor) OnTick(h types.Handle) {
	if !m.cfg.CPULoad {
		return
	}
	m.totalTicks.Add(1)
	if c, err := m.slot(h); err == nil {
		c.cpu.Add(1)
	}
}

// OnIdleTick charges one tick to the idle task.
func (m *Monitor) OnIdleTick() {
	if !m.cfg.CPULoad {
		return
	}
	m.totalTicks.Add(1)
	m.idleTicks.Add(1)
}

func (m *Monitor) inconsistent(counter string, h types.Handle, requested, available int64) error {
	m.consistency.Add(1)
	err := &kerr.ConsistencyError{Counter: counter, Task: h.String(), Requested: requested, Available: available}
	m.log.Warn("counter underflow", "counter", counter, "task", h.String(),
		"requested", requested, "available", available)
	return err
}

// subSaturating subtracts up to n from v without going below zero. It returns
// the amount actually subtracted and whether n exceeded the value.
func subSaturating(v *atomic.Int64, n int64) (int64, bool) {
	for {
		cur := v.Load()
		d, under := n, false
		if cur < n {
			d, under = cur, true
		}
		if d < 0 {
			d = 0
		}
		if v.CompareAndSwap(cur, cur-d) {
			return d, under
		}
	}
}
