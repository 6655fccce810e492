package monitor

import "github.com/ChuLiYu/rtkernel/pkg/types"

// TaskUsage is one task's counters at snapshot time.
type TaskUsage struct {
	Handle    types.Handle
	Allocated int64 // cumulative bytes
	Freed     int64 // cumulative bytes
	InUse     [types.NumMemCategories]int64
	Open      int64
	CPUTicks  uint64
}

// Global holds system-wide aggregates.
type Global struct {
	Memory            [types.NumMemCategories]int64
	NetMemCeiling     int64
	IdleTicks         uint64
	TotalTicks        uint64
	ConsistencyErrors uint64
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Tasks  []TaskUsage
	Global Global
}

// Snapshot copies the counters of every attached slot.
func (m *Monitor) Snapshot() Snapshot {
	snap := Snapshot{
		Global: Global{
			NetMemCeiling:     m.cfg.NetMemCeiling,
			IdleTicks:         m.idleTicks.Load(),
			TotalTicks:        m.totalTicks.Load(),
			ConsistencyErrors: m.consistency.Load(),
		},
	}
	for cat := range m.mem {
		snap.Global.Memory[cat] = m.mem[cat].Load()
	}
	for i := range m.slots {
		c := &m.slots[i]
		gen := c.gen.Load()
		if gen == 0 {
			continue
		}
		u := TaskUsage{
			Handle:    types.Handle{Index: uint16(i), Gen: gen},
			Allocated: c.allocated.Load(),
			Freed:     c.freed.Load(),
			Open:      c.open.Load(),
			CPUTicks:  c.cpu.Load(),
		}
		for cat := range c.inUse {
			u.InUse[cat] = c.inUse[cat].Load()
		}
		snap.Tasks = append(snap.Tasks, u)
	}
	return snap
}

// Task returns the usage of h, if attached at snapshot time.
func (s Snapshot) Task(h types.Handle) (TaskUsage, bool) {
	for _, u := range s.Tasks {
		if u.Handle == h {
			return u, true
		}
	}
	return TaskUsage{}, false
}

// CPULoad returns the share of non-idle ticks in percent.
func (g Global) CPULoad() float64 {
	if g.TotalTicks == 0 {
		return 0
	}
	return 100 * float64(g.TotalTicks-g.IdleTicks) / float64(g.TotalTicks)
}

// Share returns the fraction of all ticks charged to u, in percent.
func (s Snapshot) Share(u TaskUsage) float64 {
	if s.Global.TotalTicks == 0 {
		return 0
	}
	return 100 * float64(u.CPUTicks) / float64(s.Global.TotalTicks)
}
