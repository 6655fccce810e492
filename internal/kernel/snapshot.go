package kernel

import (
	"sort"

	"github.com/ChuLiYu/rtkernel/internal/monitor"
	"github.com/ChuLiYu/rtkernel/internal/tcb"
	"github.com/ChuLiYu/rtkernel/pkg/types"
)

// TaskInfo is one task as seen by introspection.
type TaskInfo struct {
	Handle    types.Handle
	Name      string
	Kind      types.TaskKind
	State     types.TaskState
	Base      types.Priority
	Priority  types.Priority
	StackSize int
	StackPeak int
	Usage     monitor.TaskUsage
}

// Snapshot is the process-information view: the monitor counters joined
// with task names, states and stack high water marks.
type Snapshot struct {
	BootID   string
	Mode     string
	Tick     types.Ticks
	Switches uint64
	Ready    int
	Halted   bool
	Tasks    []TaskInfo
	Global   monitor.Global
}

// Snapshot captures the current state of every live task.
func (k *Kernel) Snapshot() Snapshot {
	usage := k.mon.Snapshot()

	k.mu.Lock()
	snap := Snapshot{
		BootID:   k.bootID.String(),
		Mode:     "none",
		Tick:     k.sched.Now(),
		Switches: k.sched.Switches(),
		Ready:    k.sched.ReadyCount(),
		Halted:   k.halted,
		Global:   usage.Global,
	}
	k.store.Each(func(t *tcb.Task) {
		info := TaskInfo{
			Handle:    t.Handle,
			Name:      t.Name,
			Kind:      t.Kind,
			State:     t.State,
			Base:      t.Base,
			Priority:  t.Priority,
			StackSize: t.StackSize(),
			StackPeak: t.StackPeak(),
		}
		if u, ok := usage.Task(t.Handle); ok {
			info.Usage = u
		} else {
			info.Usage.Handle = t.Handle
		}
		snap.Tasks = append(snap.Tasks, info)
	})
	k.mu.Unlock()

	if k.disp != nil {
		snap.Mode = k.disp.Mode()
	}
	sort.SliceStable(snap.Tasks, func(i, j int) bool {
		a, b := snap.Tasks[i], snap.Tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Handle.Index < b.Handle.Index
	})
	return snap
}

// CPUShare returns the percentage of all ticks charged to the task.
func (s Snapshot) CPUShare(t TaskInfo) float64 {
	if s.Global.TotalTicks == 0 {
		return 0
	}
	return 100 * float64(t.Usage.CPUTicks) / float64(s.Global.TotalTicks)
}

// Find returns the task named name.
func (s Snapshot) Find(name string) (TaskInfo, bool) {
	for _, t := range s.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskInfo{}, false
}
