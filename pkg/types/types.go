// Package types defines the core value types shared by every rtkernel package.
package types

import "fmt"

// Ticks counts scheduler tick periods.
type Ticks uint64

// Priority is a task priority. Higher values are more urgent; the valid
// range is symmetric around zero and set by the kernel configuration.
type Priority int

// IdlePriority sits below every configurable priority level.
const IdlePriority Priority = -1 << 15

// MaxNameLen bounds task names; longer names are truncated.
const MaxNameLen = 16

// Handle is a generation-checked reference to an arena slot (TCB or worker).
// A handle outlives its slot: once the slot is released the generation moves
// on and the old handle is detectably stale.
type Handle struct {
	Index uint16
	Gen   uint32
}

// NoHandle is the zero handle; generation 0 is never issued.
var NoHandle = Handle{}

// Valid reports whether h was issued by an arena.
func (h Handle) Valid() bool { return h.Gen != 0 }

func (h Handle) String() string {
	if !h.Valid() {
		return "none"
	}
	return fmt.Sprintf("%d.%d", h.Index, h.Gen)
}

// TaskState is the scheduler state of a task.
type TaskState uint8

// Task state machine:
//
//	New -> Ready -> Running -> {Ready, Blocked, Sleeping, Terminated}
//	Blocked  -> Ready (resource available / timeout)
//	Sleeping -> Ready (timer expiry)
//	Terminated is absorbing.
const (
	StateNew TaskState = iota
	StateReady
	StateRunning
	StateBlocked
	StateSleeping
	StateTerminated
)

func (s TaskState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateSleeping:
		return "sleeping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// TaskKind distinguishes user tasks from kernel-side execution contexts.
type TaskKind uint8

const (
	KindUser TaskKind = iota
	KindWorker
	KindIdle
)

func (k TaskKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindWorker:
		return "kworker"
	case KindIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// OpClass groups kernel operations for worker specialization.
type OpClass uint8

const (
	ClassGeneral OpClass = iota
	ClassIO
)

// NumClasses is the number of operation classes.
const NumClasses = 2

func (c OpClass) String() string {
	switch c {
	case ClassGeneral:
		return "general"
	case ClassIO:
		return "io"
	default:
		return "unknown"
	}
}

// MemCategory selects which global memory aggregate an allocation is charged to.
type MemCategory uint8

const (
	MemKernel MemCategory = iota
	MemNetwork
)

// NumMemCategories is the number of memory categories.
const NumMemCategories = 2

func (c MemCategory) String() string {
	switch c {
	case MemKernel:
		return "kernel"
	case MemNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// TruncateName clips a task name to MaxNameLen bytes.
func TruncateName(name string) string {
	if len(name) > MaxNameLen {
		return name[:MaxNameLen]
	}
	return name
}
