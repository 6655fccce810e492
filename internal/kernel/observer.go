package kernel

import "github.com/ChuLiYu/rtkernel/pkg/types"

// Observer receives scheduler events. Calls happen inside the critical
// section and must not block.
type Observer interface {
	ContextSwitch(from, to types.Handle)
	TaskSpawned(kind types.TaskKind)
	TaskExited(kind types.TaskKind, reason string)
}

type nopObserver struct{}

func (nopObserver) ContextSwitch(types.Handle, types.Handle) {}
func (nopObserver) TaskSpawned(types.TaskKind)               {}
func (nopObserver) TaskExited(types.TaskKind, string)        {}

// exitReason classifies a task's exit for observers.
func exitReason(err error) string {
	switch {
	case err == nil:
		return "normal"
	case isKilled(err):
		return "terminated"
	case isOverflow(err):
		return "overflow"
	case isFault(err):
		return "fault"
	default:
		return "error"
	}
}
