package worker

import (
	"errors"

	"github.com/ChuLiYu/rtkernel/internal/kernel"
	"github.com/ChuLiYu/rtkernel/pkg/types"
)

var (
	// ErrPoolClosed is returned once the pool has stopped
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned before the kernel started the pool
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Observer receives pool events. Calls must not block.
type Observer interface {
	RequestSubmitted(mode string, class types.OpClass)
	RequestCompleted(class types.OpClass, latency types.Ticks, err error)
	RequestTimedOut(class types.OpClass)
	RequestRejected(class types.OpClass, reason string)
	WorkerSpawned(class types.OpClass)
	WorkerRetired(class types.OpClass, reason string)
}

type nopObserver struct{}

func (nopObserver) RequestSubmitted(string, types.OpClass)             {}
func (nopObserver) RequestCompleted(types.OpClass, types.Ticks, error) {}
func (nopObserver) RequestTimedOut(types.OpClass)                      {}
func (nopObserver) RequestRejected(types.OpClass, string)              {}
func (nopObserver) WorkerSpawned(types.OpClass)                        {}
func (nopObserver) WorkerRetired(types.OpClass, string)                {}

type requestState uint8

const (
	statePending requestState = iota // queued in the backlog
	stateRunning                     // bound to a worker
	stateDone                        // result written
)

// inflight is one submitted request. The caller and the worker share it
// only under Pool.mu.
type inflight struct {
	seq        uint64
	caller     types.Handle
	callerPrio types.Priority
	class      types.OpClass
	route      types.OpClass // backlog / worker class actually used
	req        kernel.Request
	submitted  types.Ticks

	state     requestState
	abandoned bool // caller gave up (timeout, termination); result is discarded
	worker    types.Handle
	resp      kernel.Response
	err       error
}
