// ============================================================================
// rtkernel Error Taxonomy
// ============================================================================
//
// Package: internal/kerr
// File: errors.go
// Purpose: Define every error the kernel core reports to its callers
//
// Classification:
//   Recoverable (returned as typed results):
//     - ErrResourceExhausted: stack, TCB slot or worker allocation failed
//     - ErrTimeout:           a blocking call exceeded its deadline
//     - ErrWorkerUnavailable: the worker pool could not service a request
//     - ErrQuotaExceeded:     a governed resource ceiling was hit
//     - ErrStackTooSmall:     stack below the active dispatch mode's minimum
//     - ErrInternalConsistency: counter underflow (logged, degraded)
//   Fatal (halts the kernel):
//     - *FatalError: corrupted fixed-mode worker, scheduler invariant broken
//
// ============================================================================

package kerr

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrResourceExhausted indicates a stack, TCB slot or worker could not be allocated
	ErrResourceExhausted = errors.New("kernel: resource exhausted")

	// ErrTimeout indicates a blocking call exceeded its deadline
	ErrTimeout = errors.New("kernel: timeout")

	// ErrWorkerUnavailable indicates the worker pool could not service a request
	ErrWorkerUnavailable = errors.New("kernel: worker unavailable")

	// ErrQuotaExceeded indicates a governed resource ceiling would be crossed
	ErrQuotaExceeded = errors.New("kernel: quota exceeded")

	// ErrStackTooSmall indicates a task stack is below the dispatch mode minimum
	ErrStackTooSmall = errors.New("kernel: stack too small")

	// ErrInternalConsistency indicates a counter underflow or similar caller bug
	ErrInternalConsistency = errors.New("kernel: internal consistency")

	// ErrFatal is matched by every *FatalError
	ErrFatal = errors.New("kernel: fatal")

	// ErrInvalidArgument indicates a malformed request (bad priority, empty entry)
	ErrInvalidArgument = errors.New("kernel: invalid argument")

	// ErrStaleHandle indicates a handle whose slot was released or reused
	ErrStaleHandle = errors.New("kernel: stale handle")

	// ErrRequestInFlight indicates the caller already has an outstanding request
	ErrRequestInFlight = errors.New("kernel: request already in flight")

	// ErrClosedPipe indicates a write to a pipe with no readers left
	ErrClosedPipe = errors.New("kernel: write on closed pipe")

	// ErrHalted indicates the kernel has stopped or halted on a fatal condition
	ErrHalted = errors.New("kernel: halted")

	// ErrTerminated indicates the calling task was terminated while blocked
	ErrTerminated = errors.New("kernel: task terminated")
)

// StackOverflowError is raised when an execution context pushes past the end
// of its stack region. It is fatal to the task that overflowed.
type StackOverflowError struct {
	Task  string // task or worker name
	Size  int    // stack size in bytes
	Depth int    // depth that was requested
}

func (e *StackOverflowError) Error() string {
	return fmt.Sprintf("kernel: stack overflow in %q (depth=%d, size=%d)", e.Task, e.Depth, e.Size)
}

// FaultError reports a fault raised while a worker executed an operation.
// The fault is the request's result; the worker survives unless Corrupting.
type FaultError struct {
	Op         string
	Value      any
	Corrupting bool
	Stack      []byte
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("kernel: fault in operation %q: %v", e.Op, e.Value)
}

// Unwrap exposes an underlying error value, such as *StackOverflowError.
func (e *FaultError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ConsistencyError describes a saturated counter update.
type ConsistencyError struct {
	Counter   string
	Task      string
	Requested int64
	Available int64
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("kernel: %s underflow for %s (requested=%d, available=%d)",
		e.Counter, e.Task, e.Requested, e.Available)
}

func (e *ConsistencyError) Unwrap() error { return ErrInternalConsistency }

// QuotaError describes an allocation refused by a global ceiling.
type QuotaError struct {
	Category  string
	Requested int64
	InUse     int64
	Ceiling   int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("kernel: %s quota exceeded (requested=%d, in_use=%d, ceiling=%d)",
		e.Category, e.Requested, e.InUse, e.Ceiling)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// FatalError carries the context captured when the kernel halted.
type FatalError struct {
	Reason string
	Task   string
	Tick   uint64
	Cause  error
	Stack  []byte
}

func (e *FatalError) Error() string {
	msg := fmt.Sprintf("kernel: fatal at tick %d: %s", e.Tick, e.Reason)
	if e.Task != "" {
		msg += fmt.Sprintf(" (task %q)", e.Task)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is matches ErrFatal so callers can test errors.Is(err, kerr.ErrFatal).
func (e *FatalError) Is(target error) bool { return target == ErrFatal }

func (e *FatalError) Unwrap() error { return e.Cause }

// IsRecoverable reports whether err is a caller-recoverable kernel error.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	return !errors.Is(err, ErrFatal) && !errors.Is(err, ErrHalted)
}
