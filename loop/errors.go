package loop

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrShutdown is returned by enqueue operations once Shutdown has been called.
	ErrShutdown = errors.New("loop: shutting down")
	// ErrNilCallback is returned when a nil callback is enqueued.
	ErrNilCallback = errors.New("loop: nil callback")
)

// ErrorKind distinguishes the failure classes delivered to the error sink.
type ErrorKind int

const (
	// TaskPanic is a callback that panicked during execution.
	TaskPanic ErrorKind = iota
	// UnhandledRejection is a rejected deferred value that was never observed.
	UnhandledRejection
)

func (k ErrorKind) String() string {
	switch k {
	case TaskPanic:
		return "task_panic"
	case UnhandledRejection:
		return "unhandled_rejection"
	default:
		return "unknown"
	}
}

// PanicError wraps a recovered panic value as an error.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// TaskError describes a failure observed at the task-execution boundary.
// Failures are reported to the sink and never stop the loop.
type TaskError struct {
	Err    error
	LoopID string
	At     time.Time // virtual time when the failure was observed
	Kind   ErrorKind
}

// ErrorSink receives task panics and unhandled rejections.
type ErrorSink func(TaskError)
