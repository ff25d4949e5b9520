package internal

import "errors"

var (
	// ErrTimeout is returned by Backend.Wait when timeoutMs elapsed with
	// no readiness events.
	ErrTimeout = errors.New("internal: wait timed out")

	// ErrInterrupted is returned by Backend.Wait when the underlying
	// syscall was interrupted by a signal before any event fired.
	ErrInterrupted = errors.New("internal: wait interrupted")
)
