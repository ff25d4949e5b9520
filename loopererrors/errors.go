// Package loopererrors collects the sentinel errors surfaced by the looper
// engine, mirroring the way the teacher package keeps its own error values
// in one small, dependency-free package rather than scattering them next
// to the code that raises them.
package loopererrors

import "errors"

var (
	// ErrClosed is returned by AddFd and PollOnce/PollAll once the Loop's
	// resources have been released by Close.
	ErrClosed = errors.New("looper: loop closed")

	// ErrInvalidRegistration is returned by AddFd when the (ident, callback)
	// combination is not permitted: a nil callback requires a non-negative
	// ident and a loop constructed with AllowNonCallbacks.
	ErrInvalidRegistration = errors.New("looper: invalid ident/callback combination")

	// ErrRebuildFailed is returned when the readiness backend cannot be
	// reconstructed during a scheduled rebuild (see Loop.pollInner).
	ErrRebuildFailed = errors.New("looper: backend rebuild failed")

	// ErrWakeFailed marks a non-transient failure writing to the wake
	// channel. The loop cannot be nudged once this happens.
	ErrWakeFailed = errors.New("looper: wake channel write failed")

	// ErrNotOwner is returned by ThreadBinding.Prepare when it is called
	// a second time on the same binding. PollOnce and PollAll do not
	// check which goroutine calls them.
	ErrNotOwner = errors.New("looper: loop polled from a non-owning thread binding")
)
