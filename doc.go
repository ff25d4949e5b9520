// Package looper implements a single-threaded, cross-platform event
// loop that multiplexes file descriptor readiness (via epoll on Linux,
// kqueue on BSD/Darwin) with delayed in-loop messages and cross-thread
// wakeups, modeled on Android's libutils Looper.
//
// A Loop is built with NewLoop (or, more commonly, via
// LockCurrentThread().Prepare(), which pins the constructing goroutine
// to its OS thread for the Loop's lifetime). Other threads register
// interest in file descriptors with AddFd, schedule work with
// SendMessage and its variants, and nudge a blocked poll with Wake. The
// owning thread drives everything forward by calling PollOnce or
// PollAll in a loop.
package looper
