package looper

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"syscall"
	"time"

	"github.com/axloop/looper/internal"
	"github.com/axloop/looper/loopererrors"
	"github.com/axloop/looper/looperopts"
	"go.uber.org/atomic"
)

// LoopOption configures a Loop at construction time.
type LoopOption = looperopts.Option

// Result sentinels returned by PollOnce/PollAll, mirroring the ident
// values original_source/libutils/Looper.cpp reserves below zero.
const (
	// PollWake means the loop was nudged via Wake (or ran a scheduled
	// backend rebuild) with no fd readiness to report and no message or
	// callback dispatched.
	PollWake = -1

	// PollCallback means one or more callback-mode registrations or due
	// messages were dispatched during this call; no readiness is
	// returned to the caller because it was already delivered in-loop.
	PollCallback = callbackMode

	// PollTimeout means the requested timeout elapsed with nothing
	// ready.
	PollTimeout = -3

	// PollError means the poll failed; see the returned error.
	PollError = -4
)

// wakeChannel is satisfied structurally by internal.EventFd (Linux) and
// internal.WakeShim (BSD/Darwin); the two platforms never both compile,
// so there is exactly one concrete type behind this interface in any
// given build.
type wakeChannel interface {
	FD() int
	Wake() error
	Drain()
	Close() error
}

// PollResult carries the outcome of one manual-mode readiness event.
// When PollOnce/PollAll return one of the Poll* sentinels instead, it is
// the zero value.
type PollResult struct {
	Ident  int
	Fd     int
	Events EventMask
	Data   any
}

// Loop is a single-threaded readiness and message multiplexer: one
// thread calls PollOnce/PollAll in a loop, and any thread may call
// AddFd, RemoveFd, SendMessage*, or Wake to affect what the next poll
// sees.
type Loop struct {
	mu sync.Mutex

	backend internal.Backend
	wake    wakeChannel

	capacity          int
	allowNonCallbacks bool
	logger            *log.Logger

	nextSeq  Seq
	byFd     map[int]Seq
	requests map[Seq]request

	queue messageQueue

	pendingManual []response

	polling        *atomic.Bool
	sendingMessage *atomic.Bool
	rebuildNeeded  *atomic.Bool
	closed         *atomic.Bool
	wakeFailed     *atomic.Bool
}

// NewLoop constructs a Loop backed by the real epoll/kqueue backend and
// eventfd/pipe wake channel for the current platform. It neither pins
// the calling goroutine to its OS thread nor binds the Loop to it;
// prefer LockCurrentThread().Prepare() over calling this directly so the
// binding and the thread pin happen together.
func NewLoop(opts ...LoopOption) (*Loop, error) {
	l := newLoopShell(opts...)

	backend, err := newBackend(l.capacity)
	if err != nil {
		return nil, fmt.Errorf("looper: create backend: %w", err)
	}

	wake, err := newWakeChannel()
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("looper: create wake channel: %w", err)
	}

	if err := bindLoop(l, backend, wake); err != nil {
		return nil, err
	}
	return l, nil
}

// newLoopShell allocates a Loop and applies opts, leaving backend and
// wake unset; callers finish construction with bindLoop. Split out so
// tests can substitute a fake Backend/wakeChannel pair without going
// through the real platform constructors.
func newLoopShell(opts ...LoopOption) *Loop {
	l := &Loop{
		capacity:       internal.DefaultCapacity,
		logger:         log.Default(),
		nextSeq:        internal.WakeSeq + 1,
		byFd:           make(map[int]Seq),
		requests:       make(map[Seq]request),
		polling:        atomic.NewBool(false),
		sendingMessage: atomic.NewBool(false),
		rebuildNeeded:  atomic.NewBool(false),
		closed:         atomic.NewBool(false),
		wakeFailed:     atomic.NewBool(false),
	}

	for _, o := range opts {
		switch o.Type() {
		case looperopts.TypeCapacity:
			l.capacity = o.Value().(int)
		case looperopts.TypeAllowNonCallbacks:
			l.allowNonCallbacks = o.Value().(bool)
		case looperopts.TypeLogger:
			if v := o.Value().(*log.Logger); v != nil {
				l.logger = v
			}
		}
	}
	return l
}

// bindLoop attaches backend and wake to l and registers the wake
// channel under WakeSeq.
func bindLoop(l *Loop, backend internal.Backend, wake wakeChannel) error {
	l.backend = backend
	l.wake = wake
	if err := backend.Add(wake.FD(), internal.Input, internal.WakeSeq); err != nil {
		wake.Close()
		backend.Close()
		return fmt.Errorf("looper: register wake channel: %w", err)
	}
	return nil
}

// AddFd registers fd for the given event mask. A nil callback puts the
// registration in manual mode: readiness is reported back through
// PollOnce's return value rather than invoked in-loop, and requires the
// Loop to have been built with looperopts.AllowNonCallbacks(true). A
// non-nil callback puts it in callback mode and ident is forced to
// PollCallback regardless of what's passed, matching the "callback
// ignores ident" rule.
func (l *Loop) AddFd(fd int, ident int, events EventMask, callback Callback, data any) error {
	if callback == nil {
		if !l.allowNonCallbacks {
			return loopererrors.ErrInvalidRegistration
		}
		if ident < 0 {
			return loopererrors.ErrInvalidRegistration
		}
	} else {
		ident = callbackMode
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return loopererrors.ErrClosed
	}

	req := request{fd: fd, ident: ident, events: events, callback: callback, data: data}

	// The seq always advances, even on re-registration: seqs are never
	// reused for the lifetime of the loop, which is what lets a
	// self-removal (see pollInner) target the exact registration that
	// fired rather than whatever a recycled fd number currently holds.
	seq := l.nextSeq
	l.nextSeq++

	oldSeq, reregistering := l.byFd[fd]
	if reregistering {
		if err := l.backend.Modify(fd, events, seq); err != nil {
			if !errors.Is(err, syscall.ENOENT) {
				return l.wrapBackendErr(err)
			}
			// The kernel has already forgotten fd, most likely because
			// its number was recycled out from under the table; retry
			// as a fresh add and schedule a rebuild to reconcile
			// whatever else may have drifted, matching the
			// EPOLL_CTL_ADD fallback in the source this is modeled on.
			if err := l.backend.Add(fd, events, seq); err != nil {
				return l.wrapBackendErr(err)
			}
			l.scheduleRebuildLocked()
		}
		delete(l.requests, oldSeq)
	} else if err := l.backend.Add(fd, events, seq); err != nil {
		return l.wrapBackendErr(err)
	}

	l.byFd[fd] = seq
	l.requests[seq] = req
	return nil
}

// RemoveFd deregisters fd. Returns false if fd was not registered.
func (l *Loop) RemoveFd(fd int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, ok := l.byFd[fd]
	if !ok {
		return false
	}
	delete(l.byFd, fd)
	delete(l.requests, seq)
	if err := l.backend.Remove(fd); err != nil {
		// The fd is already gone from our tables regardless of whether
		// the kernel agrees; any error here (ENOENT/EBADF because the fd
		// was already recycled, or anything else) means the backend's
		// idea of the world may have drifted from ours, so a rebuild is
		// scheduled to reconcile it.
		l.logger.Printf("looper: remove fd %d: %v", fd, err)
		l.scheduleRebuildLocked()
	}
	return true
}

// removeSeq deregisters the registration filed under seq, used for
// callback self-removal (see pollInner) so a callback returning false
// removes exactly the registration that fired rather than whatever fd
// entry currently sits under its fd number. If fd has since been
// re-registered under a newer seq, byFd no longer points at seq and
// neither the backend nor byFd is touched, leaving the newer
// registration untouched.
func (l *Loop) removeSeq(seq Seq) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.requests[seq]
	if !ok {
		return false
	}
	delete(l.requests, seq)
	if l.byFd[req.fd] == seq {
		delete(l.byFd, req.fd)
		if err := l.backend.Remove(req.fd); err != nil {
			l.logger.Printf("looper: remove fd %d (seq %d): %v", req.fd, seq, err)
			l.scheduleRebuildLocked()
		}
	}
	return true
}

// wrapBackendErr flags a rebuild when the backend reports the
// descriptor-recycling symptom (stale entry still claiming a slot a
// just-closed, reused fd now occupies): ENOENT/EEXIST from the kernel
// multiplexer on an operation the registration table believes is
// consistent. The actual rebuild happens lazily at the top of the next
// pollInner, not here, so AddFd/RemoveFd never block on it.
func (l *Loop) wrapBackendErr(err error) error {
	if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.EEXIST) {
		l.scheduleRebuildLocked()
	}
	return fmt.Errorf("looper: backend operation failed: %w", err)
}

// scheduleRebuildLocked flags the backend for a rebuild on the next
// pollInner pass and wakes a blocked poll so the rebuild happens
// promptly instead of waiting out whatever timeout is in effect. Must
// be called with l.mu held; Wake itself doesn't need the lock.
func (l *Loop) scheduleRebuildLocked() {
	l.rebuildNeeded.Store(true)
	l.Wake()
}

// SendMessage enqueues msg for handler to run as soon as the loop next
// polls.
func (l *Loop) SendMessage(handler Handler, msg Message) {
	l.SendMessageAtTime(now(), handler, msg)
}

// SendMessageDelayed enqueues msg to run after delay has elapsed.
func (l *Loop) SendMessageDelayed(delay time.Duration, handler Handler, msg Message) {
	l.SendMessageAtTime(now().Add(delay), handler, msg)
}

// SendMessageAtTime enqueues msg to run at (or soon after) when. If the
// new envelope becomes the earliest pending one, and the loop isn't
// already mid-dispatch of a due message, the loop is woken so the
// shortened deadline takes effect immediately.
func (l *Loop) SendMessageAtTime(when time.Time, handler Handler, msg Message) {
	l.mu.Lock()
	idx := l.queue.insert(envelope{uptime: when, handler: handler, message: msg})
	needsWake := idx == 0 && !l.sendingMessage.Load()
	l.mu.Unlock()

	if needsWake {
		l.Wake()
	}
}

// RemoveMessages drops every pending envelope addressed to handler,
// optionally restricted to the given What values.
func (l *Loop) RemoveMessages(handler Handler, what ...int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue.removeMatching(func(e envelope) bool {
		if e.handler != handler {
			return false
		}
		if len(what) == 0 {
			return true
		}
		for _, w := range what {
			if e.message.What == w {
				return true
			}
		}
		return false
	})
}

// Wake nudges a blocked PollOnce/PollAll into returning, coalescing
// with any other pending wake. A failed write to the wake channel is
// non-transient: it marks the loop so the next PollOnce/PollAll
// returns PollError wrapping ErrWakeFailed instead of silently hanging
// on a channel that can no longer be nudged.
func (l *Loop) Wake() {
	if err := l.wake.Wake(); err != nil {
		l.wakeFailed.Store(true)
		l.logger.Printf("looper: wake failed: %v", err)
	}
}

// IsPolling reports whether a PollOnce/PollAll call is currently
// blocked inside the backend's Wait.
func (l *Loop) IsPolling() bool {
	return l.polling.Load()
}

// PollAll repeatedly calls PollOnce while it keeps returning
// PollCallback, i.e. while callback-mode readiness or due messages are
// being dispatched, and returns as soon as anything else comes back: a
// bare wake, an explicit timeout, an error, or manual-mode readiness.
// With a positive timeout each PollOnce gets the remaining budget, and
// PollTimeout is returned once that budget is spent.
func (l *Loop) PollAll(timeout time.Duration) (PollResult, int, error) {
	deadline := now().Add(timeout)
	for {
		remaining := deadline.Sub(now())
		if timeout >= 0 && remaining < 0 {
			remaining = 0
		}
		res, ident, err := l.PollOnce(remaining)
		if ident != PollCallback {
			return res, ident, err
		}
		if timeout > 0 && !now().Before(deadline) {
			return PollResult{}, PollTimeout, nil
		}
	}
}

// PollOnce blocks for up to timeout (negative means forever) waiting
// for fd readiness or a due message, dispatches every due message and
// any callback-mode readiness that was ready, and returns the oldest
// still-unreturned manual-mode readiness (whether queued by this call
// or a previous one), or one of the Poll* sentinels.
func (l *Loop) PollOnce(timeout time.Duration) (PollResult, int, error) {
	if l.closed.Load() {
		return PollResult{}, PollError, loopererrors.ErrClosed
	}
	if l.wakeFailed.Load() {
		return PollResult{}, PollError, loopererrors.ErrWakeFailed
	}

	if res, ident, ok := l.popPendingManual(); ok {
		return res, ident, nil
	}

	res, ident, err := l.pollInner(timeout)
	if err != nil {
		return res, ident, err
	}

	if manualRes, manualIdent, ok := l.popPendingManual(); ok {
		return manualRes, manualIdent, nil
	}
	return res, ident, nil
}

// popPendingManual removes and returns the oldest buffered manual-mode
// response, if any.
func (l *Loop) popPendingManual() (PollResult, int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pendingManual) == 0 {
		return PollResult{}, 0, false
	}
	r := l.pendingManual[0]
	l.pendingManual = l.pendingManual[1:]
	return PollResult{Ident: r.req.ident, Fd: r.req.fd, Events: r.events, Data: r.req.data}, r.req.ident, true
}

// pollInner runs one pass of the state machine: compute the effective
// timeout, block in the backend, translate events into responses, then
// dispatch due messages and callback-mode readiness unlocked. Manual-
// mode readiness is never returned directly from here — it's appended
// to l.pendingManual, and PollOnce drains that ahead of (and again
// right after) calling pollInner, so a batch of manual-mode fds ready
// from one Wait call surface one at a time across successive PollOnce
// calls rather than being dropped.
func (l *Loop) pollInner(timeout time.Duration) (PollResult, int, error) {
	l.mu.Lock()
	if l.rebuildNeeded.Load() {
		if err := l.rebuildLocked(); err != nil {
			l.mu.Unlock()
			return PollResult{}, PollError, err
		}
		l.rebuildNeeded.Store(false)
		l.mu.Unlock()
		return PollResult{}, PollWake, nil
	}

	waitMs := -1
	if timeout >= 0 {
		t := now()
		waitMs = millisTimeout(t, t.Add(timeout))
	}
	if !l.queue.empty() {
		head := l.queue.peek().uptime
		msgMs := millisTimeout(now(), head)
		if waitMs < 0 || msgMs < waitMs {
			waitMs = msgMs
		}
	}
	l.mu.Unlock()

	buf := make([]internal.Event, 0, l.capacity)
	l.polling.Store(true)
	events, waitErr := l.backend.Wait(waitMs, buf)
	l.polling.Store(false)
	if waitErr != nil && !errors.Is(waitErr, internal.ErrTimeout) && !errors.Is(waitErr, internal.ErrInterrupted) {
		return PollResult{}, PollError, fmt.Errorf("looper: wait: %w", waitErr)
	}

	l.mu.Lock()
	var callbackResponses []response
	sawWakeEvent := false

	for _, ev := range events {
		if ev.Seq == internal.WakeSeq {
			sawWakeEvent = true
			continue
		}
		req, ok := l.requests[ev.Seq]
		if !ok {
			// Phantom event for a since-removed registration; seq
			// numbers are never reused so this is always safe to drop.
			l.logger.Printf("looper: ignoring event for unknown seq %d", ev.Seq)
			continue
		}
		r := response{seq: ev.Seq, events: ev.Events, req: req}
		if req.manual() {
			l.pendingManual = append(l.pendingManual, r)
		} else {
			callbackResponses = append(callbackResponses, r)
		}
	}
	l.mu.Unlock()

	if sawWakeEvent {
		l.wake.Drain()
	}

	// Dispatching is skipped only on a genuine INTERRUPTED/ERROR signal
	// from the backend, not on TIMEOUT: the effective timeout computed
	// above is routinely shortened to a message's deadline, so a
	// TIMEOUT is frequently exactly how a due message's arrival is
	// observed and must still be checked.
	result := PollWake
	if errors.Is(waitErr, internal.ErrTimeout) {
		result = PollTimeout
	}

	if !errors.Is(waitErr, internal.ErrInterrupted) {
		if l.dispatchDueMessages() {
			result = PollCallback
		}
		for _, r := range callbackResponses {
			keep := r.req.callback(r.req.fd, r.events, r.req.data)
			if !keep {
				l.removeSeq(r.seq)
			}
			result = PollCallback
		}
	}

	return PollResult{}, result, nil
}

// dispatchDueMessages pops and runs every envelope whose uptime has
// arrived, re-reading the clock between each one, so a burst of timers
// firing together doesn't require one pollInner pass per message.
func (l *Loop) dispatchDueMessages() bool {
	ran := false
	for {
		l.mu.Lock()
		if l.queue.empty() || l.queue.peek().uptime.After(now()) {
			l.mu.Unlock()
			return ran
		}
		e := l.queue.peek()
		l.queue.popFront()
		l.sendingMessage.Store(true)
		l.mu.Unlock()

		e.handler.HandleMessage(e.message)
		ran = true

		l.sendingMessage.Store(false)
	}
}

// rebuildLocked discards and recreates the backend, then re-registers
// every live request plus the wake channel, recovering from the
// descriptor-recycling race where a closed fd's number was reused
// before its stale registration could be removed. Must be called with
// l.mu held.
func (l *Loop) rebuildLocked() error {
	if err := l.backend.Reset(l.wake.FD()); err != nil {
		return fmt.Errorf("%w: %v", loopererrors.ErrRebuildFailed, err)
	}
	for seq, req := range l.requests {
		if seq == internal.WakeSeq {
			continue
		}
		if err := l.backend.Add(req.fd, req.events, seq); err != nil {
			l.logger.Printf("looper: rebuild: re-add fd %d: %v", req.fd, err)
		}
	}
	return nil
}

// GetFdStateDebug reports whether fd is currently registered and, if
// so, its full registration: ident, event mask, callback, and opaque
// data. Intended for tests and diagnostics, not for production control
// flow.
func (l *Loop) GetFdStateDebug(fd int) (ident int, events EventMask, callback Callback, data any, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq, found := l.byFd[fd]
	if !found {
		return 0, 0, nil, nil, false
	}
	req := l.requests[seq]
	return req.ident, req.events, req.callback, req.data, true
}

// Close releases the backend and wake channel. The Loop must not be
// polled again afterward.
func (l *Loop) Close() error {
	if !l.closed.CAS(false, true) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	if err := l.backend.Close(); err != nil {
		firstErr = err
	}
	if err := l.wake.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
