package looper

import (
	"sync"
	"testing"
	"time"

	"github.com/axloop/looper/internal"
	"github.com/axloop/looper/looperopts"
)

// fakeBackend is an in-memory stand-in for internal.Backend, used so the
// registration table, dispatch, and message-queue interplay in Loop can
// be unit tested without a real epoll/kqueue fd. This mirrors the
// engine's own backend-abstraction rationale: Wait is the only method
// that blocks, so substituting it is enough to make the rest of the
// loop deterministic under test.
type fakeBackend struct {
	mu      sync.Mutex
	added   map[int]internal.Seq
	pending []internal.Event
	signal  chan struct{}
	resets  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{added: make(map[int]internal.Seq), signal: make(chan struct{}, 1)}
}

func (b *fakeBackend) Add(fd int, mask internal.EventMask, seq internal.Seq) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.added[fd] = seq
	return nil
}

func (b *fakeBackend) Modify(fd int, mask internal.EventMask, seq internal.Seq) error {
	return b.Add(fd, mask, seq)
}

func (b *fakeBackend) Remove(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.added, fd)
	return nil
}

// push queues an event for the next Wait call to observe, notifying
// any blocked waiter.
func (b *fakeBackend) push(ev internal.Event) {
	b.mu.Lock()
	b.pending = append(b.pending, ev)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *fakeBackend) Wait(timeoutMs int, buf []internal.Event) ([]internal.Event, error) {
	var deadline time.Time
	if timeoutMs >= 0 {
		deadline = time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	}
	for {
		b.mu.Lock()
		if len(b.pending) > 0 {
			out := append(buf[:0], b.pending...)
			b.pending = nil
			b.mu.Unlock()
			return out, nil
		}
		b.mu.Unlock()

		if timeoutMs == 0 {
			return nil, internal.ErrTimeout
		}
		wait := 5 * time.Millisecond
		if timeoutMs > 0 {
			if remaining := time.Until(deadline); remaining <= 0 {
				return nil, internal.ErrTimeout
			} else if remaining < wait {
				wait = remaining
			}
		}
		select {
		case <-b.signal:
		case <-time.After(wait):
			if timeoutMs >= 0 && !time.Now().Before(deadline) {
				return nil, internal.ErrTimeout
			}
		}
	}
}

func (b *fakeBackend) Reset(wakeFd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets++
	b.added = map[int]internal.Seq{wakeFd: internal.WakeSeq}
	return nil
}

func (b *fakeBackend) Close() error { return nil }

// fakeWake implements wakeChannel by pushing a WakeSeq event straight
// into the paired fakeBackend, standing in for a real eventfd/pipe
// shim's "write wakes the backend's Wait" contract.
type fakeWake struct {
	fd      int
	backend *fakeBackend
	drains  int
}

func (w *fakeWake) FD() int { return w.fd }

func (w *fakeWake) Wake() error {
	w.backend.push(internal.Event{Seq: internal.WakeSeq})
	return nil
}

func (w *fakeWake) Drain() { w.drains++ }

func (w *fakeWake) Close() error { return nil }

func newTestLoop(t *testing.T, opts ...LoopOption) (*Loop, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	wake := &fakeWake{fd: -1, backend: backend}
	l := newLoopShell(opts...)
	if err := bindLoop(l, backend, wake); err != nil {
		t.Fatalf("bindLoop: %v", err)
	}
	return l, backend
}

func TestAddFdManualModeReportsIdent(t *testing.T) {
	l, backend := newTestLoop(t, looperopts.AllowNonCallbacks(true))

	if err := l.AddFd(42, 7, Input, nil, "payload"); err != nil {
		t.Fatalf("AddFd: %v", err)
	}

	seq, ok := backend.added[42]
	if !ok {
		t.Fatal("fd was not registered with the backend")
	}
	backend.push(internal.Event{Seq: seq, Events: Input})

	res, ident, err := l.PollOnce(time.Second)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if ident != 7 {
		t.Fatalf("expected ident 7, got %d", ident)
	}
	if res.Fd != 42 || res.Data != "payload" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAddFdManualModeRequiresOption(t *testing.T) {
	l, _ := newTestLoop(t)
	if err := l.AddFd(1, 0, Input, nil, nil); err == nil {
		t.Fatal("expected error registering manual mode without AllowNonCallbacks")
	}
}

func TestAddFdCallbackModeInvokesAndCanSelfRemove(t *testing.T) {
	l, backend := newTestLoop(t)

	var gotEvents EventMask
	callback := func(fd int, events EventMask, data any) bool {
		gotEvents = events
		return false
	}
	if err := l.AddFd(9, 123, Input, callback, nil); err != nil {
		t.Fatalf("AddFd: %v", err)
	}

	seq := backend.added[9]
	backend.push(internal.Event{Seq: seq, Events: Input})

	_, ident, err := l.PollOnce(time.Second)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if ident != PollCallback {
		t.Fatalf("expected PollCallback, got %d", ident)
	}
	if gotEvents != Input {
		t.Fatalf("callback did not see Input, got %v", gotEvents)
	}
	if _, _, _, _, ok := l.GetFdStateDebug(9); ok {
		t.Fatal("callback returning false should have removed the registration")
	}
}

func TestPollOnceTimesOutWithNothingReady(t *testing.T) {
	l, _ := newTestLoop(t)
	_, ident, err := l.PollOnce(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if ident != PollTimeout {
		t.Fatalf("expected PollTimeout, got %d", ident)
	}
}

func TestSendMessageDeliversAndWakesBlockedPoll(t *testing.T) {
	l, _ := newTestLoop(t)
	h := &recordingHandler{}

	done := make(chan struct{})
	go func() {
		l.PollOnce(time.Second)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	l.SendMessage(h, Message{What: 99})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PollOnce did not return after SendMessage")
	}
	if len(h.got) != 1 || h.got[0].What != 99 {
		t.Fatalf("handler did not receive the message: %v", h.got)
	}
}

func TestRemoveMessagesDropsPending(t *testing.T) {
	l, _ := newTestLoop(t)
	h := &recordingHandler{}

	l.SendMessageDelayed(time.Hour, h, Message{What: 1})
	l.SendMessageDelayed(time.Hour, h, Message{What: 2})
	l.RemoveMessages(h, 1)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue.envelopes) != 1 || l.queue.envelopes[0].message.What != 2 {
		t.Fatalf("expected only What=2 to remain, got %+v", l.queue.envelopes)
	}
}

func TestWakeCoalescesIntoSinglePollWake(t *testing.T) {
	l, _ := newTestLoop(t)

	l.Wake()
	l.Wake()
	l.Wake()

	_, ident, err := l.PollOnce(time.Second)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if ident != PollWake {
		t.Fatalf("expected PollWake, got %d", ident)
	}

	// a second poll with nothing further queued should simply time out,
	// proving the three wakes above were observed as one event.
	_, ident, err = l.PollOnce(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if ident != PollTimeout {
		t.Fatalf("expected PollTimeout on the follow-up poll, got %d", ident)
	}
}

func TestPollOnceDrainsMultipleManualReadyFdsOneAtATime(t *testing.T) {
	l, backend := newTestLoop(t, looperopts.AllowNonCallbacks(true))

	if err := l.AddFd(10, 1, Input, nil, "a"); err != nil {
		t.Fatalf("AddFd: %v", err)
	}
	if err := l.AddFd(11, 2, Input, nil, "b"); err != nil {
		t.Fatalf("AddFd: %v", err)
	}
	backend.push(internal.Event{Seq: backend.added[10], Events: Input})
	backend.push(internal.Event{Seq: backend.added[11], Events: Input})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		res, ident, err := l.PollOnce(time.Second)
		if err != nil {
			t.Fatalf("PollOnce: %v", err)
		}
		if ident != 1 && ident != 2 {
			t.Fatalf("expected a manual ident, got %d", ident)
		}
		seen[res.Data.(string)] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected both manual responses to surface, got %v", seen)
	}

	// nothing left buffered; a further poll with no new events times out.
	_, ident, err := l.PollOnce(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if ident != PollTimeout {
		t.Fatalf("expected PollTimeout once the buffer is drained, got %d", ident)
	}
}

func TestPollOnceDeliversCallbackWhenMessageDeadlineShortensWait(t *testing.T) {
	l, _ := newTestLoop(t)
	h := &recordingHandler{}

	l.SendMessageDelayed(30*time.Millisecond, h, Message{What: 5})

	_, ident, err := l.PollOnce(time.Second)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if ident != PollCallback {
		t.Fatalf("expected PollCallback when a due message is dispatched, got %d", ident)
	}
	if len(h.got) != 1 || h.got[0].What != 5 {
		t.Fatalf("handler did not receive the due message: %v", h.got)
	}
}

func TestCallbackSelfRemovalSurvivesFdReuseDuringDispatch(t *testing.T) {
	l, backend := newTestLoop(t)

	var secondCalled bool
	first := func(fd int, events EventMask, data any) bool {
		// Simulate fd being closed and its number immediately recycled
		// by a brand new registration while this callback is still
		// running, before the loop has had a chance to retire the
		// registration that's currently firing.
		second := func(fd int, events EventMask, data any) bool {
			secondCalled = true
			return true
		}
		if err := l.AddFd(fd, 0, Input, second, nil); err != nil {
			t.Fatalf("AddFd: %v", err)
		}
		return false
	}
	if err := l.AddFd(7, 0, Input, first, nil); err != nil {
		t.Fatalf("AddFd: %v", err)
	}
	firstSeq := backend.added[7]
	backend.push(internal.Event{Seq: firstSeq, Events: Input})

	if _, ident, err := l.PollOnce(time.Second); err != nil || ident != PollCallback {
		t.Fatalf("PollOnce: ident=%d err=%v", ident, err)
	}

	if _, _, _, _, ok := l.GetFdStateDebug(7); !ok {
		t.Fatal("the second registration for fd 7 should have survived the first callback's self-removal")
	}
	secondSeq := backend.added[7]
	if secondSeq == firstSeq {
		t.Fatal("re-registration should have been assigned a fresh seq, not reused the old one")
	}

	backend.push(internal.Event{Seq: secondSeq, Events: Input})
	if _, ident, err := l.PollOnce(time.Second); err != nil || ident != PollCallback {
		t.Fatalf("PollOnce: ident=%d err=%v", ident, err)
	}
	if !secondCalled {
		t.Fatal("the second callback should still receive its own subsequent event")
	}
}

func TestRebuildReRegistersLiveRequests(t *testing.T) {
	l, backend := newTestLoop(t, looperopts.AllowNonCallbacks(true))

	if err := l.AddFd(5, 1, Input, nil, nil); err != nil {
		t.Fatalf("AddFd: %v", err)
	}

	l.rebuildNeeded.Store(true)
	_, ident, err := l.PollOnce(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if ident != PollWake {
		t.Fatalf("expected PollWake, got %d", ident)
	}
	if backend.resets != 1 {
		t.Fatalf("expected exactly one backend reset, got %d", backend.resets)
	}
	if _, ok := backend.added[5]; !ok {
		t.Fatal("fd 5 should have been re-added to the backend during rebuild")
	}
}
