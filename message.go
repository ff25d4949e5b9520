package looper

import (
	"sort"
	"time"
	"weak"
)

// Message is the payload carried by a timed, in-loop callback: a small
// discriminator (What) plus an arbitrary argument.
type Message struct {
	What int32
	Arg  any
}

// Handler receives messages sent via Loop.SendMessage and its variants.
type Handler interface {
	HandleMessage(Message)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(Message)

func (f HandlerFunc) HandleMessage(m Message) { f(m) }

// WeakMessageHandler wraps a Handler behind a weak pointer so that
// scheduling a delayed message never keeps the target alive on its own.
// This is the Go realization of the "weak handler" design note (§9):
// a (weak reference, upgrade-on-dispatch) pair rather than a reproduced
// smart-pointer class hierarchy, built directly on the stdlib weak
// package.
type WeakMessageHandler struct {
	ptr weak.Pointer[weakHandlerSlot]
}

type weakHandlerSlot struct {
	Handler Handler
}

// NewWeakMessageHandler takes a strong reference to target and returns
// a Handler that only promotes to a strong reference for the duration
// of one HandleMessage call, via the slot returned alongside it. The
// caller must keep slot alive for as long as target should remain
// reachable through the weak handler.
func NewWeakMessageHandler(target Handler) (*WeakMessageHandler, *weakHandlerSlot) {
	slot := &weakHandlerSlot{Handler: target}
	return &WeakMessageHandler{ptr: weak.Make(slot)}, slot
}

func (w *WeakMessageHandler) HandleMessage(m Message) {
	if slot := w.ptr.Value(); slot != nil {
		slot.Handler.HandleMessage(m)
	}
}

// envelope pairs a handler+message with the uptime it's due.
type envelope struct {
	uptime  time.Time
	handler Handler
	message Message
}

// messageQueue is a slice kept sorted ascending by uptime, with FIFO
// order preserved among equal uptimes, matching the invariant in §3.
// A sorted slice is the right structure at the scale a single loop's
// queue operates at (per the source's own "sorted array works at small
// scale" design note); a heap would trade simpler insertion for harder
// FIFO-among-ties bookkeeping.
type messageQueue struct {
	envelopes []envelope
}

// insert returns the index the envelope landed at, so the caller can
// decide whether a wake is needed (only index 0 shortens the next
// wakeup).
func (q *messageQueue) insert(e envelope) int {
	i := sort.Search(len(q.envelopes), func(i int) bool {
		return q.envelopes[i].uptime.After(e.uptime)
	})
	q.envelopes = append(q.envelopes, envelope{})
	copy(q.envelopes[i+1:], q.envelopes[i:])
	q.envelopes[i] = e
	return i
}

func (q *messageQueue) empty() bool {
	return len(q.envelopes) == 0
}

func (q *messageQueue) peek() envelope {
	return q.envelopes[0]
}

func (q *messageQueue) popFront() {
	q.envelopes = q.envelopes[1:]
}

// removeMatching removes every envelope for which match returns true,
// walking back-to-front so earlier indices stay valid as later ones are
// removed, matching removeMessages in §4.6.
func (q *messageQueue) removeMatching(match func(envelope) bool) {
	for i := len(q.envelopes) - 1; i >= 0; i-- {
		if match(q.envelopes[i]) {
			q.envelopes = append(q.envelopes[:i], q.envelopes[i+1:]...)
		}
	}
}
