package looper

import (
	"testing"
	"time"
)

type recordingHandler struct {
	got []Message
}

func (h *recordingHandler) HandleMessage(m Message) {
	h.got = append(h.got, m)
}

func TestMessageQueueOrdersByUptime(t *testing.T) {
	q := &messageQueue{}
	base := time.Unix(0, 0)
	h := &recordingHandler{}

	q.insert(envelope{uptime: base.Add(30 * time.Millisecond), handler: h, message: Message{What: 3}})
	q.insert(envelope{uptime: base.Add(10 * time.Millisecond), handler: h, message: Message{What: 1}})
	q.insert(envelope{uptime: base.Add(20 * time.Millisecond), handler: h, message: Message{What: 2}})

	var order []int32
	for !q.empty() {
		order = append(order, q.peek().message.What)
		q.popFront()
	}

	want := []int32{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("wrong length: got %v want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("wrong order: got %v want %v", order, want)
		}
	}
}

func TestMessageQueueFIFOAmongEqualUptimes(t *testing.T) {
	q := &messageQueue{}
	tie := time.Unix(0, 0).Add(5 * time.Millisecond)
	h := &recordingHandler{}

	for i := int32(0); i < 5; i++ {
		q.insert(envelope{uptime: tie, handler: h, message: Message{What: i}})
	}

	for i := int32(0); i < 5; i++ {
		if q.peek().message.What != i {
			t.Fatalf("expected FIFO order, got %d at position %d", q.peek().message.What, i)
		}
		q.popFront()
	}
}

func TestMessageQueueInsertReturnsHeadIndex(t *testing.T) {
	q := &messageQueue{}
	base := time.Unix(0, 0)
	h := &recordingHandler{}

	if idx := q.insert(envelope{uptime: base.Add(time.Second), handler: h}); idx != 0 {
		t.Fatalf("first insert should land at index 0, got %d", idx)
	}
	if idx := q.insert(envelope{uptime: base.Add(2 * time.Second), handler: h}); idx != 1 {
		t.Fatalf("later envelope should land after the first, got %d", idx)
	}
	if idx := q.insert(envelope{uptime: base, handler: h}); idx != 0 {
		t.Fatalf("earlier envelope should become the new head, got %d", idx)
	}
}

func TestMessageQueueRemoveMatching(t *testing.T) {
	q := &messageQueue{}
	base := time.Unix(0, 0)
	a, b := &recordingHandler{}, &recordingHandler{}

	q.insert(envelope{uptime: base, handler: a, message: Message{What: 1}})
	q.insert(envelope{uptime: base.Add(time.Millisecond), handler: b, message: Message{What: 1}})
	q.insert(envelope{uptime: base.Add(2 * time.Millisecond), handler: a, message: Message{What: 2}})

	q.removeMatching(func(e envelope) bool { return e.handler == a && e.message.What == 1 })

	if len(q.envelopes) != 2 {
		t.Fatalf("expected 2 remaining envelopes, got %d", len(q.envelopes))
	}
	for _, e := range q.envelopes {
		if e.handler == a && e.message.What == 1 {
			t.Fatal("matching envelope was not removed")
		}
	}
}

func TestWeakMessageHandlerDispatchesWhileSlotAlive(t *testing.T) {
	target := &recordingHandler{}
	weakHandler, slot := NewWeakMessageHandler(target)

	weakHandler.HandleMessage(Message{What: 7})
	if len(target.got) != 1 || target.got[0].What != 7 {
		t.Fatalf("expected message to reach target, got %v", target.got)
	}
	runtimeKeepAlive(slot)
}

// runtimeKeepAlive exists only to give the slot an obvious last use in
// this test, since its sole purpose is keeping target reachable through
// the weak pointer for the HandleMessage call above.
func runtimeKeepAlive(v any) {}
