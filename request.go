package looper

import "github.com/axloop/looper/internal"

// EventMask mirrors internal.EventMask in the package's public surface:
// a bitset over INPUT/OUTPUT/ERROR/HANGUP/INVALID readiness conditions.
type EventMask = internal.EventMask

const (
	Input   = internal.Input
	Output  = internal.Output
	Error   = internal.Error
	Hangup  = internal.Hangup
	Invalid = internal.InvalidEvent
)

// Seq is a strictly monotonic registration identifier, unique for the
// lifetime of a Loop. Seq 1 is permanently reserved for the wake
// channel and is never handed out by AddFd.
type Seq = internal.Seq

// Callback is invoked on readiness for a callback-mode registration.
// Returning false tells the loop to remove the registration; returning
// true keeps it armed for future events.
type Callback func(fd int, events EventMask, data any) bool

// callbackMode is the sentinel ident forced onto any registration that
// carries a callback. Manual-mode registrations use any ident >= 0.
const callbackMode = -2

// request is immutable once built; AddFd replaces the table entry
// wholesale rather than mutating one in place.
type request struct {
	fd       int
	ident    int
	events   EventMask
	callback Callback
	data     any
}

func (r *request) manual() bool {
	return r.callback == nil
}

// response is ephemeral: built during one pollInner pass and fully
// consumed (or dropped back into the manual-mode buffer) before that
// pass returns. It carries its own copy of the request so dispatch can
// proceed safely after the table entry has been replaced or removed by
// another goroutine.
type response struct {
	seq    Seq
	events EventMask
	req    request
}
