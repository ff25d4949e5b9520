// Package internal holds the platform-specific machinery the looper
// engine is built on: the readiness backend (epoll/kqueue) and the
// wake channel (eventfd, or a pipe-pair shim where no counter fd
// exists), plus the raw TCP socket helpers used by cmd/looperctl. None
// of this package's types are exported outside the module; its callers
// are the engine in package looper and the cmd/looperctl demo.
package internal

// EventMask is a bitset over the readiness conditions the engine cares
// about: INPUT/OUTPUT are requestable, ERROR/HANGUP are always reported
// by the backend when the kernel surfaces them.
type EventMask uint32

const (
	Input EventMask = 1 << iota
	Output
	Error
	Hangup
	InvalidEvent
)

// Seq is a strictly monotonic registration identifier. Seq 1 is
// permanently reserved for the wake channel.
type Seq uint64

// WakeSeq is the sequence number under which the wake channel's read
// end is registered with the backend.
const WakeSeq Seq = 1

// MinCapacity is the minimum number of readiness events a single Wait
// call must be able to report, per the backend contract.
const MinCapacity = 16

// DefaultCapacity matches the teacher's own batch size for epoll_wait
// and kevent calls.
const DefaultCapacity = 128

// Event is one readiness notification returned from Backend.Wait: the
// seq it was registered under and the observed event subset.
type Event struct {
	Seq    Seq
	Events EventMask
}

// Backend abstracts a kernel readiness multiplexer (epoll or kqueue).
// All methods except Wait are safe to call concurrently with an
// in-progress Wait from another goroutine; Wait itself must only be
// called by the owning goroutine.
type Backend interface {
	// Add registers fd for the given mask under seq. Returns an error
	// wrapping syscall.ENOENT-class codes so callers can branch on them
	// with errors.Is.
	Add(fd int, mask EventMask, seq Seq) error

	// Modify changes the mask registered for fd and files it under seq.
	Modify(fd int, mask EventMask, seq Seq) error

	// Remove deregisters fd entirely.
	Remove(fd int) error

	// Wait blocks for up to timeoutMs milliseconds (negative means
	// forever, zero means a non-blocking poll) and returns the events
	// observed, appended to buf[:0], up to the capacity the backend was
	// constructed with.
	// Returns ErrTimeout if the deadline passed with nothing ready and
	// ErrInterrupted if a signal broke the wait early.
	Wait(timeoutMs int, buf []Event) ([]Event, error)

	// Reset discards and recreates the underlying multiplexer, used to
	// recover from a descriptor-recycling race (see the engine's
	// rebuild logic). wakeFd is re-registered under WakeSeq as part of
	// the reset.
	Reset(wakeFd int) error

	// Close releases the backend's kernel resources.
	Close() error
}
