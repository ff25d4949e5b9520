//go:build linux

package internal

import (
	"os"
	"syscall"
	"unsafe"
)

// EventFd is the Linux wake channel: a kernel counter fd. N writes
// before a drain coalesce into the fd staying readable exactly once,
// satisfying the counter-fd contract (§6.2 of the spec this engine
// implements).
type EventFd struct {
	fd int
}

func NewEventFd() (*EventFd, error) {
	fd, _, errno := syscall.Syscall(syscall.SYS_EVENTFD2, 0, syscall.O_NONBLOCK|syscall.O_CLOEXEC, 0)
	if errno != 0 {
		return nil, os.NewSyscallError("eventfd2", errno)
	}
	return &EventFd{fd: int(fd)}, nil
}

func (e *EventFd) FD() int { return e.fd }

// Wake posts a single increment. A non-blocking eventfd write only
// fails with EAGAIN once the 64-bit counter is saturated, which cannot
// happen at any realistic wake rate; any other error is fatal to the
// caller per the spec's error model.
func (e *EventFd) Wake() error {
	var inc uint64 = 1
	/* #nosec G103 -- reinterpreting a uint64 as its 8 little-endian bytes for a raw write */
	_, err := syscall.Write(e.fd, (*(*[8]byte)(unsafe.Pointer(&inc)))[:])
	if err != nil && err != syscall.EAGAIN {
		return os.NewSyscallError("eventfd write", err)
	}
	return nil
}

// Drain reads and discards the accumulated counter, returning the fd to
// a not-readable state. Read errors here are never fatal: a spurious
// wake with nothing to drain is normal.
func (e *EventFd) Drain() {
	var buf [8]byte
	for {
		_, err := syscall.Read(e.fd, buf[:])
		if err != nil {
			return
		}
	}
}

func (e *EventFd) Close() error {
	return syscall.Close(e.fd)
}
