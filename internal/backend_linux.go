//go:build linux

package internal

import (
	"encoding/binary"
	"os"
	"syscall"
	"unsafe"
)

// epollEvent mirrors struct epoll_event's wire layout: a uint32 event
// mask followed by an 8-byte opaque data field. The kernel never
// interprets Data; the engine stores the registration's Seq there
// (matching original_source/libutils/Looper.cpp's createEpollEvent),
// so a readiness notification never needs a side lookup table to learn
// which request it belongs to.
type epollEvent struct {
	events uint32
	data   [8]byte
}

func epollData(seq Seq) (out [8]byte) {
	binary.LittleEndian.PutUint64(out[:], uint64(seq))
	return
}

const (
	epollin  = uint32(syscall.EPOLLIN)
	epollout = uint32(syscall.EPOLLOUT)
	epollerr = uint32(syscall.EPOLLERR)
	epollhup = uint32(syscall.EPOLLHUP)
)

func toEpollMask(m EventMask) (out uint32) {
	if m&Input != 0 {
		out |= epollin
	}
	if m&Output != 0 {
		out |= epollout
	}
	return
}

func fromEpollMask(m uint32) (out EventMask) {
	if m&epollin != 0 {
		out |= Input
	}
	if m&epollout != 0 {
		out |= Output
	}
	if m&epollerr != 0 {
		out |= Error
	}
	if m&epollhup != 0 {
		out |= Hangup
	}
	return
}

// EpollBackend is the Linux Backend. epoll_ctl and epoll_wait are issued
// as raw syscalls rather than through the higher-level wrappers in
// package syscall (only epoll_create1 uses syscall.EpollCreate1), in
// keeping with the teacher's own poller (internal/poll_linux.go in the
// reference pack).
type EpollBackend struct {
	fd     int
	events []epollEvent
}

func NewEpollBackend(capacity int) (*EpollBackend, error) {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	fd, err := syscall.EpollCreate1(syscall.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &EpollBackend{fd: fd, events: make([]epollEvent, capacity)}, nil
}

func (b *EpollBackend) ctl(op int, fd int, mask EventMask, seq Seq) error {
	ev := epollEvent{events: toEpollMask(mask), data: epollData(seq)}
	_, _, errno := syscall.RawSyscall6(
		syscall.SYS_EPOLL_CTL,
		uintptr(b.fd), uintptr(op), uintptr(fd),
		uintptr(unsafe.Pointer(&ev)), 0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func (b *EpollBackend) Add(fd int, mask EventMask, seq Seq) error {
	return b.ctl(syscall.EPOLL_CTL_ADD, fd, mask, seq)
}

func (b *EpollBackend) Modify(fd int, mask EventMask, seq Seq) error {
	return b.ctl(syscall.EPOLL_CTL_MOD, fd, mask, seq)
}

func (b *EpollBackend) Remove(fd int) error {
	_, _, errno := syscall.RawSyscall6(
		syscall.SYS_EPOLL_CTL,
		uintptr(b.fd), uintptr(syscall.EPOLL_CTL_DEL), uintptr(fd),
		0, 0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func (b *EpollBackend) Wait(timeoutMs int, buf []Event) ([]Event, error) {
	n, _, errno := syscall.RawSyscall6(
		syscall.SYS_EPOLL_WAIT,
		uintptr(b.fd),
		uintptr(unsafe.Pointer(&b.events[0])),
		uintptr(len(b.events)),
		uintptr(timeoutMs),
		0, 0,
	)
	if errno != 0 {
		if errno == syscall.EINTR {
			return nil, ErrInterrupted
		}
		return nil, os.NewSyscallError("epoll_wait", errno)
	}
	if n == 0 {
		return nil, ErrTimeout
	}

	out := buf[:0]
	for i := 0; i < int(n); i++ {
		ev := &b.events[i]
		out = append(out, Event{
			Seq:    Seq(binary.LittleEndian.Uint64(ev.data[:])),
			Events: fromEpollMask(ev.events),
		})
	}
	return out, nil
}

func (b *EpollBackend) Reset(wakeFd int) error {
	if err := syscall.Close(b.fd); err != nil {
		return os.NewSyscallError("epoll close", err)
	}
	fd, err := syscall.EpollCreate1(syscall.EPOLL_CLOEXEC)
	if err != nil {
		return os.NewSyscallError("epoll_create1", err)
	}
	b.fd = fd
	return b.Add(wakeFd, Input, WakeSeq)
}

func (b *EpollBackend) Close() error {
	return syscall.Close(b.fd)
}
