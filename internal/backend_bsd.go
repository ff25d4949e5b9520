//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package internal

import (
	"os"
	"syscall"
	"unsafe"
)

// KqueueBackend is the BSD/Darwin Backend. kqueue has no single "mask"
// concept like epoll — each direction is its own filter object — so
// Add/Modify/Remove issue one EV_ADD/EV_DELETE kevent per requested
// direction and the engine sees this as one logical operation, per the
// spec's backend abstraction note (§4.2).
type KqueueBackend struct {
	kq        int
	eventlist []syscall.Kevent_t
}

func NewKqueueBackend(capacity int) (*KqueueBackend, error) {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	kq, err := syscall.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	return &KqueueBackend{
		kq:        kq,
		eventlist: make([]syscall.Kevent_t, capacity),
	}, nil
}

func seqUdata(seq Seq) *byte {
	return (*byte)(unsafe.Pointer(uintptr(seq)))
}

func udataSeq(p *byte) Seq {
	return Seq(uintptr(unsafe.Pointer(p)))
}

func (b *KqueueBackend) change(fd int, filter int16, flags uint16, seq Seq) error {
	ev := syscall.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  flags,
		Udata:  seqUdata(seq),
	}
	_, err := syscall.Kevent(b.kq, []syscall.Kevent_t{ev}, nil, nil)
	if err != nil {
		return err
	}
	return nil
}

func (b *KqueueBackend) apply(fd int, mask EventMask, seq Seq, flags uint16) error {
	if mask&Input != 0 {
		if err := b.change(fd, syscall.EVFILT_READ, flags, seq); err != nil {
			return err
		}
	}
	if mask&Output != 0 {
		if err := b.change(fd, syscall.EVFILT_WRITE, flags, seq); err != nil {
			return err
		}
	}
	return nil
}

func (b *KqueueBackend) Add(fd int, mask EventMask, seq Seq) error {
	return b.apply(fd, mask, seq, syscall.EV_ADD|syscall.EV_ENABLE)
}

func (b *KqueueBackend) Modify(fd int, mask EventMask, seq Seq) error {
	// kqueue has no in-place "modify": re-adding with EV_ADD overwrites
	// the existing registration for that (ident, filter) pair, and a
	// direction no longer in mask is deleted (an error there only means
	// it was not registered).
	if err := b.apply(fd, mask, seq, syscall.EV_ADD|syscall.EV_ENABLE); err != nil {
		return err
	}
	if mask&Input == 0 {
		_ = b.change(fd, syscall.EVFILT_READ, syscall.EV_DELETE, seq)
	}
	if mask&Output == 0 {
		_ = b.change(fd, syscall.EVFILT_WRITE, syscall.EV_DELETE, seq)
	}
	return nil
}

// Remove deregisters both directions for fd, one EV_DELETE per filter;
// it succeeds if either direction was registered. Per the spec's
// resolved open question, the delete event is built against the
// subscribed fd, not the kqueue's own fd (the original source's use of
// its own kqueue fd there is a transcription bug, not carried forward
// here).
func (b *KqueueBackend) Remove(fd int) error {
	errRead := b.change(fd, syscall.EVFILT_READ, syscall.EV_DELETE, 0)
	errWrite := b.change(fd, syscall.EVFILT_WRITE, syscall.EV_DELETE, 0)
	if errRead == nil || errWrite == nil {
		return nil
	}
	return errRead
}

func (b *KqueueBackend) Wait(timeoutMs int, buf []Event) ([]Event, error) {
	var timeout *syscall.Timespec
	if timeoutMs >= 0 {
		ts := syscall.NsecToTimespec(int64(timeoutMs) * 1e6)
		timeout = &ts
	}

	n, err := syscall.Kevent(b.kq, nil, b.eventlist, timeout)
	if err != nil {
		if err == syscall.EINTR {
			return nil, ErrInterrupted
		}
		return nil, os.NewSyscallError("kevent", err)
	}
	if n == 0 {
		return nil, ErrTimeout
	}

	out := buf[:0]
	for i := 0; i < n; i++ {
		ev := &b.eventlist[i]
		seq := udataSeq(ev.Udata)

		var mask EventMask
		switch ev.Filter {
		case syscall.EVFILT_READ:
			mask |= Input
		case syscall.EVFILT_WRITE:
			mask |= Output
		}
		if ev.Flags&syscall.EV_ERROR != 0 {
			mask |= Error
		}
		if ev.Flags&syscall.EV_EOF != 0 {
			mask |= Hangup
		}

		out = append(out, Event{Seq: seq, Events: mask})
	}
	return out, nil
}

func (b *KqueueBackend) Reset(wakeFd int) error {
	if err := syscall.Close(b.kq); err != nil {
		return os.NewSyscallError("kqueue close", err)
	}
	kq, err := syscall.Kqueue()
	if err != nil {
		return os.NewSyscallError("kqueue", err)
	}
	b.kq = kq
	return b.change(wakeFd, syscall.EVFILT_READ, syscall.EV_ADD|syscall.EV_ENABLE, WakeSeq)
}

func (b *KqueueBackend) Close() error {
	return syscall.Close(b.kq)
}
