//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package internal

import (
	"os"
	"syscall"
)

// WakeShim emulates a counter fd on platforms without eventfd, via a
// pipe pair drained to empty on each Drain call. This is the secondary
// collaborator the spec calls out in §6.2: the engine only depends on
// the Wake/Drain contract, never on how the shim is built underneath,
// grounded on the socket-pair/pipe shim original_source/macport/eventfd.c
// uses to emulate eventfd on Darwin.
type WakeShim struct {
	readFd, writeFd int
}

func NewWakeShim() (*WakeShim, error) {
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		return nil, os.NewSyscallError("pipe", err)
	}
	if err := syscall.SetNonblock(fds[0], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return nil, os.NewSyscallError("pipe set_nonblock read", err)
	}
	if err := syscall.SetNonblock(fds[1], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return nil, os.NewSyscallError("pipe set_nonblock write", err)
	}
	return &WakeShim{readFd: fds[0], writeFd: fds[1]}, nil
}

func (w *WakeShim) FD() int { return w.readFd }

// Wake posts a single byte. Coalescing comes from Drain reading until
// the pipe is empty, not from suppressing the write, matching the
// "never block at a reasonable rate" half of the counter-fd contract.
func (w *WakeShim) Wake() error {
	var b [1]byte
	_, err := syscall.Write(w.writeFd, b[:])
	if err != nil && err != syscall.EAGAIN {
		return os.NewSyscallError("wake shim write", err)
	}
	return nil
}

func (w *WakeShim) Drain() {
	var buf [64]byte
	for {
		_, err := syscall.Read(w.readFd, buf[:])
		if err != nil {
			return
		}
	}
}

func (w *WakeShim) Close() error {
	if err := syscall.Close(w.readFd); err != nil {
		syscall.Close(w.writeFd)
		return err
	}
	return syscall.Close(w.writeFd)
}
