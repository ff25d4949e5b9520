//go:build darwin || netbsd || freebsd || openbsd || dragonfly || linux

package internal

import (
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ListenBacklog = 2048

	ErrConnectTimeout = errors.New("internal: connect timed out")
)

// CreateSocket, ConnectTCP, and ListenTCP back the small TCP demo harness in
// cmd/looperctl: they hand the engine a raw, non-blocking fd to
// register with AddFd rather than going through net.Listener, the way
// the teacher's own internal/socket_unix.go talks to the kernel
// directly instead of through package net.
func CreateSocket(addr net.Addr) (int, error) {
	var domain, typ int

	switch addr := addr.(type) {
	case *net.TCPAddr:
		domain, typ = syscall.AF_INET, syscall.SOCK_STREAM
		if len(addr.Zone) != 0 {
			domain = syscall.AF_INET6
		}
	case *net.UDPAddr:
		domain, typ = syscall.AF_INET, syscall.SOCK_DGRAM
		if len(addr.Zone) != 0 {
			domain = syscall.AF_INET6
		}
	default:
		return -1, fmt.Errorf("unknown address type: %s", reflect.TypeOf(addr))
	}

	fd, err := syscall.Socket(domain, typ, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

func ConnectTCP(network, addr string, timeout time.Duration) (fd int, localAddr, remoteAddr net.Addr, err error) {
	remoteAddr, err = net.ResolveTCPAddr(network, addr)
	if err != nil {
		return -1, nil, nil, err
	}

	fd, err = CreateSocket(remoteAddr)
	if err != nil {
		return -1, nil, nil, err
	}

	if err = SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return -1, nil, nil, err
	}
	if err = SetNoDelay(fd, true); err != nil {
		syscall.Close(fd)
		return -1, nil, nil, err
	}

	err = syscall.Connect(fd, ToSockaddr(remoteAddr))
	if err != nil {
		// non-blocking connect: finish via select, per
		// https://man7.org/linux/man-pages/man2/connect.2.html#EINPROGRESS
		if err != syscall.EINPROGRESS && err != syscall.EAGAIN {
			syscall.Close(fd)
			return -1, nil, nil, os.NewSyscallError("connect", err)
		}

		var fds unix.FdSet
		fds.Set(fd)
		t := unix.NsecToTimeval(timeout.Nanoseconds())

		n, selErr := unix.Select(fd+1, nil, &fds, nil, &t)
		if selErr != nil {
			syscall.Close(fd)
			return -1, nil, nil, os.NewSyscallError("select", selErr)
		}
		if n == 0 {
			syscall.Close(fd)
			return -1, nil, nil, ErrConnectTimeout
		}

		if _, gErr := syscall.GetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_ERROR); gErr != nil {
			syscall.Close(fd)
			return -1, nil, nil, os.NewSyscallError("getsockopt", gErr)
		}
	}

	localAddr, err = SocketAddress(fd)
	return
}

func ListenTCP(network, addr string, reusePort bool) (fd int, err error) {
	localAddr, err := net.ResolveTCPAddr(network, addr)
	if err != nil {
		return -1, err
	}

	fd, err = CreateSocket(localAddr)
	if err != nil {
		return -1, err
	}

	if err = SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return -1, err
	}
	if err = SetReuseAddr(fd, true); err != nil {
		syscall.Close(fd)
		return -1, err
	}
	if reusePort {
		if err = SetReusePort(fd, true); err != nil {
			syscall.Close(fd)
			return -1, err
		}
	}

	if err = syscall.Bind(fd, ToSockaddr(localAddr)); err != nil {
		syscall.Close(fd)
		return -1, os.NewSyscallError("bind", err)
	}
	if err = syscall.Listen(fd, ListenBacklog); err != nil {
		syscall.Close(fd)
		return -1, os.NewSyscallError("listen", err)
	}
	return fd, nil
}

func SetNonblock(fd int, v bool) error {
	if err := syscall.SetNonblock(fd, v); err != nil {
		return os.NewSyscallError(fmt.Sprintf("set_nonblock(%v)", v), err)
	}
	return nil
}

func SetReuseAddr(fd int, v bool) error {
	return setBoolOpt(fd, syscall.SOL_SOCKET, unix.SO_REUSEADDR, v, "reuse_addr")
}

func SetReusePort(fd int, v bool) error {
	return setBoolOpt(fd, syscall.SOL_SOCKET, unix.SO_REUSEPORT, v, "reuse_port")
}

func SetNoDelay(fd int, v bool) error {
	return setBoolOpt(fd, syscall.IPPROTO_TCP, syscall.TCP_NODELAY, v, "tcp_nodelay")
}

func setBoolOpt(fd, level, name int, v bool, label string) error {
	iv := 0
	if v {
		iv = 1
	}
	if err := syscall.SetsockoptInt(fd, level, name, iv); err != nil {
		return os.NewSyscallError(fmt.Sprintf("%s(%v)", label, v), err)
	}
	return nil
}

func SocketAddress(fd int) (net.Addr, error) {
	addr, err := syscall.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	return FromSockaddr(addr), nil
}
