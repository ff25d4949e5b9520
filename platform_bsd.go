//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package looper

import "github.com/axloop/looper/internal"

func newBackend(capacity int) (internal.Backend, error) {
	return internal.NewKqueueBackend(capacity)
}

func newWakeChannel() (wakeChannel, error) {
	return internal.NewWakeShim()
}
