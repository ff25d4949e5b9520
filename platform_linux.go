//go:build linux

package looper

import "github.com/axloop/looper/internal"

func newBackend(capacity int) (internal.Backend, error) {
	return internal.NewEpollBackend(capacity)
}

func newWakeChannel() (wakeChannel, error) {
	return internal.NewEventFd()
}
