package looper

import (
	"runtime"
	"sync"

	"github.com/axloop/looper/loopererrors"
)

// ThreadBinding is the Go realization of the per-thread loop binding
// the original models with a hidden thread-local pointer. Go has no
// portable goroutine-local storage, so instead of faking one we make
// the binding an explicit token: a goroutine that wants "the looper
// for this thread" carries a *ThreadBinding the same way it would carry
// a context.Context, and pins itself to one OS thread for the binding's
// lifetime with runtime.LockOSThread.
//
// This is a deliberate generalization, not a literal port: there is no
// process-wide registry of bindings by thread id, because Go gives no
// safe way to key one.
type ThreadBinding struct {
	once   sync.Once
	loop   *Loop
	locked bool
}

// LockCurrentThread pins the calling goroutine to its current OS thread
// and returns a fresh, unbound ThreadBinding for it. The goroutine must
// not exit without eventually letting the binding go out of scope;
// runtime.UnlockOSThread is intentionally never called here, matching
// the expectation that a thread carrying a looper keeps that
// association for the rest of its life.
func LockCurrentThread() *ThreadBinding {
	runtime.LockOSThread()
	return &ThreadBinding{locked: true}
}

// Prepare creates a fresh Loop, binds it to the token, and returns it.
// Calling Prepare twice on the same binding is a programmer error and
// returns ErrNotOwner on the second call.
func (t *ThreadBinding) Prepare(opts ...LoopOption) (*Loop, error) {
	var loop *Loop
	var err error
	called := false
	t.once.Do(func() {
		called = true
		loop, err = NewLoop(opts...)
		if err == nil {
			t.loop = loop
		}
	})
	if !called {
		return nil, loopererrors.ErrNotOwner
	}
	return loop, err
}

// SetLoop binds an already-constructed Loop to the token, for the case
// where the loop was built elsewhere and handed off to this thread.
func (t *ThreadBinding) SetLoop(loop *Loop) {
	t.loop = loop
}

// Loop returns the loop bound to this token, or nil if none has been
// set via Prepare or SetLoop yet.
func (t *ThreadBinding) Loop() *Loop {
	return t.loop
}
