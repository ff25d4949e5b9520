package looper

import (
	"math"
	"time"
)

// now returns a monotonic nanosecond timestamp. time.Now() on every
// supported platform already reads the monotonic clock reading attached
// to the wall clock value; we only ever look at elapsed differences, so
// there is no wall-clock skew to worry about.
func now() time.Time {
	return time.Now()
}

// millisTimeout converts a deadline into a millisecond timeout suitable
// for Backend.Wait, clamping negative deltas to zero, rounding a partial
// millisecond up so the wait never ends before the deadline, and
// saturating at math.MaxInt32, mirroring toMillisecondTimeoutDelay in
// the original source this engine is modeled on.
func millisTimeout(reference time.Time, deadline time.Time) int {
	delta := deadline.Sub(reference)
	if delta <= 0 {
		return 0
	}
	if delta > time.Duration(math.MaxInt32)*time.Millisecond {
		return math.MaxInt32
	}
	return int((delta + time.Millisecond - 1) / time.Millisecond)
}
