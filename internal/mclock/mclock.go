// Package mclock provides a monotonic clock abstraction so the rate
// limiter can be driven by a fake clock in tests. It mirrors the
// role the teacher's common/mclock package plays for p2p.Server: a thin
// seam over time.Now()/time.Since() that production code never has a
// reason to swap out, but tests do.
package mclock

import "time"

// AbsTime is a point in monotonic time, comparable and subtractable like
// time.Time but without a wall-clock component.
type AbsTime time.Duration

// Sub returns t-t2.
func (t AbsTime) Sub(t2 AbsTime) time.Duration {
	return time.Duration(t - t2)
}

// Add returns t+d.
func (t AbsTime) Add(d time.Duration) AbsTime {
	return t + AbsTime(d)
}

// Clock abstracts over system time for components that need it.
type Clock interface {
	Now() AbsTime
	Sleep(time.Duration)
}

// System is a Clock that uses the real monotonic system clock.
type System struct{}

var start = time.Now()

// Now returns the current monotonic time relative to process start.
func (System) Now() AbsTime {
	return AbsTime(time.Since(start))
}

// Sleep blocks the calling goroutine for d, restarting if interrupted is
// not a concern in Go (time.Sleep is not interruptible by signals the way
// nanosleep is), matching the "restartable on interrupt" requirement of
// spec.md §4.11 trivially.
func (System) Sleep(d time.Duration) {
	time.Sleep(d)
}

var _ Clock = System{}
