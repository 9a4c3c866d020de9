// Package clock abstracts wall time so window timers can be driven by tests.
package clock

import "time"

// Timer is a pending AfterFunc call
type Timer interface {
	// Stop prevents the call from firing. It reports whether it was still pending.
	Stop() bool
}

// Clock provides the current time and deferred calls
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the system clock
type Real struct{}

var _ Clock = Real{}

// Now returns the current UTC time
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc runs f in its own goroutine after d
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
