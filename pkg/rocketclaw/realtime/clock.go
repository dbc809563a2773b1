package realtime

import "time"

// Timer is a cancellable scheduled call. Stopping a timer that already fired
// or was never started is a no-op.
type Timer interface {
	Stop() bool
}

// Clock abstracts timer scheduling so tests can drive reconnect backoff and
// keep-alive with a virtual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// NewClock returns the wall clock.
func NewClock() Clock { return realClock{} }
