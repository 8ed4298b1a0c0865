package poller

import "time"

// Clock abstracts the time operations the poller schedules with.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine after d. It never calls f
	// synchronously.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	Stop() bool
}

// RealClock uses the time package.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
