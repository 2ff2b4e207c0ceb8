// Package clock abstracts the time operations the keeper depends on so that
// token expiry and consent eviction can be tested deterministically.
package clock

import "time"

// Clock is injected into services that read the time or schedule callbacks.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f after d elapses. Stop on the returned Timer cancels
	// the call if it has not happened yet.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer cancels a scheduled callback.
type Timer interface {
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
