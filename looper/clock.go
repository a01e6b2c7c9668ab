package looper

import (
	"time"
)

type (
	// Clock abstracts time for Handler scheduling.
	Clock interface {
		Now() time.Time
		// AfterFunc calls f on its own goroutine once d has elapsed.
		AfterFunc(d time.Duration, f func()) Timer
	}

	// Timer is a pending AfterFunc call.
	Timer interface {
		// Stop prevents the timer from firing, returning false if it already
		// fired or was stopped.
		Stop() bool
	}

	realClock struct{}
)

// SystemClock is the default Clock, backed by package time.
var SystemClock Clock = realClock{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
