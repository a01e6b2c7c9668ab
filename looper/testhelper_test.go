package looper

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d, then fires every due timer, in deadline
// order, on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.when.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// active returns the number of timers that are neither stopped nor fired.
func (c *fakeClock) active() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var r []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			r = append(r, t)
		}
	}
	return r
}

// barrier waits until everything posted to l so far has run.
func barrier(t testing.TB, l *Looper) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, l.Post(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal(`timed out waiting for looper`)
	}
}

func startLooper(t testing.TB) *Looper {
	t.Helper()
	l := StartLooperThread(t.Name())
	t.Cleanup(func() {
		l.Quit()
		<-l.Done()
	})
	return l
}
