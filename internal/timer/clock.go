// Package timer provides retransmission timers on a pluggable clock,
// so protocol state machines run identically on wall time and on the
// virtual time used by the network simulator.
package timer

import (
	"sync"
	"time"
)

// Handle cancels a pending callback scheduled through a Clock.
type Handle interface {
	// Stop cancels the callback if it has not fired yet.
	// It reports whether the callback was still pending.
	Stop() bool
}

// Clock abstracts time for the transport. All protocol timers and
// timestamps go through a Clock so tests can drive virtual time.
type Clock interface {
	Now() time.Time
	After(d time.Duration, f func()) Handle
}

// RealClock is the wall-clock implementation used outside tests.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) After(d time.Duration, f func()) Handle {
	return realHandle{time.AfterFunc(d, f)}
}

type realHandle struct{ t *time.Timer }

func (h realHandle) Stop() bool { return h.t.Stop() }

// Timer is a retransmission timer with exponential backoff between a
// soft interval and a hard failure deadline. On each expiry it invokes
// OnTimeout with failed=true once the total time since Start reaches
// FailMax. The callback runs on the clock's timer context; Timer
// serializes Start/Stop against callback delivery.
type Timer struct {
	Clock     Clock
	OnTimeout func(failed bool)

	// RetryMin is the initial expiry interval, RetryMax the backoff
	// ceiling, FailMax the hard deadline since Start.
	RetryMin time.Duration
	RetryMax time.Duration
	FailMax  time.Duration

	mu      sync.Mutex
	handle  Handle
	ival    time.Duration
	started time.Time
	active  bool
	failed  bool
}

// Default timer bounds.
const (
	DefaultRetryMin = 500 * time.Millisecond
	DefaultRetryMax = time.Minute
	DefaultFailMax  = 20 * time.Second
)

// NewTimer creates a stopped timer with default bounds.
func NewTimer(clock Clock, onTimeout func(failed bool)) *Timer {
	return &Timer{
		Clock:     clock,
		OnTimeout: onTimeout,
		RetryMin:  DefaultRetryMin,
		RetryMax:  DefaultRetryMax,
		FailMax:   DefaultFailMax,
	}
}

// Start arms the timer with the minimum interval, resetting backoff
// and failure state.
func (t *Timer) Start() {
	t.StartInterval(t.RetryMin)
}

// StartInterval arms the timer with a specific first interval.
func (t *Timer) StartInterval(ival time.Duration) {
	if ival < t.RetryMin {
		ival = t.RetryMin
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.ival = ival
	t.started = t.Clock.Now()
	t.failed = false
	t.active = true
	t.handle = t.Clock.After(ival, t.expire)
}

// Restart re-arms the timer with doubled interval, preserving the
// original start time for failure accounting. The next expiry is never
// scheduled past the FailMax deadline, so failure is reported there.
func (t *Timer) Restart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.ival *= 2
	if t.ival > t.RetryMax {
		t.ival = t.RetryMax
	}
	if t.ival < t.RetryMin {
		t.ival = t.RetryMin
	}
	if t.FailMax > 0 {
		left := t.FailMax - t.Clock.Now().Sub(t.started)
		if left > 0 && t.ival > left {
			t.ival = left
		}
	}
	t.active = true
	t.handle = t.Clock.After(t.ival, t.expire)
}

// Stop disarms the timer.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Timer) stopLocked() {
	if t.handle != nil {
		t.handle.Stop()
		t.handle = nil
	}
	t.active = false
}

// Active reports whether the timer is armed.
func (t *Timer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Failed reports whether the timer has passed its hard deadline.
func (t *Timer) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// Elapsed returns the time since the timer was last started.
func (t *Timer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Clock.Now().Sub(t.started)
}

func (t *Timer) expire() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.handle = nil
	elapsed := t.Clock.Now().Sub(t.started)
	failed := t.FailMax > 0 && elapsed >= t.FailMax
	t.failed = failed
	cb := t.OnTimeout
	t.mu.Unlock()

	if cb != nil {
		cb(failed)
	}
}
