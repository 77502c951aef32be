// Package sim provides a deterministic in-process network for tests:
// virtual time, seeded randomness, and links with configurable loss,
// duplication, reordering, and delay.
package sim

import (
	"container/heap"
	"sync"
	"time"

	"github.com/netsteria/sst/internal/timer"
)

// simEpoch is the fixed virtual start time; fixed so runs are
// reproducible byte for byte.
var simEpoch = time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)

type event struct {
	at  time.Time
	seq uint64 // tie-break: schedule order
	fn  func()

	canceled bool
	index    int
}

type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *eventHeap) Push(x any) {
	ev := x.(*event)
	ev.index = len(*h)
	*h = append(*h, ev)
}
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ev
}

// Clock is a virtual timer.Clock. Scheduled callbacks run only inside
// Advance/Run, in strict timestamp order, on the advancing goroutine.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	events eventHeap
	seq    uint64
}

// NewClock creates a clock at the simulation epoch.
func NewClock() *Clock {
	return &Clock{now: simEpoch}
}

// Now returns the current virtual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After schedules f to run d from now.
func (c *Clock) After(d time.Duration, f func()) timer.Handle {
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	ev := &event{at: c.now.Add(d), seq: c.seq, fn: f}
	heap.Push(&c.events, ev)
	return &simHandle{c: c, ev: ev}
}

type simHandle struct {
	c  *Clock
	ev *event
}

func (h *simHandle) Stop() bool {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if h.ev.canceled {
		return false
	}
	h.ev.canceled = true
	return true
}

// Advance runs all events scheduled within the next d of virtual time,
// in order, then sets the clock to now+d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	deadline := c.now.Add(d)
	for {
		if len(c.events) == 0 || c.events[0].at.After(deadline) {
			break
		}
		ev := heap.Pop(&c.events).(*event)
		if ev.canceled {
			continue
		}
		if ev.at.After(c.now) {
			c.now = ev.at
		}
		c.mu.Unlock()
		ev.fn()
		c.mu.Lock()
	}
	if deadline.After(c.now) {
		c.now = deadline
	}
	c.mu.Unlock()
}

// Run advances in small steps until cond holds or max virtual time
// passes; it reports whether cond held.
func (c *Clock) Run(cond func() bool, step, max time.Duration) bool {
	if step <= 0 {
		step = time.Millisecond
	}
	for elapsed := time.Duration(0); elapsed < max; elapsed += step {
		if cond() {
			return true
		}
		c.Advance(step)
	}
	return cond()
}
