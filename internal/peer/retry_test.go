package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/netsteria/sst/internal/sim"
)

func TestRetryBackoff(t *testing.T) {
	clock := sim.NewClock()
	var mu sync.Mutex
	var fired []time.Time

	cfg := RetryConfig{
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
		Jitter:       0, // deterministic intervals for the assertion
	}
	var r *Retry
	r = NewRetry(cfg, clock, func() {
		mu.Lock()
		fired = append(fired, clock.Now())
		mu.Unlock()
		r.Schedule()
	})

	start := clock.Now()
	r.Schedule()
	clock.Advance(40 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) < 4 {
		t.Fatalf("fired %d times in 40s", len(fired))
	}
	// Expected at 1s, 3s, 7s, 15s (1+2+4+8 cumulative).
	wantOffsets := []time.Duration{1 * time.Second, 3 * time.Second, 7 * time.Second, 15 * time.Second}
	for i, want := range wantOffsets {
		if got := fired[i].Sub(start); got != want {
			t.Errorf("attempt %d at +%v, want +%v", i, got, want)
		}
	}
}

func TestRetryResetAndStop(t *testing.T) {
	clock := sim.NewClock()
	count := 0
	r := NewRetry(RetryConfig{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	}, clock, func() { count++ })

	r.Schedule()
	r.Reset() // cancels the pending attempt
	clock.Advance(10 * time.Second)
	if count != 0 {
		t.Fatalf("reset did not cancel: %d fires", count)
	}

	r.Schedule()
	r.Stop()
	clock.Advance(10 * time.Second)
	if count != 0 {
		t.Fatalf("stop did not cancel: %d fires", count)
	}

	r.Schedule() // after Stop: permanently dead
	clock.Advance(10 * time.Second)
	if count != 0 {
		t.Errorf("stopped retry fired %d times", count)
	}
}

func TestRetryMaxAttempts(t *testing.T) {
	clock := sim.NewClock()
	count := 0
	var r *Retry
	r = NewRetry(RetryConfig{
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
		Multiplier:   1.0,
		MaxAttempts:  3,
	}, clock, func() { count++; r.Schedule() })

	r.Schedule()
	clock.Advance(time.Minute)
	if count != 3 {
		t.Errorf("fired %d times, want exactly 3", count)
	}
}
