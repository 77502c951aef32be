package peer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/netsteria/sst/internal/timer"
)

// RetryConfig drives persistent reconnection after a peer becomes
// unreachable.
type RetryConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int     // 0 means unlimited
	Jitter       float64 // fraction of the delay randomized
}

// DefaultRetryConfig returns sensible retry defaults: quick first
// retries backing off toward the once-a-minute persistent probe.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  0,
		Jitter:       0.2,
	}
}

// Retry schedules reconnection attempts for one peer with exponential
// backoff and jitter.
type Retry struct {
	cfg      RetryConfig
	clock    timer.Clock
	callback func()

	mu        sync.Mutex
	attempts  int
	nextDelay time.Duration
	handle    timer.Handle
	stopped   bool
}

// NewRetry creates a stopped retry engine.
func NewRetry(cfg RetryConfig, clock timer.Clock, callback func()) *Retry {
	return &Retry{
		cfg:       cfg,
		clock:     clock,
		callback:  callback,
		nextDelay: cfg.InitialDelay,
	}
}

// Schedule arms the next attempt. Repeated calls while armed are
// no-ops.
func (r *Retry) Schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.handle != nil {
		return
	}
	if r.cfg.MaxAttempts > 0 && r.attempts >= r.cfg.MaxAttempts {
		return
	}

	delay := r.jittered(r.nextDelay)
	r.nextDelay = time.Duration(float64(r.nextDelay) * r.cfg.Multiplier)
	if r.nextDelay > r.cfg.MaxDelay {
		r.nextDelay = r.cfg.MaxDelay
	}
	r.attempts++

	r.handle = r.clock.After(delay, func() {
		r.mu.Lock()
		r.handle = nil
		stopped := r.stopped
		r.mu.Unlock()
		if !stopped {
			r.callback()
		}
	})
}

// Reset clears backoff after a successful connection.
func (r *Retry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.nextDelay = r.cfg.InitialDelay
	if r.handle != nil {
		r.handle.Stop()
		r.handle = nil
	}
}

// Stop permanently disables the engine.
func (r *Retry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.handle != nil {
		r.handle.Stop()
		r.handle = nil
	}
}

func (r *Retry) jittered(d time.Duration) time.Duration {
	if r.cfg.Jitter <= 0 {
		return d
	}
	spread := float64(d) * r.cfg.Jitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
