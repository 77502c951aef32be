package flow

import (
	"time"
)

// CCMode selects the congestion control algorithm for a channel.
type CCMode int

const (
	CCReno CCMode = iota
	CCVegas
	CCPower
	CCFixed
)

// ParseCCMode maps a configuration string to a CCMode.
func ParseCCMode(s string) (CCMode, bool) {
	switch s {
	case "", "reno":
		return CCReno, true
	case "vegas":
		return CCVegas, true
	case "power":
		return CCPower, true
	case "fixed":
		return CCFixed, true
	default:
		return CCReno, false
	}
}

func (m CCMode) String() string {
	switch m {
	case CCReno:
		return "reno"
	case CCVegas:
		return "vegas"
	case CCPower:
		return "power"
	case CCFixed:
		return "fixed"
	default:
		return "unknown"
	}
}

// Congestion window bounds.
const (
	cwndMin uint32 = 2
	cwndMax uint32 = 1 << 20
)

// CongestionControl is the pluggable controller a channel consults for
// its transmit window. The channel feeds it acknowledgment, loss, and
// round-trip observations; the controller maintains the window.
type CongestionControl interface {
	// Window returns the current congestion window in packets.
	Window() uint32

	// OnAcked records n newly acknowledged packets.
	OnAcked(n int)

	// OnMissed records n packets inferred lost from ACK gaps.
	OnMissed(n int)

	// OnTimeout records a retransmission-timer expiry.
	OnTimeout()

	// OnRoundTrip records one completed round-trip measurement and
	// how many packets were sent and acknowledged within it.
	OnRoundTrip(rtt time.Duration, sent, acked int)

	// ClampToFlight reports whether the channel should additionally
	// clamp the window to twice the packets currently outstanding.
	// Fixed-rate links opt out so low utilization cannot shrink a
	// reserved window.
	ClampToFlight() bool

	// Reset restores the initial state.
	Reset()
}

func clampWindow(w uint32) uint32 {
	if w < cwndMin {
		return cwndMin
	}
	if w > cwndMax {
		return cwndMax
	}
	return w
}

// NewCongestionControl constructs the controller for a mode. fixedWnd
// is only consulted in CCFixed mode.
func NewCongestionControl(mode CCMode, fixedWnd uint32) CongestionControl {
	switch mode {
	case CCVegas:
		return newVegas()
	case CCPower:
		return newPower()
	case CCFixed:
		return &fixedCC{wnd: clampWindow(fixedWnd)}
	default:
		return newReno()
	}
}

// renoCC is TCP-style slow start and congestion avoidance.
type renoCC struct {
	cwnd     uint32
	ssthresh uint32
	acc      uint32 // fractional window growth in congestion avoidance
}

func newReno() *renoCC {
	r := &renoCC{}
	r.Reset()
	return r
}

func (r *renoCC) Reset() {
	r.cwnd = cwndMin
	r.ssthresh = cwndMax
	r.acc = 0
}

func (r *renoCC) Window() uint32      { return clampWindow(r.cwnd) }
func (r *renoCC) ClampToFlight() bool { return true }

func (r *renoCC) OnAcked(n int) {
	for i := 0; i < n; i++ {
		if r.cwnd < r.ssthresh {
			r.cwnd++ // slow start: one packet per ACK
			continue
		}
		// Congestion avoidance: one packet per window per RTT.
		r.acc++
		if r.acc >= r.cwnd {
			r.acc = 0
			r.cwnd++
		}
	}
	r.cwnd = clampWindow(r.cwnd)
}

func (r *renoCC) OnMissed(n int) {
	if n <= 0 {
		return
	}
	r.ssthresh = clampWindow(r.cwnd / 2)
	r.cwnd = r.ssthresh
}

func (r *renoCC) OnTimeout() {
	r.ssthresh = clampWindow(r.cwnd / 2)
	r.cwnd = cwndMin
	r.acc = 0
}

func (r *renoCC) OnRoundTrip(time.Duration, int, int) {}

// vegasCC is Reno plus delay-based window adjustment: it compares the
// expected and actual packet rates and backs off before losses occur.
type vegasCC struct {
	renoCC
	baseRTT time.Duration
}

func newVegas() *vegasCC {
	v := &vegasCC{}
	v.Reset()
	return v
}

func (v *vegasCC) Reset() {
	v.renoCC.Reset()
	v.baseRTT = 0
}

func (v *vegasCC) OnRoundTrip(rtt time.Duration, sent, acked int) {
	if rtt <= 0 {
		return
	}
	if v.baseRTT == 0 || rtt < v.baseRTT {
		v.baseRTT = rtt
	}

	// diff = (expected - actual) * rtt, in packets: the amount of
	// data occupying queues beyond the base path.
	expected := float64(v.cwnd) / v.baseRTT.Seconds()
	actual := float64(acked) / rtt.Seconds()
	diff := (expected - actual) * rtt.Seconds()

	switch {
	case diff < 1:
		v.cwnd++
	case diff > 3 && v.cwnd > cwndMin:
		v.cwnd--
	}
	v.cwnd = clampWindow(v.cwnd)
}

// powerCC hill-climbs network power (throughput over delay) by
// alternating window increments and decrements and keeping whichever
// direction improved the measurement. Experimental.
type powerCC struct {
	cwnd      uint32
	lastPower float64
	dir       int32
}

func newPower() *powerCC {
	p := &powerCC{}
	p.Reset()
	return p
}

func (p *powerCC) Reset() {
	p.cwnd = cwndMin
	p.lastPower = 0
	p.dir = 1
}

func (p *powerCC) Window() uint32      { return clampWindow(p.cwnd) }
func (p *powerCC) ClampToFlight() bool { return true }

func (p *powerCC) OnAcked(int) {}

func (p *powerCC) OnMissed(n int) {
	if n > 0 && p.cwnd > cwndMin {
		p.cwnd = clampWindow(p.cwnd / 2)
		p.dir = 1
	}
}

func (p *powerCC) OnTimeout() {
	p.cwnd = cwndMin
	p.lastPower = 0
	p.dir = 1
}

func (p *powerCC) OnRoundTrip(rtt time.Duration, sent, acked int) {
	if rtt <= 0 {
		return
	}
	pps := float64(acked) / rtt.Seconds()
	power := pps / rtt.Seconds()

	if power < p.lastPower {
		p.dir = -p.dir
	}
	p.lastPower = power

	if p.dir > 0 {
		p.cwnd++
	} else if p.cwnd > cwndMin {
		p.cwnd--
	}
	p.cwnd = clampWindow(p.cwnd)
}

// fixedCC pins the window to an operator-configured value for
// reserved-bandwidth links.
type fixedCC struct {
	wnd uint32
}

func (f *fixedCC) Window() uint32                         { return f.wnd }
func (f *fixedCC) OnAcked(int)                            {}
func (f *fixedCC) OnMissed(int)                           {}
func (f *fixedCC) OnTimeout()                             {}
func (f *fixedCC) OnRoundTrip(time.Duration, int, int)    {}
func (f *fixedCC) ClampToFlight() bool                    { return false }
func (f *fixedCC) Reset()                                 {}
