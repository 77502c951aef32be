package flow

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/netsteria/sst/internal/armor"
	"github.com/netsteria/sst/internal/sim"
	"github.com/netsteria/sst/internal/sock"
)

func TestReconstructSeq(t *testing.T) {
	tests := []struct {
		ref  uint64
		s24  uint32
		want uint64
	}{
		{0, 1, 1},
		{100, 101, 101},
		{0xFFFFFF, 0x000001, 0x1000001},        // wrap forward
		{0x1000000, 0xFFFFFF, 0xFFFFFF},        // just behind the boundary
		{0x5000000, 0x000010, 0x5000010},       // same window
		{0x5FFFFFE, 0x000001, 0x6000001},       // next window
		{0x123456789, 0x456788, 0x123456788},   // one behind, high bits kept
	}
	for _, tt := range tests {
		if got := reconstructSeq(tt.ref, tt.s24); got != tt.want {
			t.Errorf("reconstructSeq(%#x, %#x) = %#x, want %#x",
				tt.ref, tt.s24, got, tt.want)
		}
	}
}

// recordTarget is a flow.Target capturing everything.
type recordTarget struct {
	mu       sync.Mutex
	received []uint64
	payloads [][]byte
	acked    []uint64
	missed   []uint64
	statuses []LinkStatus
	ackAll   bool
}

func (r *recordTarget) Receive(seq uint64, payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, seq)
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
	return r.ackAll && len(payload) > 0
}
func (r *recordTarget) Acked(seq uint64, n int, rxackseq uint64) {
	r.mu.Lock()
	r.acked = append(r.acked, seq)
	r.mu.Unlock()
}
func (r *recordTarget) Missed(seq uint64, n int) {
	r.mu.Lock()
	r.missed = append(r.missed, seq)
	r.mu.Unlock()
}
func (r *recordTarget) Expired(uint64, int) {}
func (r *recordTarget) ReadyTransmit()      {}
func (r *recordTarget) StatusChanged(s LinkStatus) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *recordTarget) receivedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func (r *recordTarget) ackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acked)
}

var testKeys = [][]byte{
	bytes.Repeat([]byte{0x11}, 16),
	bytes.Repeat([]byte{0x22}, 32),
	bytes.Repeat([]byte{0x33}, 16),
	bytes.Repeat([]byte{0x44}, 32),
}

func pairedArmor(t *testing.T) (a, b armor.Armor) {
	t.Helper()
	a, err := armor.NewAESArmor(testKeys[0], testKeys[1], testKeys[2], testKeys[3])
	if err != nil {
		t.Fatal(err)
	}
	b, err = armor.NewAESArmor(testKeys[2], testKeys[3], testKeys[0], testKeys[1])
	if err != nil {
		t.Fatal(err)
	}
	return a, b
}

// flowPair wires two started flows across a simulated network.
func flowPair(t *testing.T, clock *sim.Clock, net *sim.Net, delayack bool) (fa, fb *Flow, ta, tb *recordTarget) {
	t.Helper()
	sa := net.NewSocket()
	sb := net.NewSocket()
	arma, armb := pairedArmor(t)

	fa = New(Config{Clock: clock, DelayedAck: delayack})
	fb = New(Config{Clock: clock, DelayedAck: delayack})
	ta = &recordTarget{ackAll: true}
	tb = &recordTarget{ackAll: true}
	fa.SetTarget(ta)
	fb.SetTarget(tb)
	fa.SetArmor(arma)
	fb.SetArmor(armb)

	ca := fa.Bind(sa, sb.Endpoint(), 0)
	cb := fb.Bind(sb, sa.Endpoint(), 0)
	if ca == 0 || cb == 0 {
		t.Fatal("flow bind failed")
	}
	fa.SetRemoteChannel(cb)
	fb.SetRemoteChannel(ca)

	fa.Start(true)
	fb.Start(false)
	return fa, fb, ta, tb
}

func dataPacket(payload []byte) []byte {
	pkt := make([]byte, HdrLen+len(payload))
	copy(pkt[HdrLen:], payload)
	return pkt
}

func TestDeliveryAndAcks(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 7, nil)
	fa, _, ta, tb := flowPair(t, clock, net, false)

	const n = 5
	for i := 0; i < n; i++ {
		if _, err := fa.Transmit(dataPacket([]byte{byte(i)}), true); err != nil {
			t.Fatal(err)
		}
	}

	clock.Advance(200 * time.Millisecond)

	if got := tb.receivedCount(); got != n {
		t.Fatalf("receiver got %d packets, want %d", got, n)
	}
	if got := ta.ackedCount(); got != n {
		t.Fatalf("sender saw %d acks, want %d", got, n)
	}

	// Invariant: transmit sequences strictly increasing.
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for i := 1; i < len(tb.received); i++ {
		if tb.received[i] <= tb.received[i-1] {
			t.Fatalf("sequence not increasing: %v", tb.received)
		}
	}
}

func TestDelayedAck(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 7, nil)
	fa, _, ta, _ := flowPair(t, clock, net, true)

	if _, err := fa.Transmit(dataPacket([]byte{1}), true); err != nil {
		t.Fatal(err)
	}

	// One packet: the receiver should hold the ack ~10ms.
	clock.Advance(12 * time.Millisecond) // one-way delay + partial wait
	if got := ta.ackedCount(); got != 0 {
		t.Fatalf("ack arrived before the delayed-ack interval: %d", got)
	}
	clock.Advance(50 * time.Millisecond)
	if got := ta.ackedCount(); got != 1 {
		t.Fatalf("acked = %d, want 1", got)
	}
}

func TestReplayRejected(t *testing.T) {
	clock := sim.NewClock()
	armTx, armRx := pairedArmor(t)

	f := New(Config{Clock: clock})
	tgt := &recordTarget{ackAll: false}
	f.SetTarget(tgt)
	f.SetArmor(armRx)

	net := sim.NewNet(clock, 1, nil)
	s := net.NewSocket()
	peerEp := sock.MakeEndpoint(s.Endpoint().Addr.Addr(), 1)
	ch := f.Bind(s, peerEp, 0)
	f.SetRemoteChannel(1)
	f.Start(false)

	send := func(seq uint64) {
		pkt := make([]byte, HdrLen+4)
		pkt[0] = byte(ch)
		put24(pkt[1:4], uint32(seq)&seqMask)
		out, err := armTx.Encode(seq, pkt)
		if err != nil {
			t.Fatal(err)
		}
		f.ReceivePacket(out, peerEp)
	}

	for seq := uint64(1); seq <= 40; seq++ {
		if seq != 35 {
			send(seq)
		}
	}
	base := tgt.receivedCount()
	if base != 39 {
		t.Fatalf("received %d, want 39", base)
	}

	// Duplicate inside the window: dropped by the bitmap.
	send(39)
	if tgt.receivedCount() != base {
		t.Error("bitmap duplicate accepted")
	}

	// Too old: outside the replay window entirely.
	send(5)
	if tgt.receivedCount() != base {
		t.Error("stale sequence accepted")
	}

	// The gap at 35 is still within the window: must be accepted.
	send(35)
	if tgt.receivedCount() != base+1 {
		t.Error("late in-window packet rejected")
	}
}

func TestCongestionWindows(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 1, nil)

	// Fixed mode pins the window and skips the in-flight clamp.
	ffixed := New(Config{Clock: clock, CCMode: CCFixed, FixedWindow: 64})
	ffixed.SetTarget(&recordTarget{})
	ffixed.SetArmor(func() armor.Armor { a, _ := pairedArmor(t); return a }())
	s := net.NewSocket()
	ffixed.Bind(s, sock.MakeEndpoint(s.Endpoint().Addr.Addr(), 2), 0)
	ffixed.SetRemoteChannel(1)
	ffixed.Start(true)
	if got := ffixed.MayTransmit(); got != 64 {
		t.Errorf("fixed MayTransmit = %d, want 64", got)
	}

	// Reno starts at the minimum window.
	freno := New(Config{Clock: clock, CCMode: CCReno})
	if got := freno.Cwnd(); got != 2 {
		t.Errorf("initial reno cwnd = %d, want 2", got)
	}
}

func TestStallAndLinkDown(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 1, nil)
	net.SetLink(sim.LinkParams{LossRate: 1.0, Delay: time.Millisecond}) // black hole

	fa, _, ta, _ := flowPair(t, clock, net, false)
	if _, err := fa.Transmit(dataPacket([]byte{1}), true); err != nil {
		t.Fatal(err)
	}

	// Soft timeouts: stall notifications and a missed report.
	clock.Advance(700 * time.Millisecond)
	ta.mu.Lock()
	sawStall := false
	for _, s := range ta.statuses {
		if s == LinkStalled {
			sawStall = true
		}
	}
	missed := len(ta.missed)
	ta.mu.Unlock()
	if !sawStall {
		t.Error("no stall notification after RTO")
	}
	if missed == 0 {
		t.Error("no missed report after RTO")
	}

	// Hard deadline: link down.
	clock.Advance(30 * time.Second)
	if fa.LinkStatus() != LinkDown {
		t.Errorf("status = %v, want DOWN", fa.LinkStatus())
	}
}

func TestRTTEstimate(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 1, nil)
	net.SetLink(sim.LinkParams{Delay: 20 * time.Millisecond})
	fa, _, _, _ := flowPair(t, clock, net, false)

	for i := 0; i < 10; i++ {
		fa.Transmit(dataPacket([]byte{byte(i)}), true) //nolint:errcheck
		clock.Advance(100 * time.Millisecond)
	}

	rtt := fa.RTT()
	if rtt < 30*time.Millisecond || rtt > 100*time.Millisecond {
		t.Errorf("smoothed RTT = %v, want around 40ms", rtt)
	}
}
