package integration

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/netsteria/sst/internal/sim"
	"github.com/netsteria/sst/internal/stream"
)

// Scenario: basic echo. A six-byte message crosses the transport and
// arrives as exactly one message with no leftover bytes.
func TestBasicEcho(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 1, nil)
	a := newTestHost(t, clock, net)
	b := newTestHost(t, clock, net)

	// b echoes every message back on the same stream.
	srv, err := b.host.Listen("echo", "sst")
	if err != nil {
		t.Fatal(err)
	}
	srv.SetOnConnection(func() {
		for {
			s := srv.Accept()
			if s == nil {
				return
			}
			echo := func() {
				for {
					m, err := s.ReadMessage()
					if err != nil || m == nil {
						return
					}
					s.WriteMessage(m) //nolint:errcheck
				}
			}
			s.SetEvents(stream.Events{ReadyReadMessage: echo})
			echo()
		}
	})

	s := a.connect(clock, b, "echo", "sst")
	k := &sink{}
	k.attachMessages(s)

	payload := []byte("hello\x00")
	if _, err := s.WriteMessage(payload); err != nil {
		t.Fatal(err)
	}

	if !clock.Run(func() bool { return k.msgCount() > 0 }, time.Millisecond, 30*time.Second) {
		t.Fatal("echo never arrived")
	}

	k.mu.Lock()
	got := k.msgs[0]
	k.mu.Unlock()
	if !bytes.Equal(got, payload) {
		t.Fatalf("echoed %q, want %q", got, payload)
	}
	if len(got) != 6 {
		t.Fatalf("length %d, want 6", len(got))
	}
	if s.BytesAvailable() != 0 || s.HasPendingMessage() {
		t.Error("leftover bytes after the single message")
	}
}

// Scenario: substream independence. Two streams on one channel carry
// a mebibyte each of distinct fill; both arrive intact and in order.
func TestSubstreamIndependence(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 2, nil)
	a := newTestHost(t, clock, net)
	b := newTestHost(t, clock, net)

	sinkA, sinkB := &sink{}, &sink{}
	srv, err := b.host.Listen("bulk", "sst")
	if err != nil {
		t.Fatal(err)
	}
	var accepted []*stream.Stream
	srv.SetOnConnection(func() {
		for {
			s := srv.Accept()
			if s == nil {
				return
			}
			accepted = append(accepted, s)
			if len(accepted) == 1 {
				sinkA.attach(s)
			} else {
				sinkB.attach(s)
			}
		}
	})

	const size = 1 << 20
	sA := a.connect(clock, b, "bulk", "sst")
	sB := a.connect(clock, b, "bulk", "sst")

	wantA := fill(0x55, size)
	wantB := fill(0xAA, size)
	if _, err := sA.WriteBytes(wantA); err != nil {
		t.Fatal(err)
	}
	if _, err := sB.WriteBytes(wantB); err != nil {
		t.Fatal(err)
	}

	done := func() bool { return sinkA.len() >= size && sinkB.len() >= size }
	if !clock.Run(done, time.Millisecond, 120*time.Second) {
		t.Fatalf("transfer incomplete: A=%d B=%d", sinkA.len(), sinkB.len())
	}

	sinkA.mu.Lock()
	gotA := sinkA.data
	sinkA.mu.Unlock()
	sinkB.mu.Lock()
	gotB := sinkB.data
	sinkB.mu.Unlock()
	if !bytes.Equal(gotA, wantA) {
		t.Error("stream A corrupted")
	}
	if !bytes.Equal(gotB, wantB) {
		t.Error("stream B corrupted")
	}
}

// Scenario: loss recovery. With 2% loss a large transfer still
// delivers byte-identical data, and the congestion window ends above
// its floor.
func TestLossRecovery(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 3, nil)
	net.SetLink(sim.LinkParams{
		LossRate: 0.02,
		Delay:    5 * time.Millisecond,
		Jitter:   time.Millisecond,
	})

	a := newTestHost(t, clock, net)
	b := newTestHost(t, clock, net)

	k := &sink{}
	b.acceptInto("bulk", "sst", k, false)

	s := a.connect(clock, b, "bulk", "sst")

	const size = 10 << 20
	want := make([]byte, size)
	for i := range want {
		want[i] = byte(i * 31)
	}
	if _, err := s.WriteBytes(want); err != nil {
		t.Fatal(err)
	}

	if !clock.Run(func() bool { return k.len() >= size }, time.Millisecond, 600*time.Second) {
		t.Fatalf("transfer incomplete after loss: %d/%d", k.len(), size)
	}

	k.mu.Lock()
	got := k.data
	k.mu.Unlock()
	if !bytes.Equal(got, want) {
		t.Fatal("received bytes differ from sent bytes")
	}

	if cwnd := a.host.Peer(b.ident.EID()).PrimaryFlow().Flow().Cwnd(); cwnd <= 2 {
		t.Errorf("cwnd = %d at end of transfer, want > 2", cwnd)
	}
}

// Scenario: migration. The initiator's address changes mid-transfer;
// the stream reattaches to a fresh channel and the byte stream
// arrives complete and intact.
func TestMigration(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 4, nil)
	a := newTestHost(t, clock, net)
	b := newTestHost(t, clock, net)

	k := &sink{}
	b.acceptInto("bulk", "sst", k, false)

	s := a.connect(clock, b, "bulk", "sst")

	const size = 1 << 20
	want := make([]byte, size)
	for i := range want {
		want[i] = byte(i * 13)
	}
	if _, err := s.WriteBytes(want); err != nil {
		t.Fatal(err)
	}

	// Let part of the transfer happen, then renumber the initiator.
	clock.Run(func() bool { return k.len() > size/10 }, time.Millisecond, 30*time.Second)
	old := a.socket.Endpoint()
	a.socket.Renumber()
	t.Logf("renumbered %s -> %s with %d/%d delivered", old, a.socket.Endpoint(), k.len(), size)

	if !clock.Run(func() bool { return k.len() >= size }, time.Millisecond, 300*time.Second) {
		t.Fatalf("transfer stalled after renumbering: %d/%d", k.len(), size)
	}
	k.mu.Lock()
	got := k.data
	k.mu.Unlock()
	if !bytes.Equal(got, want) {
		t.Fatal("bytes corrupted across migration")
	}
}

// Scenario: graceful close. "abc" then end-of-stream; the receiver
// sees the bytes then at-end; further writes fail.
func TestGracefulClose(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 5, nil)
	a := newTestHost(t, clock, net)
	b := newTestHost(t, clock, net)

	k := &sink{}
	b.acceptInto("bulk", "sst", k, false)

	s := a.connect(clock, b, "bulk", "sst")
	if _, err := s.WriteBytes([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	s.Shutdown(stream.ShutdownWrite)

	if !clock.Run(func() bool {
		k.mu.Lock()
		defer k.mu.Unlock()
		return k.atEnd
	}, time.Millisecond, 30*time.Second) {
		t.Fatal("receiver never observed end of stream")
	}

	k.mu.Lock()
	got := string(k.data)
	k.mu.Unlock()
	if got != "abc" {
		t.Fatalf("received %q, want abc", got)
	}

	if _, err := s.WriteBytes([]byte("more")); !errors.Is(err, stream.ErrWriteClosed) {
		t.Errorf("write after close: %v, want ErrWriteClosed", err)
	}
}

// Child streams open under a connected top-level stream and deliver
// independently of the parent.
func TestChildSubstreams(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 6, nil)
	a := newTestHost(t, clock, net)
	b := newTestHost(t, clock, net)

	srv, err := b.host.Listen("tree", "sst")
	if err != nil {
		t.Fatal(err)
	}
	childSink := &sink{}
	srv.SetOnConnection(func() {
		for {
			s := srv.Accept()
			if s == nil {
				return
			}
			s.SetEvents(stream.Events{
				NewSubstream: func() {
					for {
						sub := s.AcceptSubstream()
						if sub == nil {
							return
						}
						childSink.attachMessages(sub)
					}
				},
			})
		}
	})

	parent := a.connect(clock, b, "tree", "sst")
	child, err := parent.OpenSubstream()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := child.WriteMessage([]byte("from the child")); err != nil {
		t.Fatal(err)
	}

	if !clock.Run(func() bool { return childSink.msgCount() > 0 }, time.Millisecond, 30*time.Second) {
		t.Fatal("child substream message never arrived")
	}
	childSink.mu.Lock()
	got := childSink.msgs[0]
	childSink.mu.Unlock()
	if string(got) != "from the child" {
		t.Errorf("child delivered %q", got)
	}
}

// Datagrams are unordered and unreliable, but on a clean link one
// arrives intact, fragmented or not.
func TestDatagrams(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 7, nil)
	a := newTestHost(t, clock, net)
	b := newTestHost(t, clock, net)

	srv, err := b.host.Listen("dgram", "sst")
	if err != nil {
		t.Fatal(err)
	}
	var got [][]byte
	srv.SetOnConnection(func() {
		for {
			s := srv.Accept()
			if s == nil {
				return
			}
			s.SetEvents(stream.Events{
				ReadyReadDatagram: func() {
					for {
						d := s.ReadDatagram()
						if d == nil {
							return
						}
						got = append(got, d)
					}
				},
			})
		}
	})

	s := a.connect(clock, b, "dgram", "sst")
	small := []byte("ping")
	big := fill(0x42, 3000) // spans multiple fragments
	if err := s.WriteDatagram(small, false); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteDatagram(big, false); err != nil {
		t.Fatal(err)
	}

	if !clock.Run(func() bool { return len(got) >= 2 }, time.Millisecond, 30*time.Second) {
		t.Fatalf("got %d datagrams, want 2", len(got))
	}
	found := map[int]bool{}
	for _, d := range got {
		found[len(d)] = true
	}
	if !found[len(small)] || !found[len(big)] {
		t.Errorf("datagram sizes %v", found)
	}
	for _, d := range got {
		if len(d) == len(big) && !bytes.Equal(d, big) {
			t.Error("large datagram corrupted in reassembly")
		}
	}

	// Oversized unreliable datagrams are refused.
	if err := s.WriteDatagram(fill(1, stream.MaxStatelessDatagram+1), false); !errors.Is(err, stream.ErrDatagramTooBig) {
		t.Errorf("oversized datagram: %v", err)
	}
}

// Connecting to an unregistered service is refused and the stream
// reset.
func TestUnknownServiceRefused(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 8, nil)
	a := newTestHost(t, clock, net)
	b := newTestHost(t, clock, net)

	s := a.connect(clock, b, "no-such-service", "sst")
	resetSeen := false
	s.SetEvents(stream.Events{
		Reset: func(string) { resetSeen = true },
	})

	if !clock.Run(func() bool {
		return resetSeen || s.State() == stream.Disconnected
	}, time.Millisecond, 30*time.Second) {
		t.Fatal("stream to unknown service never reset")
	}
}
