// Package integration exercises complete SST endpoints end to end
// over the deterministic in-process network simulator.
package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/netsteria/sst/internal/eid"
	"github.com/netsteria/sst/internal/host"
	"github.com/netsteria/sst/internal/sim"
	"github.com/netsteria/sst/internal/stream"
)

// testHost bundles one endpoint on the simulated network.
type testHost struct {
	t      *testing.T
	ident  eid.Ident
	socket *sim.Socket
	host   *host.Host
}

func newTestHost(t *testing.T, clock *sim.Clock, net *sim.Net) *testHost {
	t.Helper()
	ident, err := eid.Generate(eid.SchemeRSA160, 1024)
	if err != nil {
		t.Fatal(err)
	}
	th := &testHost{t: t, ident: ident, socket: net.NewSocket()}
	th.host = host.New(host.Config{
		Ident:      ident,
		Socket:     th.socket,
		Clock:      clock,
		DelayedAck: true,
	})
	t.Cleanup(th.host.Close)
	return th
}

// sink accumulates everything readable from a stream.
type sink struct {
	mu    sync.Mutex
	data  []byte
	msgs  [][]byte
	atEnd bool
}

func (k *sink) attach(s *stream.Stream) {
	drain := func() {
		for {
			b, err := s.ReadBytes(0)
			if err != nil || b == nil {
				break
			}
			k.mu.Lock()
			k.data = append(k.data, b...)
			k.mu.Unlock()
		}
		if s.AtEnd() {
			k.mu.Lock()
			k.atEnd = true
			k.mu.Unlock()
		}
	}
	s.SetEvents(stream.Events{
		ReadyRead: drain,
	})
	drain()
}

func (k *sink) attachMessages(s *stream.Stream) {
	drain := func() {
		for {
			m, err := s.ReadMessage()
			if err != nil || m == nil {
				break
			}
			k.mu.Lock()
			k.msgs = append(k.msgs, m)
			k.mu.Unlock()
		}
	}
	s.SetEvents(stream.Events{
		ReadyReadMessage: drain,
	})
	drain()
}

func (k *sink) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.data)
}

func (k *sink) msgCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.msgs)
}

// acceptInto registers a (service, protocol) listener that wires every
// accepted stream into a byte sink.
func (th *testHost) acceptInto(service, protocol string, k *sink, messages bool) {
	srv, err := th.host.Listen(service, protocol)
	if err != nil {
		th.t.Fatal(err)
	}
	srv.SetOnConnection(func() {
		for {
			s := srv.Accept()
			if s == nil {
				return
			}
			if messages {
				k.attachMessages(s)
			} else {
				k.attach(s)
			}
		}
	})
}

// connect dials a top-level stream from th to remote, driving the
// virtual clock until the handshake completes.
func (th *testHost) connect(clock *sim.Clock, remote *testHost, service, protocol string) *stream.Stream {
	th.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		s   *stream.Stream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := th.host.ConnectTo(ctx, remote.ident.EID(), service, protocol,
			remote.socket.Endpoint())
		ch <- result{s, err}
	}()

	var res result
	got := false
	ok := clock.Run(func() bool {
		select {
		case res = <-ch:
			got = true
		default:
		}
		return got
	}, time.Millisecond, 60*time.Second)
	if !ok {
		th.t.Fatal("connect did not finish in virtual time")
	}
	if res.err != nil {
		th.t.Fatalf("connect: %v", res.err)
	}
	return res.s
}

// fill returns n bytes of the repeating byte b.
func fill(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
