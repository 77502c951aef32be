package sim

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/netsteria/sst/internal/logging"
	"github.com/netsteria/sst/internal/sock"
)

// LinkParams shape a simulated path.
type LinkParams struct {
	// LossRate is the probability each datagram is dropped.
	LossRate float64

	// DupRate is the probability a datagram is delivered twice.
	DupRate float64

	// Delay is the fixed one-way latency.
	Delay time.Duration

	// Jitter adds uniform random latency in [0, Jitter), which also
	// reorders datagrams.
	Jitter time.Duration
}

// DefaultLink is a clean low-latency path.
func DefaultLink() LinkParams {
	return LinkParams{Delay: 5 * time.Millisecond}
}

// Net is a simulated network connecting Sockets through one shared
// parameter set. All randomness comes from a seeded source, so runs
// replay identically.
type Net struct {
	clock  *Clock
	logger *slog.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	params LinkParams
	socks  map[sock.Endpoint]*Socket
	nextIP uint32
}

// NewNet creates a network on the given virtual clock and seed.
func NewNet(clock *Clock, seed int64, logger *slog.Logger) *Net {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Net{
		clock:  clock,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
		params: DefaultLink(),
		socks:  make(map[sock.Endpoint]*Socket),
		nextIP: 1,
	}
}

// nextAddrLocked hands out 10.x.y.z addresses. Caller holds n.mu.
func (n *Net) nextAddrLocked() netip.Addr {
	n.nextIP++
	v := n.nextIP
	return netip.AddrFrom4([4]byte{10, byte(v >> 16), byte(v >> 8), byte(v)})
}

// SetLink installs new path parameters.
func (n *Net) SetLink(p LinkParams) {
	n.mu.Lock()
	n.params = p
	n.mu.Unlock()
}

// Socket is a simulated sock.Socket bound to one endpoint.
type Socket struct {
	*sock.Dispatcher

	net *Net

	mu    sync.Mutex
	local sock.Endpoint
	down  bool
}

// NewSocket creates a socket at an automatically assigned address.
func (n *Net) NewSocket() *Socket {
	n.mu.Lock()
	addr := n.nextAddrLocked()
	ep := sock.MakeEndpoint(addr, 9669)
	s := &Socket{
		Dispatcher: sock.NewDispatcher(n.logger),
		net:        n,
		local:      ep,
	}
	n.socks[ep] = s
	n.mu.Unlock()
	return s
}

// LocalEndpoints implements sock.Socket.
func (s *Socket) LocalEndpoints() []sock.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []sock.Endpoint{s.local}
}

// Endpoint returns the socket's current address.
func (s *Socket) Endpoint() sock.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// SetDown simulates interface loss: all sends and deliveries drop.
func (s *Socket) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Renumber moves the socket to a new address, simulating IP
// renumbering or NAT rebinding. Packets in flight to the old address
// are lost.
func (s *Socket) Renumber() sock.Endpoint {
	n := s.net
	n.mu.Lock()
	s.mu.Lock()
	delete(n.socks, s.local)
	s.local = sock.MakeEndpoint(n.nextAddrLocked(), 9669)
	n.socks[s.local] = s
	ep := s.local
	s.mu.Unlock()
	n.mu.Unlock()
	return ep
}

var errSocketDown = errors.New("simulated interface down")

// Send implements sock.Socket: the datagram traverses the simulated
// link with loss, duplication, and delay.
func (s *Socket) Send(dst sock.Endpoint, b []byte) error {
	s.mu.Lock()
	src := s.local
	down := s.down
	s.mu.Unlock()
	if down {
		return errSocketDown
	}

	n := s.net
	n.mu.Lock()
	p := n.params
	copies := 1
	if n.rng.Float64() < p.LossRate {
		copies = 0
	} else if p.DupRate > 0 && n.rng.Float64() < p.DupRate {
		copies = 2
	}
	delays := make([]time.Duration, copies)
	for i := range delays {
		d := p.Delay
		if p.Jitter > 0 {
			d += time.Duration(n.rng.Int63n(int64(p.Jitter)))
		}
		delays[i] = d
	}
	n.mu.Unlock()

	msg := make([]byte, len(b))
	copy(msg, b)
	for _, d := range delays {
		n.clock.After(d, func() {
			n.deliver(src, dst, msg)
		})
	}
	return nil
}

func (n *Net) deliver(src, dst sock.Endpoint, msg []byte) {
	n.mu.Lock()
	target := n.socks[dst]
	n.mu.Unlock()
	if target == nil {
		return // address no longer exists
	}
	target.mu.Lock()
	down := target.down
	target.mu.Unlock()
	if down {
		return
	}
	target.Dispatch(msg, src)
}

// String describes the socket for debugging.
func (s *Socket) String() string {
	return fmt.Sprintf("sim:%s", s.Endpoint())
}
