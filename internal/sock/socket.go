package sock

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/netsteria/sst/internal/logging"
)

// ChannelNum is a local channel number assigned by the receiving side
// of a channel. Channel 0 is reserved for control traffic, so a bound
// channel number is always non-zero.
type ChannelNum uint8

// Control-protocol magic values dispatched when the first byte of a
// datagram is zero. The high byte of a magic must be zero.
const (
	// MagicKeyExchange is "SST" — key exchange negotiation.
	MagicKeyExchange uint32 = 0x00535354

	// MagicRouting is "RTR" — registration/rendezvous signaling.
	MagicRouting uint32 = 0x00525452
)

// PacketSink receives datagrams bound to a (remote endpoint, channel
// number) pair; the channel layer implements it.
type PacketSink interface {
	ReceivePacket(pkt []byte, src Endpoint)
}

// Receiver consumes control datagrams dispatched by magic. msg is the
// full datagram including the 4-byte magic.
type Receiver interface {
	ReceiveControl(msg []byte, src Endpoint)
}

// Socket is a network attachment able to carry the transport.
// Implementations: UDPSocket, and the simulator's socket in tests.
type Socket interface {
	// Send transmits a datagram. Errors are best-effort reports;
	// the transport recovers through retransmission either way.
	Send(ep Endpoint, b []byte) error

	// LocalEndpoints lists the local endpoints peers may use to
	// reach this socket.
	LocalEndpoints() []Endpoint

	// BindFlow registers a sink for (remote, channel). Fails if the
	// slot is taken or the channel number is zero.
	BindFlow(remote Endpoint, ch ChannelNum, sink PacketSink) bool

	// BindFlowAuto picks a free local channel number for remote and
	// binds sink to it. Returns 0 when all 255 numbers are in use.
	BindFlowAuto(remote Endpoint, sink PacketSink) ChannelNum

	// UnbindFlow releases a (remote, channel) binding.
	UnbindFlow(remote Endpoint, ch ChannelNum)

	// BindReceiver registers a control receiver for a magic value.
	BindReceiver(magic uint32, r Receiver)

	// UnbindReceiver releases a magic binding.
	UnbindReceiver(magic uint32)
}

type flowKey struct {
	remote Endpoint
	chs    ChannelNum
}

// Dispatcher holds the flow and receiver tables and implements the
// datagram dispatch rule shared by all Socket implementations.
type Dispatcher struct {
	logger *slog.Logger

	mu        sync.RWMutex
	flows     map[flowKey]PacketSink
	receivers map[uint32]Receiver
}

// NewDispatcher creates an empty dispatch table.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Dispatcher{
		logger:    logger,
		flows:     make(map[flowKey]PacketSink),
		receivers: make(map[uint32]Receiver),
	}
}

// BindFlow registers a sink for (remote, channel).
func (d *Dispatcher) BindFlow(remote Endpoint, ch ChannelNum, sink PacketSink) bool {
	if ch == 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := flowKey{remote, ch}
	if _, taken := d.flows[key]; taken {
		return false
	}
	d.flows[key] = sink
	return true
}

// BindFlowAuto binds sink to the first free channel number for remote.
func (d *Dispatcher) BindFlowAuto(remote Endpoint, sink PacketSink) ChannelNum {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch := ChannelNum(1); ch != 0; ch++ {
		key := flowKey{remote, ch}
		if _, taken := d.flows[key]; !taken {
			d.flows[key] = sink
			return ch
		}
	}
	return 0
}

// UnbindFlow releases a binding.
func (d *Dispatcher) UnbindFlow(remote Endpoint, ch ChannelNum) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.flows, flowKey{remote, ch})
}

// BindReceiver registers a control receiver for magic.
func (d *Dispatcher) BindReceiver(magic uint32, r Receiver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receivers[magic] = r
}

// UnbindReceiver releases a magic binding.
func (d *Dispatcher) UnbindReceiver(magic uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.receivers, magic)
}

// Dispatch routes one received datagram: byte 0 names a local channel
// number; a bound non-zero channel wins, anything else falls through
// to magic-based control dispatch.
func (d *Dispatcher) Dispatch(msg []byte, src Endpoint) {
	if len(msg) == 0 {
		return
	}

	if ch := ChannelNum(msg[0]); ch != 0 {
		d.mu.RLock()
		sink := d.flows[flowKey{src, ch}]
		d.mu.RUnlock()
		if sink != nil {
			sink.ReceivePacket(msg, src)
			return
		}
	}

	if len(msg) < 4 {
		d.logger.Debug("runt datagram", logging.KeyEndpoint, src.String(),
			logging.KeyCount, len(msg))
		return
	}
	magic := binary.BigEndian.Uint32(msg)
	if magic>>24 != 0 {
		// First byte named an unbound channel; nothing to do.
		d.logger.Debug("datagram for unbound channel",
			logging.KeyEndpoint, src.String(),
			logging.KeyChannel, msg[0])
		return
	}

	d.mu.RLock()
	r := d.receivers[magic]
	d.mu.RUnlock()
	if r == nil {
		d.logger.Debug("unknown control magic",
			logging.KeyEndpoint, src.String(),
			logging.KeyMagic, magic)
		return
	}
	r.ReceiveControl(msg, src)
}
