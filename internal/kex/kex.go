package kex

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/netsteria/sst/internal/eid"
	"github.com/netsteria/sst/internal/flow"
	"github.com/netsteria/sst/internal/logging"
	"github.com/netsteria/sst/internal/sock"
	"github.com/netsteria/sst/internal/timer"
)

// hkrRotateInterval is how often the responder's cookie secret and
// semi-static DH keys rotate. The previous secret stays valid one
// interval so in-flight handshakes survive a rotation.
const hkrRotateInterval = time.Hour

// r2CacheMax bounds the completed-exchange cache used to answer
// duplicate I2 messages idempotently.
const r2CacheMax = 64

var (
	// ErrTimeout is reported when negotiation exceeds the hard
	// failure deadline.
	ErrTimeout = errors.New("key exchange timed out")

	// ErrEIDMismatch is reported when the authenticated peer is not
	// the one the initiator demanded.
	ErrEIDMismatch = errors.New("peer EID does not match target")

	// ErrCanceled is reported when an initiator is torn down early.
	ErrCanceled = errors.New("key exchange canceled")
)

// ChannelInfo describes a channel produced by a completed exchange.
// The flow is bound and keyed but not started: the receiver installs
// its target and calls Start.
type ChannelInfo struct {
	Flow      *flow.Flow
	PeerIdent eid.Ident // authenticated peer identity
	ULP       []byte    // peer's upper-level payload
	Initiator bool
}

// Config parameterizes a KeyExchange instance.
type Config struct {
	Ident  eid.Ident // local identity; must hold a private key
	Clock  timer.Clock
	Logger *slog.Logger
	SecLog *logging.SecurityLogger

	// KeyMin is the local minimum symmetric key length in bytes
	// (16, 24, or 32). Zero means 16.
	KeyMin uint32

	// Group is the DH group offered by initiators. Zero means
	// DefaultGroup.
	Group DHGroup

	// NewFlow constructs an unbound flow configured with the host's
	// congestion and timer settings.
	NewFlow func() *flow.Flow

	// ULPReceive, on the responder, digests the initiator's
	// upper-level payload and returns the payload to send back.
	// Called before the flow is delivered.
	ULPReceive func(peer eid.Ident, ulp []byte, f *flow.Flow) []byte

	// OnChannel delivers each channel completed by the responder.
	OnChannel func(info *ChannelInfo)

	// RetryMin/RetryMax/FailMax bound the initiator's
	// retransmission timer; zero values use the defaults.
	RetryMin time.Duration
	RetryMax time.Duration
	FailMax  time.Duration
}

// KeyExchange is the per-socket negotiation engine: the receiver for
// the SST magic, the stateless responder, and the table of running
// initiators.
type KeyExchange struct {
	cfg    Config
	clock  timer.Clock
	logger *slog.Logger
	seclog *logging.SecurityLogger

	mu         sync.Mutex
	socket     sock.Socket
	initiators map[string]*Initiator // keyed by NHI
	resp       responderState
}

// New creates a KeyExchange engine.
func New(cfg Config) *KeyExchange {
	if cfg.Clock == nil {
		cfg.Clock = timer.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.SecLog == nil {
		cfg.SecLog = logging.NewSecurityLogger(cfg.Logger, 1, 5)
	}
	if cfg.KeyMin == 0 {
		cfg.KeyMin = 16
	}
	if cfg.Group == 0 {
		cfg.Group = DefaultGroup
	}
	kx := &KeyExchange{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		seclog:     cfg.SecLog,
		initiators: make(map[string]*Initiator),
	}
	kx.resp.init()
	return kx
}

// Bind attaches the engine to a socket's control dispatch.
func (kx *KeyExchange) Bind(s sock.Socket) {
	kx.mu.Lock()
	kx.socket = s
	kx.mu.Unlock()
	s.BindReceiver(sock.MagicKeyExchange, kx)
}

// Unbind detaches from the socket.
func (kx *KeyExchange) Unbind() {
	kx.mu.Lock()
	s := kx.socket
	kx.socket = nil
	kx.mu.Unlock()
	if s != nil {
		s.UnbindReceiver(sock.MagicKeyExchange)
	}
}

// ReceiveControl implements sock.Receiver.
func (kx *KeyExchange) ReceiveControl(msg []byte, src sock.Endpoint) {
	m, err := DecodeMessage(msg)
	if err != nil {
		kx.seclog.Debug("undecodable key exchange message",
			logging.KeyEndpoint, src.String(), logging.KeyError, err)
		return
	}

	for i := range m.Chunks {
		c := &m.Chunks[i]
		switch c.Type {
		case ChunkDHInit1:
			kx.handleInit1(c.I1, src)
		case ChunkDHInit2:
			kx.handleInit2(c.I2, src)
		case ChunkDHResponse1:
			kx.routeToInitiator(c.R1.NHI, func(in *Initiator) {
				in.handleResponse1(c.R1, src)
			})
		case ChunkDHResponse2:
			kx.routeToInitiator(c.R2.NHI, func(in *Initiator) {
				in.handleResponse2(c.R2, src)
			})
		default:
			// Checksum negotiation and raw packet chunks are
			// recognized on the wire but not negotiated.
			kx.seclog.Debug("ignoring key chunk",
				logging.KeyEndpoint, src.String(),
				logging.KeyCount, c.Type)
		}
	}
}

func (kx *KeyExchange) routeToInitiator(nhi []byte, fn func(*Initiator)) {
	kx.mu.Lock()
	in := kx.initiators[string(nhi)]
	kx.mu.Unlock()
	if in != nil {
		fn(in)
	}
}

func (kx *KeyExchange) removeInitiator(nhi []byte) {
	kx.mu.Lock()
	delete(kx.initiators, string(nhi))
	kx.mu.Unlock()
}

func (kx *KeyExchange) send(ep sock.Endpoint, m *Message) {
	kx.mu.Lock()
	s := kx.socket
	kx.mu.Unlock()
	if s != nil {
		s.Send(ep, m.Encode()) //nolint:errcheck // best-effort
	}
}
