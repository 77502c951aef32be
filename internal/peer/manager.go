// Package peer tracks per-EID state: candidate endpoints, running key
// exchanges, the primary channel, and the streams that survive channel
// loss and migrate between channels.
package peer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/netsteria/sst/internal/eid"
	"github.com/netsteria/sst/internal/flow"
	"github.com/netsteria/sst/internal/kex"
	"github.com/netsteria/sst/internal/logging"
	"github.com/netsteria/sst/internal/metrics"
	"github.com/netsteria/sst/internal/sock"
	"github.com/netsteria/sst/internal/stream"
	"github.com/netsteria/sst/internal/timer"
)

var (
	// ErrNoEndpoints is returned when connecting to a peer with no
	// candidate endpoints.
	ErrNoEndpoints = errors.New("no candidate endpoints for peer")

	// ErrConnectFailed is returned when every candidate endpoint
	// failed key exchange.
	ErrConnectFailed = errors.New("connection to peer failed")
)

// Config parameterizes a Manager.
type Config struct {
	Ident   eid.Ident
	Socket  sock.Socket
	Clock   timer.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Profile is an opaque self-description conveyed in the key
	// exchange's upper-level payload.
	Profile []byte

	CCMode      flow.CCMode
	FixedWindow uint32
	DelayedAck  bool

	RetryMin time.Duration
	RetryMax time.Duration
	FailMax  time.Duration

	// Reconnect drives persistent retry after total failure.
	Reconnect RetryConfig
}

// Manager is the host-wide peer table plus the shared negotiation
// engine.
type Manager struct {
	cfg      Config
	clock    timer.Clock
	logger   *slog.Logger
	seclog   *logging.SecurityLogger
	services *stream.ServiceTable
	kx       *kex.KeyExchange

	mu    sync.Mutex
	peers map[eid.EID]*Peer
}

// NewManager creates the peer manager and binds its key exchange to
// the socket.
func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = timer.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Reconnect == (RetryConfig{}) {
		cfg.Reconnect = DefaultRetryConfig()
	}

	m := &Manager{
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		seclog:   logging.NewSecurityLogger(cfg.Logger, 1, 5),
		services: stream.NewServiceTable(),
		peers:    make(map[eid.EID]*Peer),
	}

	m.kx = kex.New(kex.Config{
		Ident:      cfg.Ident,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
		SecLog:     m.seclog,
		NewFlow:    m.newFlow,
		ULPReceive: m.ulpReceive,
		OnChannel:  m.onResponderChannel,
		RetryMin:   cfg.RetryMin,
		RetryMax:   cfg.RetryMax,
		FailMax:    cfg.FailMax,
	})
	m.kx.Bind(cfg.Socket)
	cfg.Socket.BindReceiver(sock.MagicRouting, routingStub{m})
	return m
}

// routingStub holds the rendezvous magic so registration signaling is
// dispatched rather than logged as unknown. The rendezvous client
// itself lives outside the transport core.
type routingStub struct{ m *Manager }

func (r routingStub) ReceiveControl(msg []byte, src sock.Endpoint) {
	r.m.logger.Debug("rendezvous signal ignored (no client registered)",
		logging.KeyEndpoint, src.String(),
		logging.KeyCount, len(msg))
}

// Close unbinds the negotiation engine and stops all channels.
func (m *Manager) Close() {
	m.kx.Unbind()
	m.cfg.Socket.UnbindReceiver(sock.MagicRouting)
	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	for _, p := range peers {
		p.shutdown()
	}
}

// EID returns the local host identity.
func (m *Manager) EID() eid.EID { return m.cfg.Ident.EID() }

// Services returns the host's service registration table.
func (m *Manager) Services() *stream.ServiceTable { return m.services }

// Listen registers a stream server for (service, protocol).
func (m *Manager) Listen(service, protocol string) (*stream.Server, error) {
	return m.services.Listen(service, protocol)
}

// Peer returns the state object for a remote EID, creating it on first
// reference.
func (m *Manager) Peer(id eid.EID) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	if !ok {
		p = newPeer(m, id)
		m.peers[id] = p
	}
	return p
}

// ConnectTo opens a top-level stream to a peer, establishing a channel
// first when none exists. Endpoint hints seed the candidate set.
func (m *Manager) ConnectTo(ctx context.Context, id eid.EID, service, protocol string,
	hints ...sock.Endpoint) (*stream.Stream, error) {

	p := m.Peer(id)
	for _, h := range hints {
		p.AddHint(h)
	}
	sf, err := p.waitPrimary(ctx)
	if err != nil {
		return nil, err
	}
	return sf.ConnectService(service, protocol)
}

// newFlow builds a channel configured with the host's settings.
func (m *Manager) newFlow() *flow.Flow {
	return flow.New(flow.Config{
		Clock:       m.clock,
		Logger:      m.logger,
		SecLog:      m.seclog,
		CCMode:      m.cfg.CCMode,
		FixedWindow: m.cfg.FixedWindow,
		DelayedAck:  m.cfg.DelayedAck,
		RetryMin:    m.cfg.RetryMin,
		RetryMax:    m.cfg.RetryMax,
		FailMax:     m.cfg.FailMax,
	})
}

// ulpReceive digests the initiator's upper-level payload and answers
// with our profile.
func (m *Manager) ulpReceive(peer eid.Ident, ulp []byte, f *flow.Flow) []byte {
	p := m.Peer(peer.EID())
	p.setProfile(ulp)
	return m.cfg.Profile
}

// onResponderChannel adopts a channel completed by the responder side.
func (m *Manager) onResponderChannel(info *kex.ChannelInfo) {
	p := m.Peer(info.PeerIdent.EID())
	p.adoptChannel(info)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.HandshakesAccepted.Inc()
	}
}
