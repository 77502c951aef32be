// Package host assembles a complete SST endpoint: identity, socket,
// key exchange, peer table, and service registrations, with no hidden
// global state. Applications construct a Host and thread it through.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/netsteria/sst/internal/config"
	"github.com/netsteria/sst/internal/eid"
	"github.com/netsteria/sst/internal/flow"
	"github.com/netsteria/sst/internal/logging"
	"github.com/netsteria/sst/internal/metrics"
	"github.com/netsteria/sst/internal/peer"
	"github.com/netsteria/sst/internal/sock"
	"github.com/netsteria/sst/internal/stream"
	"github.com/netsteria/sst/internal/timer"
)

// Config carries host construction parameters. Socket and Ident are
// required; everything else has working defaults.
type Config struct {
	Ident   eid.Ident
	Socket  sock.Socket
	Clock   timer.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Profile []byte

	CCMode      flow.CCMode
	FixedWindow uint32
	DelayedAck  bool

	RetryMin time.Duration
	RetryMax time.Duration
	FailMax  time.Duration
}

// Host is one SST endpoint.
type Host struct {
	cfg     Config
	logger  *slog.Logger
	manager *peer.Manager
}

// New assembles a host from explicit parts.
func New(cfg Config) *Host {
	if cfg.Clock == nil {
		cfg.Clock = timer.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	h := &Host{cfg: cfg, logger: cfg.Logger}
	h.manager = peer.NewManager(peer.Config{
		Ident:       cfg.Ident,
		Socket:      cfg.Socket,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
		Profile:     cfg.Profile,
		CCMode:      cfg.CCMode,
		FixedWindow: cfg.FixedWindow,
		DelayedAck:  cfg.DelayedAck,
		RetryMin:    cfg.RetryMin,
		RetryMax:    cfg.RetryMax,
		FailMax:     cfg.FailMax,
	})
	return h
}

// FromConfig builds a production host: persisted identity, bound UDP
// socket, and registered metrics.
func FromConfig(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Host, *sock.UDPSocket, error) {
	ident, err := eid.LoadOrGenerate(cfg.DataDir, eid.SchemeRSA160)
	if err != nil {
		return nil, nil, fmt.Errorf("load identity: %w", err)
	}

	udp, err := sock.ListenUDP(cfg.Port, logger)
	if err != nil {
		return nil, nil, err
	}

	h := New(Config{
		Ident:       ident,
		Socket:      udp,
		Logger:      logger,
		Metrics:     m,
		Profile:     []byte(cfg.Profile),
		CCMode:      cfg.CC(),
		FixedWindow: cfg.FixedWindow,
		DelayedAck:  cfg.DelayedAck,
		RetryMin:    cfg.RetryMin(),
		RetryMax:    cfg.RetryMax(),
		FailMax:     cfg.FailMax(),
	})
	return h, udp, nil
}

// EID returns the host identity.
func (h *Host) EID() eid.EID { return h.cfg.Ident.EID() }

// Ident returns the full host identity.
func (h *Host) Ident() eid.Ident { return h.cfg.Ident }

// Manager exposes the peer table.
func (h *Host) Manager() *peer.Manager { return h.manager }

// Peer returns per-EID state, creating it on first reference.
func (h *Host) Peer(id eid.EID) *peer.Peer { return h.manager.Peer(id) }

// Listen registers a stream server for (service, protocol).
func (h *Host) Listen(service, protocol string) (*stream.Server, error) {
	return h.manager.Listen(service, protocol)
}

// ConnectTo opens a top-level stream to a peer.
func (h *Host) ConnectTo(ctx context.Context, id eid.EID, service, protocol string,
	hints ...sock.Endpoint) (*stream.Stream, error) {
	s, err := h.manager.ConnectTo(ctx, id, service, protocol, hints...)
	if err == nil && h.cfg.Metrics != nil {
		h.cfg.Metrics.StreamsOpened.Inc()
	}
	return s, err
}

// Close tears the host down.
func (h *Host) Close() {
	h.manager.Close()
}
