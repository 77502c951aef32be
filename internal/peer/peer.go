package peer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/netsteria/sst/internal/eid"
	"github.com/netsteria/sst/internal/flow"
	"github.com/netsteria/sst/internal/kex"
	"github.com/netsteria/sst/internal/logging"
	"github.com/netsteria/sst/internal/sock"
	"github.com/netsteria/sst/internal/stream"
	"github.com/netsteria/sst/internal/timer"
)

// stallsBeforeReplace is how many consecutive stalls the primary
// channel may report before replacement channels are sought.
const stallsBeforeReplace = 3

// Events are peer-level notifications, fired only on primary channel
// transitions, never on individual initiator failures.
type Events struct {
	LinkUp   func()
	LinkDown func()
}

// Peer is all local state about one remote EID.
type Peer struct {
	m  *Manager
	id eid.EID

	mu         sync.Mutex
	candidates map[sock.Endpoint]struct{}
	initiators map[sock.Endpoint]*kex.Initiator
	primary    *stream.StreamFlow
	flows      map[*stream.StreamFlow]struct{}
	streams    map[*stream.Stream]struct{}
	usids      map[stream.USID]*stream.Stream
	profile    []byte
	events     Events
	waiters    []chan *stream.StreamFlow
	retry      *Retry
	closed     bool
}

func newPeer(m *Manager, id eid.EID) *Peer {
	p := &Peer{
		m:          m,
		id:         id,
		candidates: make(map[sock.Endpoint]struct{}),
		initiators: make(map[sock.Endpoint]*kex.Initiator),
		flows:      make(map[*stream.StreamFlow]struct{}),
		streams:    make(map[*stream.Stream]struct{}),
		usids:      make(map[stream.USID]*stream.Stream),
	}
	p.retry = NewRetry(m.cfg.Reconnect, m.clock, p.connectAttempt)
	return p
}

// EID returns the peer's identifier.
func (p *Peer) EID() eid.EID { return p.id }

// SetEvents installs peer-level notifications.
func (p *Peer) SetEvents(ev Events) {
	p.mu.Lock()
	p.events = ev
	p.mu.Unlock()
}

// Profile returns the peer's last conveyed self-description.
func (p *Peer) Profile() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

func (p *Peer) setProfile(b []byte) {
	p.mu.Lock()
	p.profile = append([]byte(nil), b...)
	p.mu.Unlock()
}

// AddHint adds a candidate endpoint, starting an initiator right away
// when a connection attempt is in progress.
func (p *Peer) AddHint(ep sock.Endpoint) {
	if ep.IsNull() {
		return
	}
	p.mu.Lock()
	_, known := p.candidates[ep]
	p.candidates[ep] = struct{}{}
	wantKex := !known && len(p.waiters) > 0 && p.primary == nil
	p.mu.Unlock()
	if wantKex {
		p.connectAttempt()
	}
}

// PrimaryFlow returns the current primary channel, or nil.
func (p *Peer) PrimaryFlow() *stream.StreamFlow {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primary
}

// waitPrimary returns the primary channel, connecting first if
// necessary.
func (p *Peer) waitPrimary(ctx context.Context) (*stream.StreamFlow, error) {
	p.mu.Lock()
	if p.primary != nil {
		sf := p.primary
		p.mu.Unlock()
		return sf, nil
	}
	if len(p.candidates) == 0 {
		p.mu.Unlock()
		return nil, ErrNoEndpoints
	}
	ch := make(chan *stream.StreamFlow, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	p.connectAttempt()

	select {
	case sf := <-ch:
		if sf == nil {
			return nil, ErrConnectFailed
		}
		return sf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connectAttempt starts a key exchange toward every candidate endpoint
// that does not already have one running.
func (p *Peer) connectAttempt() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var targets []sock.Endpoint
	for ep := range p.candidates {
		if _, running := p.initiators[ep]; !running {
			targets = append(targets, ep)
		}
	}
	p.mu.Unlock()

	for _, ep := range targets {
		ep := ep
		in, err := p.m.kx.Initiate(ep, p.id, p.m.cfg.Profile,
			func(info *kex.ChannelInfo, err error) {
				p.initiatorDone(ep, info, err)
			})
		if err != nil {
			continue
		}
		p.mu.Lock()
		p.initiators[ep] = in
		p.mu.Unlock()
	}
}

func (p *Peer) initiatorDone(ep sock.Endpoint, info *kex.ChannelInfo, err error) {
	p.mu.Lock()
	delete(p.initiators, ep)
	remaining := len(p.initiators)
	hasPrimary := p.primary != nil
	p.mu.Unlock()

	if info != nil {
		if p.m.cfg.Metrics != nil {
			p.m.cfg.Metrics.HandshakesInitiated.Inc()
		}
		p.adoptChannel(info)
		return
	}

	p.m.logger.Debug("key exchange failed",
		logging.KeyPeerEID, p.id.String(),
		logging.KeyEndpoint, ep.String(),
		logging.KeyError, err)

	// Last initiator gone without a channel: fail waiters and lean on
	// the persistent retry timer.
	if remaining == 0 && !hasPrimary {
		p.mu.Lock()
		waiters := p.waiters
		p.waiters = nil
		keepAlive := len(p.streams) > 0 || len(waiters) > 0
		p.mu.Unlock()
		for _, ch := range waiters {
			ch <- nil
		}
		if keepAlive {
			p.retry.Schedule()
		}
	}
}

// adoptChannel wraps a completed key exchange in stream multiplexing
// and considers it for primary.
func (p *Peer) adoptChannel(info *kex.ChannelInfo) {
	sf := stream.NewStreamFlow(info.Flow, p)
	sf.Start(info.Initiator)

	p.mu.Lock()
	p.flows[sf] = struct{}{}
	p.candidates[info.Flow.Remote()] = struct{}{}
	promote := p.primary == nil ||
		p.primary.Flow().LinkStatus() != flow.LinkUp
	p.mu.Unlock()

	p.retry.Reset()
	if p.m.cfg.Metrics != nil {
		p.m.cfg.Metrics.ChannelsActive.Inc()
	}
	if promote {
		p.setPrimary(sf)
	}
}

// setPrimary promotes a channel and migrates attached streams onto it.
func (p *Peer) setPrimary(sf *stream.StreamFlow) {
	p.mu.Lock()
	old := p.primary
	p.primary = sf
	waiters := p.waiters
	p.waiters = nil
	migrate := make([]*stream.Stream, 0, len(p.usids))
	for _, s := range p.usids {
		migrate = append(migrate, s)
	}
	ev := p.events
	p.mu.Unlock()

	p.m.logger.Info("primary channel selected",
		logging.KeyPeerEID, p.id.String(),
		logging.KeyEndpoint, sf.Flow().Remote().String())

	for _, ch := range waiters {
		ch <- sf
	}

	// Streams with attachments elsewhere open fresh slots on the new
	// primary; old slots stay alive until the new ones activate.
	if old != nil && old != sf {
		for _, s := range migrate {
			sf.AttachStream(s)
		}
	}

	if p.m.cfg.Metrics != nil {
		p.m.cfg.Metrics.LinkTransitions.WithLabelValues("up").Inc()
	}
	if ev.LinkUp != nil {
		ev.LinkUp()
	}
}

// shutdown stops all channels and outstanding exchanges.
func (p *Peer) shutdown() {
	p.mu.Lock()
	p.closed = true
	flows := make([]*stream.StreamFlow, 0, len(p.flows))
	for sf := range p.flows {
		flows = append(flows, sf)
	}
	inits := make([]*kex.Initiator, 0, len(p.initiators))
	for _, in := range p.initiators {
		inits = append(inits, in)
	}
	p.mu.Unlock()

	p.retry.Stop()
	for _, in := range inits {
		in.Cancel()
	}
	for _, sf := range flows {
		sf.Stop()
	}
}

// ---- stream.PeerLink ----

// LookupUSID finds a stream by unique id.
func (p *Peer) LookupUSID(u stream.USID) *stream.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usids[u]
}

// RegisterUSID records a stream's unique id.
func (p *Peer) RegisterUSID(u stream.USID, s *stream.Stream) {
	p.mu.Lock()
	p.usids[u] = s
	p.streams[s] = struct{}{}
	p.mu.Unlock()
}

// UnregisterUSID drops a unique id binding.
func (p *Peer) UnregisterUSID(u stream.USID) {
	p.mu.Lock()
	delete(p.usids, u)
	p.mu.Unlock()
}

// Services implements stream.PeerLink.
func (p *Peer) Services() *stream.ServiceTable { return p.m.services }

// StreamDisconnected implements stream.PeerLink.
func (p *Peer) StreamDisconnected(s *stream.Stream) {
	p.mu.Lock()
	delete(p.streams, s)
	p.mu.Unlock()
}

// FlowStatus drives primary replacement: three consecutive stalls
// start parallel replacement exchanges without tearing the old channel
// down; link-down drops the primary and enters persistent retry.
func (p *Peer) FlowStatus(sf *stream.StreamFlow, status flow.LinkStatus) {
	switch status {
	case flow.LinkStalled:
		p.mu.Lock()
		isPrimary := sf == p.primary
		p.mu.Unlock()
		if isPrimary && sf.Stalls() >= stallsBeforeReplace {
			p.m.logger.Warn("primary channel stalling, seeking replacement",
				logging.KeyPeerEID, p.id.String())
			p.connectAttempt()
		}

	case flow.LinkDown:
		p.mu.Lock()
		if _, known := p.flows[sf]; known && p.m.cfg.Metrics != nil {
			p.m.cfg.Metrics.ChannelsActive.Dec()
		}
		delete(p.flows, sf)
		wasPrimary := sf == p.primary
		var next *stream.StreamFlow
		if wasPrimary {
			p.primary = nil
			for other := range p.flows {
				next = other
				break
			}
		}
		ev := p.events
		keepAlive := len(p.streams) > 0
		p.mu.Unlock()

		// Unbind the dead channel and recover whatever it still
		// carried.
		sf.Stop()

		if !wasPrimary {
			return
		}
		if p.m.cfg.Metrics != nil {
			p.m.cfg.Metrics.LinkTransitions.WithLabelValues("down").Inc()
		}
		if ev.LinkDown != nil {
			ev.LinkDown()
		}
		if next != nil {
			p.setPrimary(next)
			return
		}
		p.connectAttempt()
		if keepAlive {
			p.retry.Schedule()
		}

	case flow.LinkUp:
		p.mu.Lock()
		promote := p.primary == nil
		p.mu.Unlock()
		if promote {
			p.setPrimary(sf)
		}
	}
}

// Clock implements stream.PeerLink.
func (p *Peer) Clock() timer.Clock { return p.m.clock }

// Logger implements stream.PeerLink.
func (p *Peer) Logger() *slog.Logger { return p.m.logger }
