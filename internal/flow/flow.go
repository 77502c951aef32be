package flow

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/netsteria/sst/internal/armor"
	"github.com/netsteria/sst/internal/logging"
	"github.com/netsteria/sst/internal/sock"
	"github.com/netsteria/sst/internal/timer"
)

// HdrLen is the space callers must reserve at the front of every
// packet passed to Transmit: the cleartext channel/sequence word and
// the encrypted acknowledgment word.
const HdrLen = 8

// Wire field layout within the two header words.
const (
	seqBits  = 24
	seqMask  = 1<<seqBits - 1
	ackctMax = 15
)

// maskBits is the size of the replay and ack-tracking windows.
const maskBits = 32

// ackDelay is how long a receiver may sit on an acknowledgment hoping
// to piggyback it on outgoing data.
const ackDelay = 10 * time.Millisecond

// missThresh is how many sequence numbers an ACK may skip forward
// before the skipped packets are declared missed.
const missThresh = 1

var (
	// ErrStopped is returned when transmitting on a stopped flow.
	ErrStopped = errors.New("flow is stopped")

	// ErrNoArmor is returned when a flow is started without an armor.
	ErrNoArmor = errors.New("flow has no armor configured")
)

// Target is the upper layer bound to a flow: the stream multiplexer,
// or a test harness. Callbacks are delivered outside the flow's lock,
// one at a time.
type Target interface {
	// Receive processes a verified, decrypted packet payload (the
	// bytes after the channel header). Return true to have the flow
	// acknowledge the packet, false to pretend it never arrived.
	Receive(pktseq uint64, payload []byte) bool

	// Acked reports that packet txseq was acknowledged; rxackseq is
	// the peer's cumulative acknowledgment point.
	Acked(txseq uint64, npackets int, rxackseq uint64)

	// Missed reports that packet txseq was inferred lost. The upper
	// layer decides whether to retransmit its contents.
	Missed(txseq uint64, npackets int)

	// Expired reports that packet txseq left the acknowledgment
	// window without ever being acknowledged.
	Expired(txseq uint64, npackets int)

	// ReadyTransmit signals that congestion control admits new
	// packets after a period of blockage.
	ReadyTransmit()

	// StatusChanged reports link status transitions. A repeated
	// LinkStalled notification marks each unproductive timeout.
	StatusChanged(status LinkStatus)
}

// Config carries flow construction parameters.
type Config struct {
	Clock       timer.Clock
	Logger      *slog.Logger
	SecLog      *logging.SecurityLogger
	CCMode      CCMode
	FixedWindow uint32
	DelayedAck  bool

	// Retransmission timer bounds; zero values use the defaults.
	RetryMin time.Duration
	RetryMax time.Duration
	FailMax  time.Duration
}

// txEvent records one transmitted packet for acknowledgment and loss
// accounting.
type txEvent struct {
	size     int
	isData   bool
	inFlight bool
	acked    bool
	missed   bool
}

// Flow is one channel between the local socket and a remote endpoint.
type Flow struct {
	clock  timer.Clock
	logger *slog.Logger
	seclog *logging.SecurityLogger

	mu     sync.Mutex
	target Target
	armr   armor.Armor
	cc     CongestionControl
	ccmode CCMode

	socket     sock.Socket
	remote     sock.Endpoint
	localChan  sock.ChannelNum // channel number we assigned (peer puts in byte 0)
	remoteChan sock.ChannelNum // channel number peer assigned (we put in byte 0)

	txChanID []byte
	rxChanID []byte

	// Transmit state
	txseq    uint64 // next sequence number to assign
	txevts   []txEvent
	txevtseq uint64 // sequence of txevts[0]
	txackseq uint64 // highest of our sequences the peer has acked
	txfltcnt int    // data packets in flight
	txfltsize int   // data bytes in flight

	// RTT measurement: one marked packet per round trip
	markseq  uint64
	marktime time.Time
	marksent int
	markacks int

	srtt   time.Duration
	rttvar time.Duration

	// Receive state
	rxseq  uint64 // highest sequence received
	rxmask uint32 // bit i => rxseq-i received

	// Receive-side acknowledgment state
	rxackseq  uint64
	rxackct   uint8
	rxunacked int
	delayack  bool

	rtxtimer *timer.Timer
	acktimer *timer.Timer

	linkstat LinkStatus
	started  bool

	// Accumulated while holding mu, delivered after unlock.
	pending []func()
}

// New creates an unbound flow.
func New(cfg Config) *Flow {
	if cfg.Clock == nil {
		cfg.Clock = timer.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.SecLog == nil {
		cfg.SecLog = logging.NewSecurityLogger(cfg.Logger, 1, 5)
	}

	f := &Flow{
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		seclog:   cfg.SecLog,
		cc:       NewCongestionControl(cfg.CCMode, cfg.FixedWindow),
		ccmode:   cfg.CCMode,
		delayack: cfg.DelayedAck,
		txseq:    1,
		txevtseq: 1,
		linkstat: LinkDown,
	}

	f.rtxtimer = timer.NewTimer(cfg.Clock, f.rtxTimeout)
	if cfg.RetryMin > 0 {
		f.rtxtimer.RetryMin = cfg.RetryMin
	}
	if cfg.RetryMax > 0 {
		f.rtxtimer.RetryMax = cfg.RetryMax
	}
	if cfg.FailMax > 0 {
		f.rtxtimer.FailMax = cfg.FailMax
	}

	f.acktimer = timer.NewTimer(cfg.Clock, func(bool) { f.ackTimeout() })
	f.acktimer.FailMax = 0
	f.acktimer.RetryMin = ackDelay

	return f
}

// SetTarget binds the upper layer. Must be set before Start.
func (f *Flow) SetTarget(t Target) {
	f.mu.Lock()
	f.target = t
	f.mu.Unlock()
}

// SetArmor installs the packet protection. Must be set before Start.
func (f *Flow) SetArmor(a armor.Armor) {
	f.mu.Lock()
	f.armr = a
	f.mu.Unlock()
}

// SetChannelIDs records the per-direction channel identifiers the
// stream layer folds into unique stream IDs.
func (f *Flow) SetChannelIDs(tx, rx []byte) {
	f.mu.Lock()
	f.txChanID = append([]byte(nil), tx...)
	f.rxChanID = append([]byte(nil), rx...)
	f.mu.Unlock()
}

// TxChannelID returns the transmit-direction channel identifier.
func (f *Flow) TxChannelID() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txChanID
}

// RxChannelID returns the receive-direction channel identifier.
func (f *Flow) RxChannelID() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rxChanID
}

// Bind registers the flow in the socket's dispatch table. A zero
// localChan allocates a free channel number. Returns the local channel
// number, or 0 on failure.
func (f *Flow) Bind(s sock.Socket, remote sock.Endpoint, localChan sock.ChannelNum) sock.ChannelNum {
	f.mu.Lock()
	defer f.mu.Unlock()
	if localChan == 0 {
		localChan = s.BindFlowAuto(remote, f)
	} else if !s.BindFlow(remote, localChan, f) {
		localChan = 0
	}
	if localChan == 0 {
		return 0
	}
	f.socket = s
	f.remote = remote
	f.localChan = localChan
	return localChan
}

// SetRemoteChannel records the channel number the peer assigned us,
// learned during key exchange.
func (f *Flow) SetRemoteChannel(ch sock.ChannelNum) {
	f.mu.Lock()
	f.remoteChan = ch
	f.mu.Unlock()
}

// LocalChannel returns the channel number we assigned the peer.
func (f *Flow) LocalChannel() sock.ChannelNum {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.localChan
}

// RemoteChannel returns the channel number the peer assigned us.
func (f *Flow) RemoteChannel() sock.ChannelNum {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteChan
}

// Remote returns the bound remote endpoint.
func (f *Flow) Remote() sock.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

// Socket returns the socket the flow is bound to.
func (f *Flow) Socket() sock.Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.socket
}

// Start activates the flow. Key exchange completed a full round trip
// to get here, so the link starts out up.
func (f *Flow) Start(initiator bool) {
	f.mu.Lock()
	f.started = true
	f.setStatusLocked(LinkUp)
	f.flushPending()
}

// Stop deactivates the flow and unbinds it from its socket.
func (f *Flow) Stop() {
	f.mu.Lock()
	f.started = false
	f.rtxtimer.Stop()
	f.acktimer.Stop()
	if f.socket != nil && f.localChan != 0 {
		f.socket.UnbindFlow(f.remote, f.localChan)
	}
	f.setStatusLocked(LinkDown)
	f.flushPending()
}

// LinkStatus returns the current link status.
func (f *Flow) LinkStatus() LinkStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linkstat
}

// RTT returns the smoothed round-trip estimate.
func (f *Flow) RTT() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.srtt
}

// Cwnd returns the effective congestion window in packets.
func (f *Flow) Cwnd() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.effectiveWindowLocked()
}

// PacketsInFlight returns the data packets awaiting acknowledgment.
func (f *Flow) PacketsInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txfltcnt
}

// BytesInFlight returns the data bytes awaiting acknowledgment.
func (f *Flow) BytesInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txfltsize
}

// MayTransmit returns how many new packets congestion control admits.
func (f *Flow) MayTransmit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mayTransmitLocked()
}

func (f *Flow) effectiveWindowLocked() uint32 {
	wnd := clampWindow(f.cc.Window())
	if f.cc.ClampToFlight() {
		fltClamp := uint32(2 * f.txfltcnt)
		if fltClamp < cwndMin {
			fltClamp = cwndMin
		}
		if wnd > fltClamp {
			wnd = fltClamp
		}
	}
	return wnd
}

func (f *Flow) mayTransmitLocked() int {
	wnd := int(f.effectiveWindowLocked())
	if wnd <= f.txfltcnt {
		return 0
	}
	return wnd - f.txfltcnt
}

// rto derives the retransmission timeout from the smoothed RTT.
func (f *Flow) rtoLocked() time.Duration {
	rto := 2 * f.srtt
	if rto < f.rtxtimer.RetryMin {
		rto = f.rtxtimer.RetryMin
	}
	return rto
}

func put24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func get24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// reconstructSeq expands a 24-bit wire sequence to the full 64-bit
// value nearest ref.
func reconstructSeq(ref uint64, s24 uint32) uint64 {
	cand := ref&^uint64(seqMask) | uint64(s24)
	if cand > ref {
		if cand-ref > 1<<(seqBits-1) && cand >= 1<<seqBits {
			cand -= 1 << seqBits
		}
	} else {
		if ref-cand > 1<<(seqBits-1) {
			cand += 1 << seqBits
		}
	}
	return cand
}

// Transmit armors and sends a packet. The caller reserves HdrLen bytes
// at the front and respects MayTransmit for data packets. The assigned
// sequence number is returned even when the send fails; recovery is
// the retransmission machinery's job.
func (f *Flow) Transmit(pkt []byte, isData bool) (uint64, error) {
	f.mu.Lock()
	seq, s, ep, out, err := f.txLocked(pkt, isData)
	f.flushPending()
	if err != nil {
		return seq, err
	}
	return seq, s.Send(ep, out)
}

// TransmitAck sends a bare acknowledgment packet with no payload.
func (f *Flow) TransmitAck() error {
	_, err := f.Transmit(make([]byte, HdrLen), false)
	return err
}

// txLocked assigns a sequence number, fills the header, armors, and
// records the transmission event. Caller holds mu; the packet is
// returned for sending outside the lock.
func (f *Flow) txLocked(pkt []byte, isData bool) (uint64, sock.Socket, sock.Endpoint, []byte, error) {
	if !f.started {
		return 0, nil, sock.Endpoint{}, nil, ErrStopped
	}
	if f.armr == nil {
		return 0, nil, sock.Endpoint{}, nil, ErrNoArmor
	}

	seq := f.txseq
	f.txseq++

	pkt[0] = byte(f.remoteChan)
	put24(pkt[1:4], uint32(seq)&seqMask)

	ackct := uint32(f.rxackct)
	if ackct > ackctMax {
		ackct = ackctMax
	}
	binary.BigEndian.PutUint32(pkt[4:8], ackct<<24|uint32(f.rxackseq)&seqMask)

	// This packet carries the current acknowledgment state.
	f.rxunacked = 0
	f.acktimer.Stop()

	out, err := f.armr.Encode(seq, pkt)
	if err != nil {
		return seq, nil, sock.Endpoint{}, nil, err
	}

	f.txevts = append(f.txevts, txEvent{
		size:     len(pkt),
		isData:   isData,
		inFlight: isData,
	})
	if isData {
		f.txfltcnt++
		f.txfltsize += len(pkt)
	}

	// Place an RTT mark when none is outstanding.
	if f.markseq == 0 && isData {
		f.markseq = seq
		f.marktime = f.clock.Now()
		f.marksent = 0
		f.markacks = 0
	}
	f.marksent++

	if isData && !f.rtxtimer.Active() {
		f.rtxtimer.StartInterval(f.rtoLocked())
	}

	return seq, f.socket, f.remote, out, nil
}

// ReceivePacket implements sock.PacketSink.
func (f *Flow) ReceivePacket(msg []byte, src sock.Endpoint) {
	f.mu.Lock()

	if !f.started || f.armr == nil || len(msg) < HdrLen {
		f.flushPending()
		return
	}

	// Reconstruct the full sequence and run the replay-window check
	// before any cryptography.
	pktseq := reconstructSeq(f.rxseq, get24(msg[1:4]))
	if pktseq <= f.rxseq {
		delta := f.rxseq - pktseq
		if delta >= maskBits-1 {
			f.flushPending() // too old: outside the replay window
			return
		}
		if f.rxmask&(1<<delta) != 0 {
			f.seclog.Debug("replayed packet dropped",
				logging.KeySeq, pktseq,
				logging.KeyEndpoint, src.String())
			f.flushPending()
			return
		}
	}

	pkt, err := f.armr.Decode(pktseq, msg)
	if err != nil {
		f.seclog.Warn("packet failed verification",
			logging.KeySeq, pktseq,
			logging.KeyEndpoint, src.String(),
			logging.KeyError, err)
		f.flushPending()
		return
	}

	// Verified: record receipt.
	if pktseq > f.rxseq {
		delta := pktseq - f.rxseq
		if delta >= maskBits {
			f.rxmask = 1
		} else {
			f.rxmask = f.rxmask<<delta | 1
		}
		f.rxseq = pktseq
	} else {
		f.rxmask |= 1 << (f.rxseq - pktseq)
	}

	// Any authenticated packet proves the link is moving again.
	if f.linkstat == LinkStalled {
		f.setStatusLocked(LinkUp)
	}

	ackword := binary.BigEndian.Uint32(pkt[4:8])
	f.processAckLocked(reconstructSeq(f.txackseq, ackword&seqMask), int(ackword>>24&ackctMax))

	payload := pkt[HdrLen:]
	target := f.target
	f.flushPending()

	// Deliver the payload outside the lock; the upper layer may call
	// straight back into Transmit.
	if target != nil {
		if target.Receive(pktseq, payload) {
			f.Acknowledge(pktseq, true)
		}
	}
}

// processAckLocked digests an acknowledgment: ackseq is the peer's
// cumulative receive point, ackct the contiguous packets before it.
func (f *Flow) processAckLocked(ackseq uint64, ackct int) {
	if ackseq >= f.txseq {
		return // acknowledges the future: ignore
	}

	target := f.target

	if ackseq <= f.txackseq {
		// Duplicate or late acknowledgment: it may still cover a
		// packet we declared missed.
		begin := f.txevtseq
		if uint64(ackct) < ackseq && ackseq-uint64(ackct) > begin {
			begin = ackseq - uint64(ackct)
		}
		ackpoint := f.txackseq
		for seq := begin; seq <= ackseq; seq++ {
			ev := f.evtLocked(seq)
			if ev == nil || ev.acked {
				continue
			}
			ev.acked = true
			f.clearFlightLocked(ev)
			if ev.isData && target != nil {
				s := seq
				f.pending = append(f.pending, func() {
					target.Acked(s, 1, ackpoint)
				})
			}
		}
		return
	}

	newly := int(ackseq - f.txackseq)

	ackBegin := f.txackseq + 1
	if uint64(ackct) < ackseq && ackseq-uint64(ackct) > ackBegin {
		ackBegin = ackseq - uint64(ackct)
	}

	// Packets skipped over by this acknowledgment are missed once the
	// skip distance exceeds the reordering threshold.
	skipped := int(ackBegin - (f.txackseq + 1))
	var missedData int
	if skipped > missThresh {
		for seq := f.txackseq + 1; seq < ackBegin; seq++ {
			ev := f.evtLocked(seq)
			if ev == nil || ev.acked || ev.missed {
				continue
			}
			ev.missed = true
			f.clearFlightLocked(ev)
			if ev.isData {
				missedData++
				if target != nil {
					s := seq
					f.pending = append(f.pending, func() {
						target.Missed(s, 1)
					})
				}
			}
		}
	}

	for seq := ackBegin; seq <= ackseq; seq++ {
		ev := f.evtLocked(seq)
		if ev == nil || ev.acked {
			continue
		}
		ev.acked = true
		f.clearFlightLocked(ev)
		if ev.isData && target != nil {
			s := seq
			f.pending = append(f.pending, func() {
				target.Acked(s, 1, ackseq)
			})
		}
	}

	couldTransmit := f.mayTransmitLocked() > 0
	f.txackseq = ackseq

	// Round-trip measurement on the marked packet.
	if f.markseq != 0 {
		f.markacks += newly
		if ackseq >= f.markseq {
			sample := f.clock.Now().Sub(f.marktime)
			f.updateRTTLocked(sample)
			f.cc.OnRoundTrip(sample, f.marksent, f.markacks)
			f.markseq = 0
		}
	}

	f.cc.OnAcked(newly)
	if missedData > 0 {
		f.cc.OnMissed(missedData)
	}

	// Progress restarts the retransmission clock without backoff. Bare
	// acknowledgment packets draw no acknowledgments themselves, so the
	// timer tracks data in flight, not raw sequence numbers.
	if f.txfltcnt == 0 {
		f.rtxtimer.Stop()
	} else {
		f.rtxtimer.StartInterval(f.rtoLocked())
	}

	f.setStatusLocked(LinkUp)
	f.expireLocked()

	if !couldTransmit && f.mayTransmitLocked() > 0 && target != nil {
		f.pending = append(f.pending, func() { target.ReadyTransmit() })
	}
}

// maxTxEvents bounds the event queue even when the acknowledgment
// point cannot advance (trailing bare-ack packets draw no acks).
const maxTxEvents = 1024

// expireLocked trims transmission events that have fallen out of the
// acknowledgment window, reporting any that were never acknowledged.
func (f *Flow) expireLocked() {
	target := f.target
	for len(f.txevts) > 0 &&
		(f.txevtseq+maskBits <= f.txackseq || len(f.txevts) > maxTxEvents) {
		ev := f.txevts[0]
		seq := f.txevtseq
		f.txevts = f.txevts[1:]
		f.txevtseq++
		if !ev.acked {
			f.clearFlightLocked(&ev)
			if ev.isData && target != nil {
				f.pending = append(f.pending, func() {
					target.Expired(seq, 1)
				})
			}
		}
	}
}

func (f *Flow) evtLocked(seq uint64) *txEvent {
	if seq < f.txevtseq || seq >= f.txevtseq+uint64(len(f.txevts)) {
		return nil
	}
	return &f.txevts[seq-f.txevtseq]
}

func (f *Flow) clearFlightLocked(ev *txEvent) {
	if ev.inFlight {
		ev.inFlight = false
		f.txfltcnt--
		f.txfltsize -= ev.size
	}
}

func (f *Flow) updateRTTLocked(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if f.srtt == 0 {
		f.srtt = sample
		f.rttvar = sample / 2
		return
	}
	dev := f.srtt - sample
	if dev < 0 {
		dev = -dev
	}
	f.rttvar = (f.rttvar*3 + dev) / 4
	f.srtt = (f.srtt*7 + sample) / 8
}

// Acknowledge notes that pktseq was received and processed, updating
// the acknowledgment state carried by outgoing packets. If sendack is
// set, an acknowledgment follows: with delayed acks enabled, a single
// unacknowledged packet waits to be piggybacked on the next outgoing
// packet or for a bare ACK after the delayed-ack interval, and a second
// one triggers a bare ACK at once; with delayed acks disabled, a bare
// ACK goes out immediately.
func (f *Flow) Acknowledge(pktseq uint64, sendack bool) {
	f.mu.Lock()

	if pktseq == f.rxackseq+1 {
		f.rxackseq = pktseq
		if f.rxackct < ackctMax {
			f.rxackct++
		}
	} else if pktseq > f.rxackseq {
		f.rxackseq = pktseq
		f.rxackct = 0
	}

	if !sendack {
		f.flushPending()
		return
	}

	f.rxunacked++
	if !f.delayack || f.rxunacked >= 2 {
		f.rxunacked = 0
		f.acktimer.Stop()
		f.flushPending()
		f.TransmitAck() //nolint:errcheck // best-effort
		return
	}
	if !f.acktimer.Active() {
		f.acktimer.StartInterval(ackDelay)
	}
	f.flushPending()
}

func (f *Flow) ackTimeout() {
	f.mu.Lock()
	send := f.rxunacked > 0
	f.rxunacked = 0
	f.flushPending()
	if send {
		f.TransmitAck() //nolint:errcheck // best-effort
	}
}

// rtxTimeout handles retransmission-timer expiry: soft timeouts stall
// the link and ask the upper layer about the oldest unacked packet;
// the hard deadline takes the link down.
func (f *Flow) rtxTimeout(failed bool) {
	f.mu.Lock()
	if !f.started {
		f.flushPending()
		return
	}

	if failed {
		f.setStatusLocked(LinkDown)
		f.rtxtimer.Stop()
		f.flushPending()
		return
	}

	// The oldest unacknowledged data packet is presumed lost; the
	// upper layer decides whether its contents get retransmitted. An
	// already-missed packet that remains unacknowledged still keeps
	// the timer alive toward the hard failure deadline.
	target := f.target
	outstanding := false
	for seq := f.txackseq + 1; seq < f.txseq; seq++ {
		ev := f.evtLocked(seq)
		if ev == nil || !ev.isData || ev.acked {
			continue
		}
		outstanding = true
		if !ev.missed {
			ev.missed = true
			f.clearFlightLocked(ev)
			if target != nil {
				s := seq
				f.pending = append(f.pending, func() { target.Missed(s, 1) })
			}
		}
		break
	}

	if !outstanding {
		// Nothing outstanding: spurious expiry, stand down.
		f.rtxtimer.Stop()
		f.flushPending()
		return
	}

	f.setStatusLocked(LinkStalled)
	f.cc.OnTimeout()
	f.rtxtimer.Restart()
	f.flushPending()
}

// setStatusLocked queues a status-change notification. Stall
// notifications repeat so observers can count consecutive stalls.
func (f *Flow) setStatusLocked(status LinkStatus) {
	if f.linkstat == status && status != LinkStalled {
		return
	}
	f.linkstat = status
	if target := f.target; target != nil {
		f.pending = append(f.pending, func() { target.StatusChanged(status) })
	}
}

// flushPending releases mu and delivers queued callbacks.
func (f *Flow) flushPending() {
	cbs := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}
