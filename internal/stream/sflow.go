package stream

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/netsteria/sst/internal/flow"
	"github.com/netsteria/sst/internal/xdr"
)

// txKind classifies packets awaiting channel acknowledgment.
type txKind int

const (
	txData txKind = iota
	txInit
	txReply
	txAttach
)

// txRec remembers what rode in one channel packet so channel-level
// acknowledgment and loss reports can be routed back to the stream.
type txRec struct {
	kind   txKind
	s      *Stream
	sg     segment
	sid    StreamID // our SID the packet was sent under
	refSid StreamID // Reply: the peer's SID being confirmed
	slot   int      // Init/Attach: attachment slot index
}

// StreamFlow multiplexes streams over one channel. It implements
// flow.Target; the channel calls back with verified payloads and
// per-packet acknowledgment outcomes.
type StreamFlow struct {
	peer   PeerLink
	logger *slog.Logger
	f      *flow.Flow

	mu        sync.Mutex
	root      *Stream
	ctr       StreamCtr
	local     map[StreamID]*Stream // our SID space
	remote    map[StreamID]*Stream // peer SID space
	remoteSeq map[StreamID]uint64  // rx seq each remote SID was bound at
	remoteSid map[*Stream]StreamID
	waiting   map[uint64]txRec
	ready     []*Stream
	inReady   map[*Stream]bool
	nextSid   StreamID
	stopped   bool
	stalls    int // consecutive stall count, cleared on progress
}

// rootTransmitWindow effectively exempts the root stream from byte
// flow control; it carries only datagrams and service plumbing.
const rootTransmitWindow = 1 << 30

// rootSubstreamWindow bounds concurrent unacknowledged top-level
// opens.
const rootSubstreamWindow = 256

// defaultSubstreamWindow bounds concurrent unacknowledged child opens
// per stream.
const defaultSubstreamWindow = 8

// NewStreamFlow wraps a keyed channel in stream multiplexing and
// installs itself as the channel's target. Call Start to go live.
func NewStreamFlow(f *flow.Flow, peer PeerLink) *StreamFlow {
	sf := &StreamFlow{
		peer:      peer,
		logger:    peer.Logger(),
		f:         f,
		local:     make(map[StreamID]*Stream),
		remote:    make(map[StreamID]*Stream),
		remoteSeq: make(map[StreamID]uint64),
		remoteSid: make(map[*Stream]StreamID),
		waiting:   make(map[uint64]txRec),
		inReady:   make(map[*Stream]bool),
		nextSid:   1,
	}

	root := newStream(peer, nil)
	root.state = Connected
	root.twin = rootTransmitWindow
	root.tswin = rootSubstreamWindow
	root.rswin = rootSubstreamWindow
	root.tatt[0] = attachment{sf: sf, sid: sidRoot, state: attachActive}
	sf.root = root
	sf.local[sidRoot] = root
	sf.remote[sidRoot] = root
	sf.remoteSid[root] = sidRoot

	f.SetTarget(sf)
	return sf
}

// Flow returns the underlying channel.
func (sf *StreamFlow) Flow() *flow.Flow { return sf.f }

// Root returns the channel's root stream.
func (sf *StreamFlow) Root() *Stream { return sf.root }

// Start activates the underlying channel.
func (sf *StreamFlow) Start(initiator bool) {
	sf.f.Start(initiator)
}

// Stop deactivates the channel and detaches all streams. Packets
// still awaiting acknowledgment are handed back for retransmission on
// whatever channel the streams move to.
func (sf *StreamFlow) Stop() {
	sf.mu.Lock()
	if sf.stopped {
		sf.mu.Unlock()
		return
	}
	sf.stopped = true
	streams := make([]*Stream, 0, len(sf.local))
	for _, s := range sf.local {
		streams = append(streams, s)
	}
	orphans := make([]txRec, 0, len(sf.waiting))
	for _, rec := range sf.waiting {
		orphans = append(orphans, rec)
	}
	sf.waiting = make(map[uint64]txRec)
	sf.mu.Unlock()

	for _, s := range streams {
		if s != sf.root {
			s.detachFrom(sf)
		}
	}
	sf.f.Stop()

	for _, rec := range orphans {
		if rec.kind == txData {
			rec.s.segmentMissed(rec.sg)
		}
	}
}

// Stalls returns the consecutive stall count since last progress.
func (sf *StreamFlow) Stalls() int {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.stalls
}

// ---- SID allocation ----

// allocSidLocked picks a free SID, evicting a victim attachment after
// maxSidSkip occupied candidates.
func (sf *StreamFlow) allocSidLocked() (StreamID, *Stream) {
	var victim *Stream
	for skip := 0; ; skip++ {
		sid := sf.nextSid
		sf.nextSid++
		if sf.nextSid == 0 {
			sf.nextSid = 1
		}
		if sid == sidRoot {
			continue
		}
		holder, taken := sf.local[sid]
		if !taken {
			return sid, nil
		}
		if skip >= maxSidSkip {
			victim = holder
			delete(sf.local, sid)
			return sid, victim
		}
	}
}

// ---- Transmit scheduling ----

// streamReady queues a stream for transmission servicing.
func (sf *StreamFlow) streamReady(s *Stream) {
	sf.mu.Lock()
	if !sf.inReady[s] && !sf.stopped {
		sf.inReady[s] = true
		sf.ready = append(sf.ready, s)
	}
	sf.mu.Unlock()
	sf.pump()
}

// pump services ready streams while congestion control admits
// packets. Highest priority goes first; equal priorities round-robin.
func (sf *StreamFlow) pump() {
	for {
		if sf.f.MayTransmit() <= 0 {
			return
		}

		sf.mu.Lock()
		if sf.stopped || len(sf.ready) == 0 {
			sf.mu.Unlock()
			return
		}
		// Pick the highest-priority ready stream.
		best := 0
		for i := 1; i < len(sf.ready); i++ {
			if sf.ready[i].Priority() > sf.ready[best].Priority() {
				best = i
			}
		}
		s := sf.ready[best]
		sf.ready = append(sf.ready[:best], sf.ready[best+1:]...)
		delete(sf.inReady, s)
		sf.mu.Unlock()

		if sf.transmitOne(s) {
			// More to send? Requeue at the tail.
			if s.hasTransmittable() {
				sf.mu.Lock()
				if !sf.inReady[s] {
					sf.inReady[s] = true
					sf.ready = append(sf.ready, s)
				}
				sf.mu.Unlock()
			}
		}
	}
}

// transmitOne sends the next segment of s as a Data packet.
func (sf *StreamFlow) transmitOne(s *Stream) bool {
	sid, attached := s.sidOn(sf)
	if !attached {
		return false
	}

	sg, ok := s.popSegment()
	if !ok {
		return false
	}

	s.mu.Lock()
	win := s.windowByteLocked()
	s.mu.Unlock()

	pkt := make([]byte, flow.HdrLen+hdrLenData+len(sg.data))
	p := pkt[flow.HdrLen:]
	putHdr(p, sid, typeData, sg.flags, win)
	binary.BigEndian.PutUint32(p[4:8], uint32(sg.tsn))
	copy(p[hdrLenData:], sg.data)

	seq, err := sf.f.Transmit(pkt, true)
	if err != nil {
		// Requeue; the link may come back or the stream may migrate.
		s.segmentMissed(sg)
		return false
	}

	sf.mu.Lock()
	sf.waiting[seq] = txRec{kind: txData, s: s, sg: sg, sid: sid}
	sf.mu.Unlock()
	return true
}

// initSubstream attaches a newly opened child stream and sends its
// Init, deferring when the parent's substream window is full.
func (sf *StreamFlow) initSubstream(parent, child *Stream) {
	parent.mu.Lock()
	if parent.tsflt >= parent.tswin {
		parent.initq = append(parent.initq, child)
		parent.mu.Unlock()
		return
	}
	parent.tsflt++
	parent.mu.Unlock()

	sf.mu.Lock()
	sid, victim := sf.allocSidLocked()
	sf.ctr++
	usid := MakeUSID(sf.ctr, sf.f.TxChannelID())
	sf.local[sid] = child
	sf.mu.Unlock()

	if victim != nil {
		sf.forceDetach(victim, sid)
	}

	child.mu.Lock()
	child.usid = usid
	child.tatt[0] = attachment{sf: sf, sid: sid, state: attachAttaching}
	child.tcur = 0
	// The Init carries the stream's first segment when one is queued.
	var sg segment
	if len(child.tqueue) > 0 {
		sg = child.tqueue[0]
		child.tqueue = child.tqueue[1:]
		child.tflt += len(sg.data)
	}
	child.mu.Unlock()

	sf.peer.RegisterUSID(usid, child)
	sf.sendInit(parent, child, sid, sg)
}

// sendInit emits an Init packet for child under our SID space.
func (sf *StreamFlow) sendInit(parent, child *Stream, sid StreamID, sg segment) {
	psid, ok := parent.sidOn(sf)
	if !ok {
		return
	}

	child.mu.Lock()
	win := child.windowByteLocked()
	ctr := child.usid.Ctr
	child.mu.Unlock()

	// sid names the parent; the extension carries the new SID, the
	// opener's stream counter, and the first segment's 16-bit TSN.
	const extLen = 2 + 8 + 2
	pkt := make([]byte, flow.HdrLen+hdrLenMin+extLen+len(sg.data))
	p := pkt[flow.HdrLen:]
	putHdr(p, psid, typeInit, sg.flags, win)
	binary.BigEndian.PutUint16(p[4:6], uint16(sid))
	binary.BigEndian.PutUint64(p[6:14], uint64(ctr))
	binary.BigEndian.PutUint16(p[14:16], uint16(sg.tsn))
	copy(p[hdrLenMin+extLen:], sg.data)

	seq, err := sf.f.Transmit(pkt, true)
	if err != nil {
		return
	}
	sf.mu.Lock()
	sf.waiting[seq] = txRec{kind: txInit, s: child, sg: sg, sid: sid, slot: 0}
	sf.mu.Unlock()
}

// sendReply confirms a peer-opened stream, binding our SID for it.
func (sf *StreamFlow) sendReply(s *Stream, theirSid, ourSid StreamID, slot int) {
	s.mu.Lock()
	win := s.windowByteLocked()
	s.mu.Unlock()

	pkt := make([]byte, flow.HdrLen+hdrLenInit)
	p := pkt[flow.HdrLen:]
	putHdr(p, theirSid, typeReply, 0, win)
	binary.BigEndian.PutUint16(p[4:6], uint16(ourSid))
	binary.BigEndian.PutUint16(p[6:8], 0)

	seq, err := sf.f.Transmit(pkt, true)
	if err != nil {
		return
	}
	sf.mu.Lock()
	sf.waiting[seq] = txRec{kind: txReply, s: s, sid: ourSid, refSid: theirSid, slot: slot}
	sf.mu.Unlock()
}

// AttachStream binds an existing stream to this channel: migration's
// first half. The stream keeps its old attachment alive until this one
// activates.
func (sf *StreamFlow) AttachStream(s *Stream) {
	s.mu.Lock()
	if s.usid.IsNull() || s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	// Find a slot: reuse one already on this flow, else a free or
	// deprecated one.
	slot := -1
	for i := range s.tatt {
		if s.tatt[i].sf == sf && s.tatt[i].state != attachUnused {
			s.mu.Unlock()
			return // already attached here
		}
	}
	for i := range s.tatt {
		if s.tatt[i].state == attachUnused || s.tatt[i].state == attachDeprecated {
			slot = i
			break
		}
	}
	if slot < 0 {
		slot = 1 - s.tcur
	}
	usid := s.usid
	s.mu.Unlock()

	sf.mu.Lock()
	sid, victim := sf.allocSidLocked()
	sf.local[sid] = s
	sf.mu.Unlock()
	if victim != nil {
		sf.forceDetach(victim, sid)
	}

	s.mu.Lock()
	s.tatt[slot] = attachment{sf: sf, sid: sid, state: attachAttaching}
	s.mu.Unlock()

	sf.sendAttach(s, sid, slot, usid)
}

func (sf *StreamFlow) sendAttach(s *Stream, sid StreamID, slot int, usid USID) {
	enc := xdr.NewEncoder()
	usid.EncodeTo(enc)
	body := enc.Bytes()

	s.mu.Lock()
	win := s.windowByteLocked()
	s.mu.Unlock()

	pkt := make([]byte, flow.HdrLen+hdrLenMin+len(body))
	p := pkt[flow.HdrLen:]
	putHdr(p, sid, typeAttach, uint8(slot)&attachSlotMask, win)
	copy(p[hdrLenMin:], body)

	seq, err := sf.f.Transmit(pkt, true)
	if err != nil {
		return
	}
	sf.mu.Lock()
	sf.waiting[seq] = txRec{kind: txAttach, s: s, sid: sid, slot: slot}
	sf.mu.Unlock()
}

// sendAck emits a stream-level Ack carrying a window update.
func (sf *StreamFlow) sendAck(s *Stream) {
	sf.mu.Lock()
	sid, ok := sf.remoteSid[s]
	sf.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	win := s.windowByteLocked()
	s.mu.Unlock()

	pkt := make([]byte, flow.HdrLen+hdrLenMin)
	putHdr(pkt[flow.HdrLen:], sid, typeAck, 0, win)
	sf.f.Transmit(pkt, false) //nolint:errcheck // best-effort
}

// sendReset emits an abortive Reset. dirLocal is set when sid is in
// our namespace.
func (sf *StreamFlow) sendReset(sid StreamID, dirLocal bool) {
	var flags uint8
	if dirLocal {
		flags = resetDirFlag
	}
	pkt := make([]byte, flow.HdrLen+hdrLenMin)
	putHdr(pkt[flow.HdrLen:], sid, typeReset, flags, 0)
	sf.f.Transmit(pkt, false) //nolint:errcheck // best-effort
}

// sendDetach releases our SID binding for a stream.
func (sf *StreamFlow) sendDetach(sid StreamID) {
	pkt := make([]byte, flow.HdrLen+hdrLenMin)
	putHdr(pkt[flow.HdrLen:], sid, typeDetach, 0, 0)
	sf.f.Transmit(pkt, false) //nolint:errcheck // best-effort
}

// sendDatagram fragments and sends one best-effort datagram on the
// parent stream's attachment. No delivery state is kept.
func (sf *StreamFlow) sendDatagram(s *Stream, data []byte) error {
	sid, ok := s.sidOn(sf)
	if !ok {
		return ErrDisconnected
	}

	const maxFrag = MTU - hdrLenMin
	for off := 0; off == 0 || off < len(data); off += maxFrag {
		end := off + maxFrag
		if end > len(data) {
			end = len(data)
		}
		var subtype uint8
		if off == 0 {
			subtype |= dgramBeginFlag
		}
		if end == len(data) {
			subtype |= dgramEndFlag
		}

		s.mu.Lock()
		win := s.windowByteLocked()
		s.mu.Unlock()

		pkt := make([]byte, flow.HdrLen+hdrLenMin+(end-off))
		p := pkt[flow.HdrLen:]
		putHdr(p, sid, typeDatagram, subtype, win)
		copy(p[hdrLenMin:], data[off:end])
		if _, err := sf.f.Transmit(pkt, false); err != nil {
			return err
		}
		if end == len(data) {
			break
		}
	}
	return nil
}

// detachStream drops all local bookkeeping for a stream.
func (sf *StreamFlow) detachStream(s *Stream) {
	sf.mu.Lock()
	for sid, holder := range sf.local {
		if holder == s {
			delete(sf.local, sid)
		}
	}
	delete(sf.remoteSid, s)
	delete(sf.inReady, s)
	for i, r := range sf.ready {
		if r == s {
			sf.ready = append(sf.ready[:i], sf.ready[i+1:]...)
			break
		}
	}
	sf.mu.Unlock()
}

// forceDetach evicts a victim stream's attachment after SID space
// exhaustion.
func (sf *StreamFlow) forceDetach(victim *Stream, sid StreamID) {
	victim.mu.Lock()
	for i := range victim.tatt {
		if victim.tatt[i].sf == sf && victim.tatt[i].sid == sid {
			victim.tatt[i].state = attachUnused
		}
	}
	victim.mu.Unlock()
	sf.sendDetach(sid)
}
