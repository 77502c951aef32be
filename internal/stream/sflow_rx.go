package stream

import (
	"encoding/binary"

	"github.com/netsteria/sst/internal/flow"
	"github.com/netsteria/sst/internal/logging"
	"github.com/netsteria/sst/internal/xdr"
)

// Receive implements flow.Target: dispatch one verified stream packet.
// Returning false tells the channel to act as if the packet never
// arrived, so the sender retransmits its contents, possibly after the
// stream migrates elsewhere.
func (sf *StreamFlow) Receive(pktseq uint64, payload []byte) bool {
	h, err := decodeHdr(payload)
	if err != nil {
		if len(payload) == 0 {
			return false // bare channel-level acknowledgment
		}
		sf.logger.Debug("undecodable stream packet", logging.KeyError, err)
		return false
	}

	switch h.typ {
	case typeInit:
		return sf.rxInit(pktseq, h, payload)
	case typeReply:
		return sf.rxReply(pktseq, h, payload)
	case typeData:
		return sf.rxData(h, payload)
	case typeDatagram:
		return sf.rxDatagram(h, payload)
	case typeAck:
		return sf.rxAck(h)
	case typeReset:
		return sf.rxReset(h)
	case typeAttach:
		return sf.rxAttach(pktseq, h, payload)
	case typeDetach:
		return sf.rxDetach(h)
	default:
		// Protocol violation: the channel is not speaking our
		// protocol anymore. Close it; streams survive elsewhere.
		sf.logger.Warn("unknown stream packet type; closing channel",
			logging.KeyCount, h.typ)
		sf.peer.FlowStatus(sf, flow.LinkDown)
		sf.Stop()
		return false
	}
}

const initExtLen = 2 + 8 + 2

func (sf *StreamFlow) rxInit(pktseq uint64, h hdr, payload []byte) bool {
	if len(payload) < hdrLenMin+initExtLen {
		return false
	}
	rsid := StreamID(binary.BigEndian.Uint16(payload[4:6]))
	ctr := StreamCtr(binary.BigEndian.Uint64(payload[6:14]))
	tsn := StreamSeq(binary.BigEndian.Uint16(payload[14:16]))
	data := payload[hdrLenMin+initExtLen:]

	sf.mu.Lock()
	parent := sf.remote[h.sid]
	existing := sf.remote[rsid]
	sf.mu.Unlock()
	if parent == nil {
		return false
	}

	if existing != nil && existing.USID().Ctr == ctr {
		// Retransmitted Init for a stream we already set up.
		existing.setTransmitWindow(h.window)
		existing.receiveSegment(segment{tsn: tsn, data: data, flags: h.subtype})
		return true
	}

	usid := MakeUSID(ctr, sf.f.RxChannelID())
	child := sf.peer.LookupUSID(usid)
	fresh := child == nil
	if fresh {
		child = newStream(sf.peer, parent)
		if parent == sf.root {
			child.toplev = true
			child.state = WaitService
		} else {
			child.state = Connected
		}
		child.mu.Lock()
		child.usid = usid
		child.mu.Unlock()
		sf.peer.RegisterUSID(usid, child)
	}

	sf.mu.Lock()
	sf.remote[rsid] = child
	sf.remoteSeq[rsid] = pktseq
	sf.remoteSid[child] = rsid
	ourSid, victim := sf.allocSidLocked()
	sf.local[ourSid] = child
	sf.mu.Unlock()
	if victim != nil {
		sf.forceDetach(victim, ourSid)
	}

	child.mu.Lock()
	child.tatt[0] = attachment{sf: sf, sid: ourSid, state: attachAttaching}
	child.tcur = 0
	child.mu.Unlock()

	child.setTransmitWindow(h.window)
	sf.sendReply(child, rsid, ourSid, 0)
	child.receiveSegment(segment{tsn: tsn, data: data, flags: h.subtype})

	if fresh && parent != sf.root {
		parent.deliverSubstream(child)
	}
	return true
}

func (sf *StreamFlow) rxReply(pktseq uint64, h hdr, payload []byte) bool {
	if len(payload) < hdrLenInit {
		return false
	}
	rsid := StreamID(binary.BigEndian.Uint16(payload[4:6]))

	sf.mu.Lock()
	s := sf.local[h.sid]
	if s == nil {
		sf.mu.Unlock()
		return false
	}
	sf.remote[rsid] = s
	sf.remoteSeq[rsid] = pktseq
	sf.remoteSid[s] = rsid
	sf.mu.Unlock()

	s.markAttachActive(sf, h.sid)
	s.setTransmitWindow(h.window)

	// The substream window slot the Init occupied is free again.
	s.mu.Lock()
	parent := s.parent
	s.mu.Unlock()
	if parent != nil {
		parent.mu.Lock()
		if parent.tsflt > 0 {
			parent.tsflt--
		}
		var next *Stream
		if len(parent.initq) > 0 && parent.tsflt < parent.tswin {
			next = parent.initq[0]
			parent.initq = parent.initq[1:]
		}
		parent.mu.Unlock()
		if next != nil {
			sf.initSubstream(parent, next)
		}
	}
	return true
}

func (sf *StreamFlow) rxData(h hdr, payload []byte) bool {
	if len(payload) < hdrLenData {
		return false
	}
	sf.mu.Lock()
	s := sf.remote[h.sid]
	sf.mu.Unlock()
	if s == nil {
		return false
	}
	tsn := StreamSeq(binary.BigEndian.Uint32(payload[4:8]))
	s.setTransmitWindow(h.window)
	s.receiveSegment(segment{tsn: tsn, data: payload[hdrLenData:], flags: h.subtype})
	return true
}

func (sf *StreamFlow) rxDatagram(h hdr, payload []byte) bool {
	sf.mu.Lock()
	s := sf.remote[h.sid]
	sf.mu.Unlock()
	if s == nil {
		return false
	}
	s.receiveDatagramFrag(payload[hdrLenMin:], h.subtype)
	return true
}

func (sf *StreamFlow) rxAck(h hdr) bool {
	sf.mu.Lock()
	s := sf.local[h.sid]
	sf.mu.Unlock()
	if s != nil {
		s.setTransmitWindow(h.window)
	}
	// Stream-level acks carry window state only; acknowledging them
	// would just breed more acks.
	return false
}

func (sf *StreamFlow) rxReset(h hdr) bool {
	var s *Stream
	sf.mu.Lock()
	if h.subtype&resetDirFlag != 0 {
		s = sf.remote[h.sid]
	} else {
		s = sf.local[h.sid]
	}
	sf.mu.Unlock()
	if s != nil && s != sf.root {
		s.disconnect("reset by peer", false)
	}
	return false
}

func (sf *StreamFlow) rxAttach(pktseq uint64, h hdr, payload []byte) bool {
	d := xdr.NewDecoder(payload[hdrLenMin:])
	usid := DecodeUSID(d)
	if d.Err() != nil {
		return false
	}
	s := sf.peer.LookupUSID(usid)
	if s == nil {
		return false
	}
	sf.mu.Lock()
	sf.remote[h.sid] = s
	sf.remoteSeq[h.sid] = pktseq
	sf.remoteSid[s] = h.sid
	sf.mu.Unlock()
	s.setTransmitWindow(h.window)

	// The peer moved its direction here; bring ours along so both
	// directions ride the same channel after migration.
	sf.AttachStream(s)
	return true
}

func (sf *StreamFlow) rxDetach(h hdr) bool {
	sf.mu.Lock()
	if s, ok := sf.remote[h.sid]; ok {
		delete(sf.remote, h.sid)
		delete(sf.remoteSeq, h.sid)
		if sf.remoteSid[s] == h.sid {
			delete(sf.remoteSid, s)
		}
	}
	sf.mu.Unlock()
	return true
}

// ---- Channel acknowledgment callbacks ----

// Acked routes a channel-level acknowledgment back to whatever rode in
// that packet.
func (sf *StreamFlow) Acked(txseq uint64, npackets int, rxackseq uint64) {
	sf.mu.Lock()
	rec, ok := sf.waiting[txseq]
	if ok {
		delete(sf.waiting, txseq)
	}
	sf.stalls = 0
	sf.mu.Unlock()
	if !ok {
		return
	}

	switch rec.kind {
	case txData:
		rec.s.segmentAcked(rec.sg)
	case txInit:
		rec.s.markAttachActive(sf, rec.sid)
		rec.s.segmentAcked(rec.sg)
	case txReply:
		rec.s.markAttachActive(sf, rec.sid)
	case txAttach:
		rec.s.markAttachActive(sf, rec.sid)
	}
	// Freed window or a fresh active attachment may unblock the
	// stream's queue.
	if rec.s.hasTransmittable() {
		if cur := rec.s.currentFlow(); cur != nil {
			cur.streamReady(rec.s)
		}
	}
	sf.pump()
}

// Missed asks for retransmission of whatever a lost packet carried.
func (sf *StreamFlow) Missed(txseq uint64, npackets int) {
	sf.mu.Lock()
	rec, ok := sf.waiting[txseq]
	if ok {
		delete(sf.waiting, txseq)
	}
	sf.mu.Unlock()
	if !ok {
		return
	}
	sf.retransmit(rec)
}

// Expired finalizes a packet that left the tracking window unacked.
func (sf *StreamFlow) Expired(txseq uint64, npackets int) {
	sf.Missed(txseq, npackets)
}

func (sf *StreamFlow) retransmit(rec txRec) {
	switch rec.kind {
	case txData:
		rec.s.segmentMissed(rec.sg)
	case txInit:
		rec.s.mu.Lock()
		parent := rec.s.parent
		rec.s.mu.Unlock()
		if parent != nil {
			sf.sendInit(parent, rec.s, rec.sid, rec.sg)
		}
	case txReply:
		sf.sendReply(rec.s, rec.refSid, rec.sid, rec.slot)
	case txAttach:
		sf.sendAttach(rec.s, rec.sid, rec.slot, rec.s.USID())
	}
}

// ReadyTransmit implements flow.Target.
func (sf *StreamFlow) ReadyTransmit() {
	sf.pump()
}

// StatusChanged implements flow.Target: propagate link transitions to
// attached streams and the peer manager.
func (sf *StreamFlow) StatusChanged(status flow.LinkStatus) {
	sf.mu.Lock()
	if status == flow.LinkStalled {
		sf.stalls++
	}
	streams := make([]*Stream, 0, len(sf.local))
	for _, s := range sf.local {
		streams = append(streams, s)
	}
	sf.mu.Unlock()

	for _, s := range streams {
		s.linkStatusChanged(status == flow.LinkUp, status == flow.LinkStalled)
	}
	sf.peer.FlowStatus(sf, status)
}
