package stream

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/netsteria/sst/internal/flow"
	"github.com/netsteria/sst/internal/timer"
)

// State is a stream's lifecycle state.
type State int

const (
	// Fresh: created, not yet connected or accepted.
	Fresh State = iota
	// WaitService: inbound top-level stream awaiting its
	// ConnectRequest.
	WaitService
	// Accepting: service request received, reply pending delivery.
	Accepting
	// Connected: open for data.
	Connected
	// Disconnected: terminal.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "FRESH"
	case WaitService:
		return "WAIT_SERVICE"
	case Accepting:
		return "ACCEPTING"
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ShutdownMode selects what Shutdown closes.
type ShutdownMode int

const (
	ShutdownRead  ShutdownMode = 1 << iota // stop reading, discard input
	ShutdownWrite                          // flush, then mark end of stream
	ShutdownReset                          // abort immediately
)

// ShutdownClose gracefully closes both directions.
const ShutdownClose = ShutdownRead | ShutdownWrite

var (
	// ErrDisconnected is returned for I/O on a terminal stream.
	ErrDisconnected = errors.New("stream is disconnected")

	// ErrWriteClosed is returned when writing after ShutdownWrite.
	ErrWriteClosed = errors.New("stream closed for writing")

	// ErrReadClosed is returned when reading after end of stream.
	ErrReadClosed = errors.New("stream at end")

	// ErrDatagramTooBig is returned for oversized unreliable
	// datagrams.
	ErrDatagramTooBig = errors.New("datagram exceeds maximum size")
)

// Events is the application's callback sink. All callbacks fire
// without stream locks held; nil members are skipped.
type Events struct {
	ReadyRead         func()
	ReadyReadMessage  func()
	ReadyReadDatagram func()
	ReadyWrite        func()
	NewSubstream      func()
	LinkUp            func()
	LinkStalled       func()
	LinkDown          func()
	Reset             func(reason string)
	Error             func(msg string)
}

// PeerLink is the stream layer's view of the peer manager: the
// per-EID state shared by all channels to that peer.
type PeerLink interface {
	// LookupUSID finds a stream by unique id for reattachment.
	LookupUSID(u USID) *Stream

	// RegisterUSID records a stream's unique id.
	RegisterUSID(u USID, s *Stream)

	// UnregisterUSID drops a unique id binding.
	UnregisterUSID(u USID)

	// Services resolves service registrations for inbound connects.
	Services() *ServiceTable

	// StreamDisconnected tells the peer a stream reached its
	// terminal state.
	StreamDisconnected(s *Stream)

	// FlowStatus reports channel link-status transitions so the
	// peer can drive primary replacement and migration.
	FlowStatus(sf *StreamFlow, status flow.LinkStatus)

	Clock() timer.Clock
	Logger() *slog.Logger
}

// segment is one unit of stream payload: at most maxSegmentSize bytes
// plus the Push/Message/Close flags of its trailing edge.
type segment struct {
	tsn   StreamSeq
	data  []byte
	flags uint8
}

func (sg *segment) end() StreamSeq {
	return sg.tsn + StreamSeq(len(sg.data))
}

// attachState tracks one attachment slot.
type attachState int

const (
	attachUnused attachState = iota
	attachAttaching
	attachActive
	attachDeprecated
)

// attachment binds a stream to one channel under one SID.
type attachment struct {
	sf    *StreamFlow
	sid   StreamID
	state attachState
}

// Stream is one structured stream: a reliable, ordered byte and
// message sequence with substreams and best-effort datagrams,
// persisting across channel reattachment.
type Stream struct {
	peer PeerLink

	mu     sync.Mutex
	usid   USID
	pusid  USID
	parent *Stream
	state  State
	events Events

	// Priority is consulted when a channel picks the next stream to
	// service; higher transmits first.
	priority int

	toplev bool // child of the root stream: negotiates a service

	// Transmit attachments; tcur is the preferred slot.
	tatt [maxAttach]attachment
	tcur int

	// Byte transmit state
	tasn     StreamSeq
	twin     int
	tflt     int
	tqueue   []segment
	endwrite bool
	wblocked bool // writer saw a closed window; notify on reopen

	// Substream transmit state
	tswin    int
	tsflt    int
	initq    []*Stream // children waiting for substream window

	// Byte receive state
	rsn      StreamSeq
	rbuf     []byte
	rrecs    []int // complete message record lengths within rbuf
	rahead   []segment
	rclose   bool      // close marker consumed in order
	closeTSN StreamSeq // end-of-stream position once known
	haveClose bool
	endread  bool
	rcvbuf   int // receive buffer for flow control
	crcvbuf  int // receive buffer inherited by substreams
	radvert  int // window last advertised

	// Substream receive state
	rsubs []*Stream
	rswin int

	// Datagram state
	rdgrams  [][]byte
	dgramBuf []byte
	dgramIn  bool

	// Service negotiation
	svcRequest *ConnectRequest // set on connecting top-level streams
	svcDone    bool            // negotiation message consumed
	server     *Server         // accepted-by server, responder side
}

// newStream creates a stream bound to a peer, optionally under a
// parent.
func newStream(peer PeerLink, parent *Stream) *Stream {
	s := &Stream{
		peer:    peer,
		parent:  parent,
		state:   Fresh,
		rcvbuf:  DefaultReceiveBuffer,
		crcvbuf: DefaultReceiveBuffer,
		tswin:   defaultSubstreamWindow,
		rswin:   defaultSubstreamWindow,
	}
	if parent != nil {
		parent.mu.Lock()
		s.rcvbuf = parent.crcvbuf
		s.crcvbuf = parent.crcvbuf
		s.pusid = parent.usid
		parent.mu.Unlock()
	}
	return s
}

// USID returns the stream's unique identifier (null until first
// attached).
func (s *Stream) USID() USID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usid
}

// State returns the stream state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetEvents installs the application callback sink.
func (s *Stream) SetEvents(ev Events) {
	s.mu.Lock()
	s.events = ev
	s.mu.Unlock()
}

// SetPriority sets the transmit priority; higher goes first.
func (s *Stream) SetPriority(pri int) {
	s.mu.Lock()
	s.priority = pri
	s.mu.Unlock()
}

// Priority returns the transmit priority.
func (s *Stream) Priority() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

// SetReceiveBuffer sizes this stream's receive buffer, bounding the
// advertised window.
func (s *Stream) SetReceiveBuffer(n int) {
	if n < MinReceiveBuffer {
		n = MinReceiveBuffer
	}
	s.mu.Lock()
	s.rcvbuf = n
	s.mu.Unlock()
}

// SetChildReceiveBuffer sizes the receive buffer substreams inherit.
func (s *Stream) SetChildReceiveBuffer(n int) {
	if n < MinReceiveBuffer {
		n = MinReceiveBuffer
	}
	s.mu.Lock()
	s.crcvbuf = n
	s.mu.Unlock()
}

// currentFlow returns the preferred transmit attachment's flow, or nil.
func (s *Stream) currentFlow() *StreamFlow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentFlowLocked()
}

func (s *Stream) currentFlowLocked() *StreamFlow {
	a := &s.tatt[s.tcur]
	if a.state == attachAttaching || a.state == attachActive {
		return a.sf
	}
	for i := range s.tatt {
		if s.tatt[i].state == attachAttaching || s.tatt[i].state == attachActive {
			s.tcur = i
			return s.tatt[i].sf
		}
	}
	return nil
}

// sidOn returns the stream's SID on a given flow, if attached there.
func (s *Stream) sidOn(sf *StreamFlow) (StreamID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tatt {
		if s.tatt[i].sf == sf && s.tatt[i].state != attachUnused {
			return s.tatt[i].sid, true
		}
	}
	return 0, false
}

// ---- Write side ----

// maxSegmentSize is the largest data payload per stream packet.
const maxSegmentSize = MTU - hdrLenData

// WriteBytes enqueues b for ordered delivery and returns the bytes
// accepted. It never blocks: acceptance is bounded only by memory, and
// transmission is paced by the peer's window and congestion control.
func (s *Stream) WriteBytes(b []byte) (int, error) {
	return s.write(b, 0)
}

// WriteMessage enqueues b as one atomic record terminated by a message
// marker.
func (s *Stream) WriteMessage(b []byte) (int, error) {
	return s.write(b, dataMessageFlag|dataPushFlag)
}

func (s *Stream) write(b []byte, lastFlags uint8) (int, error) {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return 0, ErrDisconnected
	}
	if s.endwrite {
		s.mu.Unlock()
		return 0, ErrWriteClosed
	}

	n := len(b)
	for off := 0; off < n || (n == 0 && lastFlags != 0); off += maxSegmentSize {
		end := off + maxSegmentSize
		if end > n {
			end = n
		}
		sg := segment{
			tsn:  s.tasn,
			data: append([]byte(nil), b[off:end]...),
		}
		if end == n {
			sg.flags = lastFlags
		}
		s.tasn += StreamSeq(len(sg.data))
		s.tqueue = append(s.tqueue, sg)
		if n == 0 {
			break
		}
	}
	sf := s.currentFlowLocked()
	s.mu.Unlock()

	if sf != nil {
		sf.streamReady(s)
	}
	return n, nil
}

// ---- Read side ----

// ReadBytes returns up to max buffered bytes without crossing a
// message boundary. A nil slice means nothing is available.
func (s *Stream) ReadBytes(max int) ([]byte, error) {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	if s.endread {
		s.mu.Unlock()
		return nil, ErrReadClosed
	}

	avail := len(s.rbuf)
	if len(s.rrecs) > 0 && s.rrecs[0] < avail {
		avail = s.rrecs[0]
	}
	if max > 0 && max < avail {
		avail = max
	}
	if avail == 0 {
		atEnd := s.rclose
		s.mu.Unlock()
		if atEnd {
			return nil, ErrReadClosed
		}
		return nil, nil
	}

	out := s.rbuf[:avail:avail]
	s.rbuf = s.rbuf[avail:]
	if len(s.rrecs) > 0 {
		s.rrecs[0] -= avail
		if s.rrecs[0] == 0 {
			s.rrecs = s.rrecs[1:]
		}
	}
	s.mu.Unlock()

	s.updateWindow()
	return out, nil
}

// ReadMessage returns the next complete message record, or nil when
// none is buffered.
func (s *Stream) ReadMessage() ([]byte, error) {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	if s.endread {
		s.mu.Unlock()
		return nil, ErrReadClosed
	}
	if len(s.rrecs) == 0 {
		atEnd := s.rclose && len(s.rbuf) == 0
		s.mu.Unlock()
		if atEnd {
			return nil, ErrReadClosed
		}
		return nil, nil
	}

	n := s.rrecs[0]
	s.rrecs = s.rrecs[1:]
	out := s.rbuf[:n:n]
	s.rbuf = s.rbuf[n:]
	s.mu.Unlock()

	s.updateWindow()
	return out, nil
}

// HasPendingMessage reports whether a complete record is buffered.
func (s *Stream) HasPendingMessage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rrecs) > 0
}

// BytesAvailable returns the buffered in-order byte count.
func (s *Stream) BytesAvailable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rbuf)
}

// AtEnd reports whether the peer closed its write side and all its
// data has been read.
func (s *Stream) AtEnd() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endread || (s.rclose && len(s.rbuf) == 0)
}

// updateWindow re-advertises the receive window after the application
// drains at least a quarter of the buffer.
func (s *Stream) updateWindow() {
	s.mu.Lock()
	win := s.receiveWindowLocked()
	send := win-s.radvert >= s.rcvbuf/4
	sf := s.currentFlowLocked()
	s.mu.Unlock()
	if send && sf != nil {
		sf.sendAck(s)
	}
}

func (s *Stream) receiveWindowLocked() int {
	used := len(s.rbuf)
	for i := range s.rahead {
		used += len(s.rahead[i].data)
	}
	if s.endread {
		return 0
	}
	if used >= s.rcvbuf {
		return 0
	}
	return s.rcvbuf - used
}

// windowByteLocked builds the flow-control byte for outgoing packets.
// It always carries the byte receive window; substream windows are
// not advertised.
func (s *Stream) windowByteLocked() uint8 {
	win := s.receiveWindowLocked()
	s.radvert = win
	return encodeWindow(win, false)
}

// ---- Substreams ----

// OpenSubstream creates a child stream and schedules its Init. The
// parent's substream window may defer transmission; the child is
// usable immediately either way.
func (s *Stream) OpenSubstream() (*Stream, error) {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	child := newStream(s.peer, s)
	child.state = Connected
	child.twin = MinReceiveBuffer // conservative until first advert
	sf := s.currentFlowLocked()
	s.mu.Unlock()

	if sf != nil {
		sf.initSubstream(s, child)
	} else {
		s.mu.Lock()
		s.initq = append(s.initq, child)
		s.mu.Unlock()
	}
	return child, nil
}

// AcceptSubstream dequeues a substream opened by the peer, or nil.
func (s *Stream) AcceptSubstream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rsubs) == 0 {
		return nil
	}
	sub := s.rsubs[0]
	s.rsubs = s.rsubs[1:]
	return sub
}

// ---- Datagrams ----

// WriteDatagram sends b as a best-effort datagram when reliable is
// false. Reliable datagrams ride an ephemeral substream and are
// limited only by memory.
func (s *Stream) WriteDatagram(b []byte, reliable bool) error {
	if reliable || len(b) > MaxStatelessDatagram {
		if !reliable {
			return ErrDatagramTooBig
		}
		sub, err := s.OpenSubstream()
		if err != nil {
			return err
		}
		if _, err := sub.WriteMessage(b); err != nil {
			return err
		}
		sub.Shutdown(ShutdownWrite)
		return nil
	}

	s.mu.Lock()
	sf := s.currentFlowLocked()
	s.mu.Unlock()
	if sf == nil {
		return ErrDisconnected
	}
	return sf.sendDatagram(s, b)
}

// ReadDatagram returns the next received datagram, or nil.
func (s *Stream) ReadDatagram() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rdgrams) == 0 {
		return nil
	}
	d := s.rdgrams[0]
	s.rdgrams = s.rdgrams[1:]
	return d
}

// ---- Shutdown ----

// Shutdown closes parts of the stream. Reset is immediate and
// abortive; Write flushes queued data before the end-of-stream marker;
// Read discards buffered and future input.
func (s *Stream) Shutdown(mode ShutdownMode) {
	if mode&ShutdownReset != 0 {
		s.disconnect("reset by application", true)
		return
	}

	if mode&ShutdownWrite != 0 {
		s.mu.Lock()
		if !s.endwrite && s.state != Disconnected {
			s.endwrite = true
			sg := segment{tsn: s.tasn, flags: dataCloseFlag | dataPushFlag}
			s.tqueue = append(s.tqueue, sg)
			sf := s.currentFlowLocked()
			s.mu.Unlock()
			if sf != nil {
				sf.streamReady(s)
			}
		} else {
			s.mu.Unlock()
		}
	}

	if mode&ShutdownRead != 0 {
		s.mu.Lock()
		s.endread = true
		s.rbuf = nil
		s.rrecs = nil
		s.rahead = nil
		s.mu.Unlock()
	}
}

// disconnect moves the stream to its terminal state. sendReset emits
// an abortive Reset packet to the peer.
func (s *Stream) disconnect(reason string, sendReset bool) {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	s.state = Disconnected
	s.tqueue = nil
	s.rbuf = nil
	s.rrecs = nil
	s.rahead = nil
	ev := s.events
	usid := s.usid
	var resets []struct {
		sf  *StreamFlow
		sid StreamID
	}
	for i := range s.tatt {
		a := &s.tatt[i]
		if a.state != attachUnused {
			if sendReset {
				resets = append(resets, struct {
					sf  *StreamFlow
					sid StreamID
				}{a.sf, a.sid})
			}
			a.state = attachUnused
		}
	}
	s.mu.Unlock()

	for _, r := range resets {
		r.sf.sendReset(r.sid, true)
		r.sf.detachStream(s)
	}
	if !usid.IsNull() {
		s.peer.UnregisterUSID(usid)
	}
	s.peer.StreamDisconnected(s)
	if ev.Reset != nil {
		ev.Reset(reason)
	}
}

// ---- Segment-level callbacks from StreamFlow ----

// segmentAcked removes an in-flight segment after channel-level
// acknowledgment.
func (s *Stream) segmentAcked(sg segment) {
	s.mu.Lock()
	s.tflt -= len(sg.data)
	if s.tflt < 0 {
		s.tflt = 0
	}
	notify := s.wblocked && s.windowAvailLocked() > 0
	if notify {
		s.wblocked = false
	}
	ev := s.events
	s.mu.Unlock()
	if notify && ev.ReadyWrite != nil {
		ev.ReadyWrite()
	}
}

// segmentMissed requeues a lost segment at the head of the transmit
// queue for prompt retransmission, possibly on a different channel.
func (s *Stream) segmentMissed(sg segment) {
	s.mu.Lock()
	s.tflt -= len(sg.data)
	if s.tflt < 0 {
		s.tflt = 0
	}
	s.tqueue = append([]segment{sg}, s.tqueue...)
	sf := s.currentFlowLocked()
	s.mu.Unlock()
	if sf != nil {
		sf.streamReady(s)
	}
}

func (s *Stream) windowAvailLocked() int {
	if s.twin <= s.tflt {
		return 0
	}
	return s.twin - s.tflt
}

// popSegment removes the next transmittable segment, honoring the
// peer's advertised byte window. ok=false when nothing may go.
func (s *Stream) popSegment() (sg segment, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tqueue) == 0 || s.state == Disconnected {
		return segment{}, false
	}
	sg = s.tqueue[0]
	if len(sg.data) > 0 && len(sg.data) > s.windowAvailLocked() {
		s.wblocked = true
		return segment{}, false
	}
	s.tqueue = s.tqueue[1:]
	s.tflt += len(sg.data)
	return sg, true
}

// hasTransmittable reports whether popSegment would succeed.
func (s *Stream) hasTransmittable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tqueue) == 0 || s.state == Disconnected {
		return false
	}
	sg := s.tqueue[0]
	return len(sg.data) == 0 || len(sg.data) <= s.windowAvailLocked()
}

// setTransmitWindow digests a window advertisement from the peer.
func (s *Stream) setTransmitWindow(win uint8) {
	n, substream := decodeWindow(win)
	if n < 0 {
		return // inherited: no change
	}
	s.mu.Lock()
	var wake bool
	if substream {
		s.tswin = n
	} else {
		s.twin = n
		wake = s.wblocked && s.windowAvailLocked() > 0
		if wake {
			s.wblocked = false
		}
	}
	sf := s.currentFlowLocked()
	ev := s.events
	s.mu.Unlock()

	if wake {
		if sf != nil {
			sf.streamReady(s)
		}
		if ev.ReadyWrite != nil {
			ev.ReadyWrite()
		}
	}
}

// receiveSegment integrates one received data segment, handling
// ordering, message records, and the end-of-stream marker, then fires
// the resulting read events.
func (s *Stream) receiveSegment(sg segment) {
	s.mu.Lock()
	if s.state == Disconnected || s.endread {
		s.mu.Unlock()
		return
	}

	if sg.flags&dataCloseFlag != 0 {
		s.haveClose = true
		s.closeTSN = sg.end()
	}

	switch {
	case sg.tsn == s.rsn:
		s.integrateLocked(sg)
		// Pull any buffered successors that are now in order.
		progress := true
		for progress {
			progress = false
			for i := range s.rahead {
				if s.rahead[i].tsn == s.rsn {
					next := s.rahead[i]
					s.rahead = append(s.rahead[:i], s.rahead[i+1:]...)
					s.integrateLocked(next)
					progress = true
					break
				}
			}
		}
	case sg.tsn > s.rsn:
		for i := range s.rahead {
			if s.rahead[i].tsn == sg.tsn {
				s.mu.Unlock()
				return // duplicate
			}
		}
		s.rahead = append(s.rahead, sg)
	default:
		// Old retransmission; already delivered.
		s.mu.Unlock()
		return
	}

	if s.haveClose && s.rsn >= s.closeTSN && !s.rclose {
		s.rclose = true
	}

	readable := len(s.rbuf) > 0
	msgReady := len(s.rrecs) > 0
	closed := s.rclose
	svcPending := !s.svcDone && (s.state == WaitService || (s.toplev && s.svcRequest != nil))
	ev := s.events
	s.mu.Unlock()

	if svcPending {
		s.processServiceMessage()
		return
	}
	if msgReady && ev.ReadyReadMessage != nil {
		ev.ReadyReadMessage()
	}
	if readable && ev.ReadyRead != nil {
		ev.ReadyRead()
	}
	if closed && !readable && ev.ReadyRead != nil {
		ev.ReadyRead() // wake readers so they observe end of stream
	}
}

// integrateLocked appends an in-order segment to the read buffer and
// tracks message records.
func (s *Stream) integrateLocked(sg segment) {
	s.rbuf = append(s.rbuf, sg.data...)
	s.rsn = sg.end()
	if sg.flags&dataMessageFlag != 0 {
		// The record spans everything after the previous marker.
		marked := 0
		for _, n := range s.rrecs {
			marked += n
		}
		s.rrecs = append(s.rrecs, len(s.rbuf)-marked)
	}
}

// receiveDatagramFrag integrates one datagram fragment.
func (s *Stream) receiveDatagramFrag(data []byte, subtype uint8) {
	s.mu.Lock()
	begin := subtype&dgramBeginFlag != 0
	end := subtype&dgramEndFlag != 0

	switch {
	case begin && end:
		s.rdgrams = append(s.rdgrams, append([]byte(nil), data...))
		s.dgramIn = false
		s.dgramBuf = nil
	case begin:
		s.dgramBuf = append([]byte(nil), data...)
		s.dgramIn = true
	case s.dgramIn:
		s.dgramBuf = append(s.dgramBuf, data...)
		if end {
			s.rdgrams = append(s.rdgrams, s.dgramBuf)
			s.dgramBuf = nil
			s.dgramIn = false
		}
	default:
		// Middle or end fragment with no beginning: a fragment was
		// lost; the datagram is lost as a unit.
		s.dgramBuf = nil
		s.dgramIn = false
		s.mu.Unlock()
		return
	}

	ready := len(s.rdgrams) > 0
	ev := s.events
	s.mu.Unlock()
	if ready && ev.ReadyReadDatagram != nil {
		ev.ReadyReadDatagram()
	}
}

// deliverSubstream queues a peer-opened child for acceptance.
func (s *Stream) deliverSubstream(sub *Stream) {
	s.mu.Lock()
	s.rsubs = append(s.rsubs, sub)
	ev := s.events
	s.mu.Unlock()
	if ev.NewSubstream != nil {
		ev.NewSubstream()
	}
}

// detachFrom clears any attachment slots bound to a stopping channel.
func (s *Stream) detachFrom(sf *StreamFlow) {
	s.mu.Lock()
	for i := range s.tatt {
		if s.tatt[i].sf == sf {
			s.tatt[i].state = attachUnused
		}
	}
	s.mu.Unlock()
}

// markAttachActive promotes the slot carrying sid on sf to Active and
// retires any attachment left on another channel: migration finishes
// here.
func (s *Stream) markAttachActive(sf *StreamFlow, sid StreamID) {
	s.mu.Lock()
	var old []attachment
	for i := range s.tatt {
		a := &s.tatt[i]
		switch {
		case a.sf == sf && a.sid == sid && a.state == attachAttaching:
			a.state = attachActive
			s.tcur = i
		case a.sf != nil && a.sf != sf && a.state != attachUnused:
			old = append(old, *a)
			a.state = attachUnused
		}
	}
	s.mu.Unlock()

	for _, a := range old {
		a.sf.sendDetach(a.sid)
		a.sf.detachStream(s)
	}
}

// linkStatusChanged propagates channel status to the application.
func (s *Stream) linkStatusChanged(up, stalled bool) {
	s.mu.Lock()
	ev := s.events
	s.mu.Unlock()
	switch {
	case stalled:
		if ev.LinkStalled != nil {
			ev.LinkStalled()
		}
	case up:
		if ev.LinkUp != nil {
			ev.LinkUp()
		}
	default:
		if ev.LinkDown != nil {
			ev.LinkDown()
		}
	}
}
