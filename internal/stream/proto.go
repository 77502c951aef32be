// Package stream implements the structured stream layer: reliable,
// ordered, flow-controlled byte and message streams multiplexed over
// channels, hierarchical substreams, best-effort datagrams, and the
// attachment machinery that migrates streams between channels.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/netsteria/sst/internal/kex"
	"github.com/netsteria/sst/internal/xdr"
)

// StreamID is a stream's 16-bit identifier within one channel
// direction; each side assigns SIDs from its own namespace.
type StreamID uint16

// StreamSeq is a 32-bit per-stream byte sequence number (TSN).
type StreamSeq uint32

// StreamCtr counts streams opened per channel direction, forming the
// distinguishing half of a unique stream identifier.
type StreamCtr uint64

// USID identifies a stream uniquely across channel reattachments:
// the opener's stream counter plus the opening channel direction's id.
type USID struct {
	Ctr    StreamCtr
	ChanID [kex.ChanIDLen]byte
}

// IsNull reports whether the USID is unset.
func (u USID) IsNull() bool { return u == USID{} }

func (u USID) String() string {
	return fmt.Sprintf("USID[%x:%d]", u.ChanID[:], u.Ctr)
}

// EncodeTo appends the USID's wire form.
func (u USID) EncodeTo(e *xdr.Encoder) {
	e.PutU64(uint64(u.Ctr))
	e.PutFixed(u.ChanID[:])
}

// DecodeUSID reads the wire form written by EncodeTo.
func DecodeUSID(d *xdr.Decoder) USID {
	var u USID
	u.Ctr = StreamCtr(d.U64())
	copy(u.ChanID[:], d.Fixed(kex.ChanIDLen))
	return u
}

// MakeUSID builds a USID from a counter and channel id slice.
func MakeUSID(ctr StreamCtr, chanID []byte) USID {
	var u USID
	u.Ctr = ctr
	copy(u.ChanID[:], chanID)
	return u
}

// Transport parameters.
const (
	// MTU is the maximum stream-layer packet size, headers included.
	MTU = 1200

	// MinReceiveBuffer is the smallest receive buffer a stream
	// advertises while open.
	MinReceiveBuffer = MTU * 2

	// DefaultReceiveBuffer is the initial per-stream receive buffer.
	DefaultReceiveBuffer = 64 * 1024

	// MaxStatelessDatagram is the largest unreliable datagram; it is
	// sent as Datagram fragments rather than through a real substream.
	// Larger unreliable datagrams are rejected.
	MaxStatelessDatagram = MTU * 4
)

// Stream packet types (4 bits).
const (
	typeInvalid  uint8 = 0x0
	typeInit     uint8 = 0x1
	typeReply    uint8 = 0x2
	typeData     uint8 = 0x3
	typeDatagram uint8 = 0x4
	typeAck      uint8 = 0x5
	typeReset    uint8 = 0x6
	typeAttach   uint8 = 0x7
	typeDetach   uint8 = 0x8
)

// Subtype flag bits for Init, Reply, and Data packets.
const (
	dataPushFlag    uint8 = 0x4 // deliver to the application promptly
	dataMessageFlag uint8 = 0x2 // end of message record
	dataCloseFlag   uint8 = 0x1 // end of stream
)

// Flag bits for Datagram packets.
const (
	dgramBeginFlag uint8 = 0x2
	dgramEndFlag   uint8 = 0x1
)

// Flag bits for Attach packets.
const (
	attachInitFlag uint8 = 0x8 // stream is new at the receiver
	attachSlotMask uint8 = 0x1
)

// Flag bit for Reset packets: set when the carried SID is in the
// sender's namespace, clear when in the receiver's.
const resetDirFlag uint8 = 0x1

// sidRoot is the channel's root stream on both sides.
const sidRoot StreamID = 0

// maxAttach is the number of redundant attachment slots per stream
// per direction, allowing migration overlap.
const maxAttach = 2

// maxSidSkip bounds the search for a free SID before an existing
// attachment gets evicted.
const maxSidSkip = 16

// Window byte encoding: flags plus a 5-bit power-of-two exponent.
const (
	winSubstreamFlag uint8 = 0x80
	winInheritFlag   uint8 = 0x40
	winExpMask       uint8 = 0x1f
)

// Stream header sizes.
const (
	hdrLenMin  = 4 // sid + type/subtype + window
	hdrLenInit = 8 // Reply: + new SID + 16-bit TSN (Init adds an 8-byte counter)
	hdrLenData = 8 // + 32-bit TSN
)

// Service message codes.
const (
	codeConnectRequest uint32 = 0x101
	codeConnectReply   uint32 = 0x201
)

// maxServiceMsgSize bounds service negotiation messages.
const maxServiceMsgSize = 1024

// Connect status codes.
const (
	connectOK       uint32 = 0
	connectNoSuchService uint32 = 1
)

var (
	// ErrBadHeader is returned for undecodable stream packets.
	ErrBadHeader = errors.New("malformed stream packet header")

	// ErrServiceTooLong is returned when service negotiation
	// messages exceed the bound.
	ErrServiceTooLong = errors.New("service message too long")
)

// hdr is a decoded stream packet header.
type hdr struct {
	sid     StreamID
	typ     uint8
	subtype uint8
	window  uint8
}

func decodeHdr(pkt []byte) (hdr, error) {
	if len(pkt) < hdrLenMin {
		return hdr{}, ErrBadHeader
	}
	return hdr{
		sid:     StreamID(binary.BigEndian.Uint16(pkt[0:2])),
		typ:     pkt[2] >> 4,
		subtype: pkt[2] & 0xf,
		window:  pkt[3],
	}, nil
}

func putHdr(b []byte, sid StreamID, typ, subtype, window uint8) {
	binary.BigEndian.PutUint16(b[0:2], uint16(sid))
	b[2] = typ<<4 | subtype&0xf
	b[3] = window
}

// encodeWindow rounds a byte count down to a power of two and encodes
// the exponent; substream windows set the substream flag.
func encodeWindow(n int, substream bool) uint8 {
	var exp uint8
	for exp < winExpMask && 1<<(exp+1) <= n {
		exp++
	}
	if n <= 0 {
		exp = 0
	}
	w := exp
	if substream {
		w |= winSubstreamFlag
	}
	return w
}

// decodeWindow expands a window byte back into a byte count and
// whether it is a substream window.
func decodeWindow(w uint8) (n int, substream bool) {
	if w&winInheritFlag != 0 {
		return -1, w&winSubstreamFlag != 0
	}
	return 1 << (w & winExpMask), w&winSubstreamFlag != 0
}

// ConnectRequest is the first message on a fresh top-level stream.
type ConnectRequest struct {
	Service  string
	Protocol string
}

// Encode serializes the request.
func (r *ConnectRequest) Encode() []byte {
	e := xdr.NewEncoder()
	e.PutU32(codeConnectRequest)
	e.PutString(r.Service)
	e.PutString(r.Protocol)
	return e.Bytes()
}

// DecodeConnectRequest parses a ConnectRequest message.
func DecodeConnectRequest(buf []byte) (*ConnectRequest, error) {
	if len(buf) > maxServiceMsgSize {
		return nil, ErrServiceTooLong
	}
	d := xdr.NewDecoder(buf)
	if d.U32() != codeConnectRequest {
		return nil, ErrBadHeader
	}
	r := &ConnectRequest{
		Service:  d.String(maxServiceMsgSize),
		Protocol: d.String(maxServiceMsgSize),
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// ConnectReply answers a ConnectRequest.
type ConnectReply struct {
	Status uint32
}

// Encode serializes the reply.
func (r *ConnectReply) Encode() []byte {
	e := xdr.NewEncoder()
	e.PutU32(codeConnectReply)
	e.PutU32(r.Status)
	return e.Bytes()
}

// DecodeConnectReply parses a ConnectReply message.
func DecodeConnectReply(buf []byte) (*ConnectReply, error) {
	if len(buf) > maxServiceMsgSize {
		return nil, ErrServiceTooLong
	}
	d := xdr.NewDecoder(buf)
	if d.U32() != codeConnectReply {
		return nil, ErrBadHeader
	}
	r := &ConnectReply{Status: d.U32()}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return r, nil
}
