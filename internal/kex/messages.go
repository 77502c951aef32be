// Package kex implements SST channel negotiation: a JFK-style
// four-message Diffie-Hellman key exchange that authenticates two EIDs
// to each other and derives fresh symmetric channel keys, while
// keeping the responder stateless until the initiator proves
// reachability with a valid cookie.
package kex

import (
	"errors"

	"github.com/netsteria/sst/internal/xdr"
)

// Magic is the control-protocol magic carried by all negotiation
// messages ("SST").
const Magic uint32 = 0x00535354

// Key chunk types.
const (
	ChunkPacket           uint32 = 0x0001
	ChunkChecksumInit     uint32 = 0x0011
	ChunkChecksumResponse uint32 = 0x0012
	ChunkDHInit1          uint32 = 0x0021
	ChunkDHResponse1      uint32 = 0x0022
	ChunkDHInit2          uint32 = 0x0023
	ChunkDHResponse2      uint32 = 0x0024
)

// Field size bounds from the wire definition.
const (
	NonceLen    = 32  // nonces and hashed nonces
	maxDHLen    = 384 // 3072-bit group public key
	maxEIDLen   = 256
	maxULPLen   = 2048
	maxCookieLen = 128
)

var (
	// ErrBadMessage is returned for structurally invalid messages.
	ErrBadMessage = errors.New("malformed key exchange message")

	// ErrWrongMagic is returned when the magic does not match.
	ErrWrongMagic = errors.New("wrong key exchange magic")
)

// Init1 is the initiator's opening message: DH parameters and a hashed
// nonce, with no commitment from the responder required.
type Init1 struct {
	Group  DHGroup
	KeyMin uint32 // minimum symmetric key length in bytes
	NHI    []byte // SHA-256 of the initiator's nonce
	DHI    []byte // initiator's DH public key
	EIDR   []byte // desired responder EID, may be empty
}

// Response1 is the responder's stateless reply: its own DH key, a
// deterministic nonce, and the cookie the initiator must echo.
type Response1 struct {
	Group  DHGroup
	KeyMin uint32 // accepted key length: max of both floors
	NHI    []byte // echoed initiator hashed nonce
	NR     []byte // responder nonce
	DHR    []byte // responder's DH public key
	Cookie []byte
	EIDR   []byte // responder's EID, advisory until R2 proves it
}

// Init2 carries the initiator's nonce preimage, the echoed cookie, and
// the encrypted initiator identity block, authenticated end to end.
type Init2 struct {
	Group  DHGroup
	KeyMin uint32
	NI     []byte // initiator nonce (preimage of NHI)
	NR     []byte
	DHI    []byte
	DHR    []byte
	Cookie []byte
	IdentI []byte // Enc(kenc-i; identity block)
	MAC    []byte // HMAC over all preceding fields
}

// Response2 completes the exchange with the responder's encrypted
// identity block.
type Response2 struct {
	NHI    []byte // initiator hashed nonce, for demultiplexing
	IdentR []byte // Enc(kenc-r; identity block)
	MAC    []byte
}

// IdentBlock is the encrypted identity payload inside Init2/Response2.
type IdentBlock struct {
	Chan uint8  // sender's local channel number for the new channel
	EID  []byte // sender's EID
	EIDR []byte // desired peer EID (initiator side only)
	IDPK []byte // sender's identity public key
	Sig  []byte // signature over the KeyParams block
	ULP  []byte // upper-level protocol payload
}

// Message is the top-level negotiation record: a magic word and a
// sequence of typed chunks.
type Message struct {
	Chunks []Chunk
}

// Chunk is one typed element of a negotiation message. Exactly one of
// the pointer fields matching Type is set.
type Chunk struct {
	Type uint32
	I1   *Init1
	R1   *Response1
	I2   *Init2
	R2   *Response2
	Raw  []byte // ChunkPacket and checksum chunks
}

func (m *Message) Encode() []byte {
	e := xdr.NewEncoder()
	e.PutU32(Magic)
	e.PutU32(uint32(len(m.Chunks)))
	for i := range m.Chunks {
		m.Chunks[i].encodeTo(e)
	}
	return e.Bytes()
}

func (c *Chunk) encodeTo(e *xdr.Encoder) {
	e.PutU32(c.Type)
	inner := xdr.NewEncoder()
	switch c.Type {
	case ChunkDHInit1:
		c.I1.encodeTo(inner)
	case ChunkDHResponse1:
		c.R1.encodeTo(inner)
	case ChunkDHInit2:
		c.I2.encodeTo(inner)
	case ChunkDHResponse2:
		c.R2.encodeTo(inner)
	default:
		inner.PutFixed(c.Raw)
	}
	e.PutOpaque(inner.Bytes())
}

// DecodeMessage parses a negotiation datagram, including its magic.
func DecodeMessage(buf []byte) (*Message, error) {
	d := xdr.NewDecoder(buf)
	if d.U32() != Magic {
		return nil, ErrWrongMagic
	}
	n := d.U32()
	if d.Err() != nil || n > 16 {
		return nil, ErrBadMessage
	}
	m := &Message{}
	for i := uint32(0); i < n; i++ {
		var c Chunk
		c.Type = d.U32()
		body := d.Opaque(0)
		if d.Err() != nil {
			return nil, ErrBadMessage
		}
		if err := c.decodeBody(body); err != nil {
			return nil, err
		}
		m.Chunks = append(m.Chunks, c)
	}
	if d.Err() != nil {
		return nil, ErrBadMessage
	}
	return m, nil
}

func (c *Chunk) decodeBody(body []byte) error {
	d := xdr.NewDecoder(body)
	switch c.Type {
	case ChunkDHInit1:
		c.I1 = decodeInit1(d)
	case ChunkDHResponse1:
		c.R1 = decodeResponse1(d)
	case ChunkDHInit2:
		c.I2 = decodeInit2(d)
	case ChunkDHResponse2:
		c.R2 = decodeResponse2(d)
	default:
		c.Raw = append([]byte(nil), body...)
		return nil
	}
	if d.Err() != nil {
		return ErrBadMessage
	}
	return nil
}

func (i1 *Init1) encodeTo(e *xdr.Encoder) {
	e.PutU32(uint32(i1.Group))
	e.PutU32(i1.KeyMin)
	e.PutFixed(i1.NHI)
	e.PutOpaque(i1.DHI)
	e.PutOpaque(i1.EIDR)
}

func decodeInit1(d *xdr.Decoder) *Init1 {
	return &Init1{
		Group:  DHGroup(d.U32()),
		KeyMin: d.U32(),
		NHI:    d.Fixed(NonceLen),
		DHI:    d.Opaque(maxDHLen),
		EIDR:   d.Opaque(maxEIDLen),
	}
}

func (r1 *Response1) encodeTo(e *xdr.Encoder) {
	e.PutU32(uint32(r1.Group))
	e.PutU32(r1.KeyMin)
	e.PutFixed(r1.NHI)
	e.PutFixed(r1.NR)
	e.PutOpaque(r1.DHR)
	e.PutOpaque(r1.Cookie)
	e.PutOpaque(r1.EIDR)
}

func decodeResponse1(d *xdr.Decoder) *Response1 {
	return &Response1{
		Group:  DHGroup(d.U32()),
		KeyMin: d.U32(),
		NHI:    d.Fixed(NonceLen),
		NR:     d.Fixed(NonceLen),
		DHR:    d.Opaque(maxDHLen),
		Cookie: d.Opaque(maxCookieLen),
		EIDR:   d.Opaque(maxEIDLen),
	}
}

// encodeSigned serializes the fields covered by the I2 MAC.
func (i2 *Init2) encodeSigned(e *xdr.Encoder) {
	e.PutU32(uint32(i2.Group))
	e.PutU32(i2.KeyMin)
	e.PutFixed(i2.NI)
	e.PutFixed(i2.NR)
	e.PutOpaque(i2.DHI)
	e.PutOpaque(i2.DHR)
	e.PutOpaque(i2.Cookie)
	e.PutOpaque(i2.IdentI)
}

func (i2 *Init2) encodeTo(e *xdr.Encoder) {
	i2.encodeSigned(e)
	e.PutOpaque(i2.MAC)
}

// MACInput returns the bytes the I2 MAC covers.
func (i2 *Init2) MACInput() []byte {
	e := xdr.NewEncoder()
	i2.encodeSigned(e)
	return e.Bytes()
}

func decodeInit2(d *xdr.Decoder) *Init2 {
	return &Init2{
		Group:  DHGroup(d.U32()),
		KeyMin: d.U32(),
		NI:     d.Fixed(NonceLen),
		NR:     d.Fixed(NonceLen),
		DHI:    d.Opaque(maxDHLen),
		DHR:    d.Opaque(maxDHLen),
		Cookie: d.Opaque(maxCookieLen),
		IdentI: d.Opaque(0),
		MAC:    d.Opaque(64),
	}
}

func (r2 *Response2) encodeSigned(e *xdr.Encoder) {
	e.PutFixed(r2.NHI)
	e.PutOpaque(r2.IdentR)
}

func (r2 *Response2) encodeTo(e *xdr.Encoder) {
	r2.encodeSigned(e)
	e.PutOpaque(r2.MAC)
}

// MACInput returns the bytes the R2 MAC covers.
func (r2 *Response2) MACInput() []byte {
	e := xdr.NewEncoder()
	r2.encodeSigned(e)
	return e.Bytes()
}

func decodeResponse2(d *xdr.Decoder) *Response2 {
	return &Response2{
		NHI:    d.Fixed(NonceLen),
		IdentR: d.Opaque(0),
		MAC:    d.Opaque(64),
	}
}

func (b *IdentBlock) Encode() []byte {
	e := xdr.NewEncoder()
	e.PutU8(b.Chan)
	e.PutOpaque(b.EID)
	e.PutOpaque(b.EIDR)
	e.PutOpaque(b.IDPK)
	e.PutOpaque(b.Sig)
	e.PutOpaque(b.ULP)
	return e.Bytes()
}

func DecodeIdentBlock(buf []byte) (*IdentBlock, error) {
	d := xdr.NewDecoder(buf)
	b := &IdentBlock{
		Chan: d.U8(),
		EID:  d.Opaque(maxEIDLen),
		EIDR: d.Opaque(maxEIDLen),
		IDPK: d.Opaque(0),
		Sig:  d.Opaque(0),
		ULP:  d.Opaque(maxULPLen),
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

// KeyParams is the block both identity signatures cover: the complete
// DH exchange parameters plus the EID of the signature's intended
// verifier, preventing identity-misbinding attacks.
type KeyParams struct {
	Group  DHGroup
	KeyMin uint32
	NHI    []byte
	NR     []byte
	DHI    []byte
	DHR    []byte
	EID    []byte // peer's EID
}

func (p *KeyParams) Encode() []byte {
	e := xdr.NewEncoder()
	e.PutU32(uint32(p.Group))
	e.PutU32(p.KeyMin)
	e.PutFixed(p.NHI)
	e.PutFixed(p.NR)
	e.PutOpaque(p.DHI)
	e.PutOpaque(p.DHR)
	e.PutOpaque(p.EID)
	return e.Bytes()
}
