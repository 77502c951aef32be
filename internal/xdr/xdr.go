// Package xdr implements the XDR-style serialization used on the SST
// wire: big-endian integers, fixed byte arrays, and variable-length
// opaque fields carrying a 4-byte length and padded to 4-byte alignment.
package xdr

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortBuffer is returned when decoding runs past the input.
	ErrShortBuffer = errors.New("xdr: short buffer")

	// ErrFieldTooLong is returned when an opaque field exceeds its bound.
	ErrFieldTooLong = errors.New("xdr: field exceeds maximum length")
)

func pad(n int) int { return (4 - n&3) & 3 }

// Encoder appends XDR-encoded fields to a byte buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder writing into an empty buffer.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of bytes encoded so far.
func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) PutU8(v uint8) {
	// XDR carries small integers as full 32-bit words.
	e.PutU32(uint32(v))
}

func (e *Encoder) PutU16(v uint16) {
	e.PutU32(uint32(v))
}

func (e *Encoder) PutU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// PutFixed appends raw bytes with no length prefix and no padding.
func (e *Encoder) PutFixed(b []byte) {
	e.buf = append(e.buf, b...)
}

// PutOpaque appends a variable-length opaque field: 4-byte length,
// data, zero padding to a 4-byte boundary.
func (e *Encoder) PutOpaque(b []byte) {
	e.PutU32(uint32(len(b)))
	e.buf = append(e.buf, b...)
	for i := 0; i < pad(len(b)); i++ {
		e.buf = append(e.buf, 0)
	}
}

// PutString appends a string as an opaque field.
func (e *Encoder) PutString(s string) {
	e.PutOpaque([]byte(s))
}

// Decoder reads XDR-encoded fields from a byte buffer, recording the
// first error and returning zero values afterwards. Check Err once
// after the last field.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder returns a decoder over buf.
func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

// Err returns the first decoding error, if any.
func (d *Decoder) Err() error { return d.err }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = ErrShortBuffer
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) U8() uint8   { return uint8(d.U32()) }
func (d *Decoder) U16() uint16 { return uint16(d.U32()) }

func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Fixed reads n raw bytes.
func (d *Decoder) Fixed(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Opaque reads a variable-length opaque field bounded by max
// (max <= 0 means unbounded).
func (d *Decoder) Opaque(max int) []byte {
	n := d.U32()
	if d.err != nil {
		return nil
	}
	if max > 0 && int(n) > max {
		d.err = fmt.Errorf("%w: %d > %d", ErrFieldTooLong, n, max)
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	d.take(pad(int(n)))
	return out
}

// String reads an opaque field as a string.
func (d *Decoder) String(max int) string {
	return string(d.Opaque(max))
}
