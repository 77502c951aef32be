// Package sock implements the socket layer: UDP sockets carrying the
// transport, plus the dispatch tables that route incoming datagrams to
// bound channels by (remote endpoint, channel number) or to control
// receivers by 32-bit magic.
package sock

import (
	"net/netip"

	"github.com/netsteria/sst/internal/xdr"
)

// Endpoint is an (IP address, UDP port) pair. The zero Endpoint is
// null. Endpoint is comparable and usable as a map key.
type Endpoint struct {
	Addr netip.AddrPort
}

// MakeEndpoint builds an Endpoint from address and port.
func MakeEndpoint(addr netip.Addr, port uint16) Endpoint {
	return Endpoint{Addr: netip.AddrPortFrom(addr, port)}
}

// ParseEndpoint parses "ip:port" into an Endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Addr: ap}, nil
}

// IsNull reports whether the endpoint is unset.
func (e Endpoint) IsNull() bool { return !e.Addr.IsValid() }

// String formats the endpoint as "ip:port".
func (e Endpoint) String() string { return e.Addr.String() }

// Address subscheme tags used in the endpoint wire encoding.
const (
	epIPv4 uint32 = 4
	epIPv6 uint32 = 6
)

// EncodeTo appends the endpoint's wire form: address family word,
// fixed 4- or 16-byte address, and port.
func (e Endpoint) EncodeTo(enc *xdr.Encoder) {
	addr := e.Addr.Addr()
	if addr.Is4() {
		a := addr.As4()
		enc.PutU32(epIPv4)
		enc.PutFixed(a[:])
	} else {
		a := addr.As16()
		enc.PutU32(epIPv6)
		enc.PutFixed(a[:])
	}
	enc.PutU32(uint32(e.Addr.Port()))
}

// DecodeEndpoint reads the wire form written by EncodeTo.
func DecodeEndpoint(dec *xdr.Decoder) Endpoint {
	var addr netip.Addr
	switch dec.U32() {
	case epIPv4:
		b := dec.Fixed(4)
		if b != nil {
			addr, _ = netip.AddrFromSlice(b)
		}
	case epIPv6:
		b := dec.Fixed(16)
		if b != nil {
			addr, _ = netip.AddrFromSlice(b)
		}
	default:
		return Endpoint{}
	}
	port := uint16(dec.U32())
	if dec.Err() != nil || !addr.IsValid() {
		return Endpoint{}
	}
	return MakeEndpoint(addr, port)
}
