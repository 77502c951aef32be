// Package eid implements cryptographic Endpoint Identifiers: compact,
// location-independent host identities derived from public keys, plus
// the legacy MAC/IP subschemes for addressing hosts that have no key.
package eid

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Scheme identifies how an EID was derived. The scheme is carried in
// the high six bits of the first identifier byte; the low two bits are
// a scheme-specific subscheme (used by IP to distinguish v4 from v6).
type Scheme uint8

const (
	SchemeNull   Scheme = 0  // Empty or unknown identity
	SchemeMAC    Scheme = 1  // IEEE MAC address (6 bytes)
	SchemeIP     Scheme = 2  // IP address + optional port
	SchemeDSA160 Scheme = 10 // DSA public key, SHA-1 hash
	SchemeRSA160 Scheme = 11 // RSA public key, SHA-1 hash
)

// String returns the scheme name.
func (s Scheme) String() string {
	switch s {
	case SchemeNull:
		return "null"
	case SchemeMAC:
		return "mac"
	case SchemeIP:
		return "ip"
	case SchemeDSA160:
		return "dsa160"
	case SchemeRSA160:
		return "rsa160"
	default:
		return fmt.Sprintf("scheme(%d)", uint8(s))
	}
}

// Cryptographic reports whether identities in this scheme are bound to
// a public key and can sign.
func (s Scheme) Cryptographic() bool {
	return s == SchemeDSA160 || s == SchemeRSA160
}

var (
	// ErrInvalidEID is returned when parsing a malformed identifier.
	ErrInvalidEID = errors.New("invalid endpoint identifier")

	// ErrKeyMismatch is returned when a supplied key does not hash to
	// the identifier it claims to back.
	ErrKeyMismatch = errors.New("key does not match endpoint identifier")
)

// EID is an Endpoint Identifier. Two EIDs are equal iff their byte
// representations are equal; the zero EID is null. EID is comparable
// and usable as a map key.
type EID struct {
	id string
}

// FromBytes builds an EID from its wire representation.
func FromBytes(b []byte) EID {
	return EID{id: string(b)}
}

// Bytes returns the wire representation.
func (e EID) Bytes() []byte { return []byte(e.id) }

// Len returns the identifier length in bytes.
func (e EID) Len() int { return len(e.id) }

// IsNull reports whether the EID is empty.
func (e EID) IsNull() bool { return len(e.id) == 0 }

// Scheme returns the identifier's scheme.
func (e EID) Scheme() Scheme {
	if e.IsNull() {
		return SchemeNull
	}
	return Scheme(e.id[0] >> 2)
}

func (e EID) subscheme() uint8 {
	if e.IsNull() {
		return 0
	}
	return e.id[0] & 3
}

// Equal reports byte equality.
func (e EID) Equal(other EID) bool { return e.id == other.id }

// String returns an unpadded base64url form, the printable identity
// used in logs and the CLI.
func (e EID) String() string {
	return base64.RawURLEncoding.EncodeToString([]byte(e.id))
}

// Parse decodes the base64url form produced by String.
func Parse(s string) (EID, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return EID{}, fmt.Errorf("%w: %v", ErrInvalidEID, err)
	}
	return FromBytes(b), nil
}

// MarshalText implements encoding.TextMarshaler.
func (e EID) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *EID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// hashedEID builds a cryptographic EID from a scheme and the SHA-1
// hash of the scheme-specific public key encoding.
func hashedEID(sch Scheme, keyEnc []byte) EID {
	h := sha1.Sum(keyEnc)
	id := make([]byte, 1+len(h))
	id[0] = byte(sch) << 2
	copy(id[1:], h[:])
	return FromBytes(id)
}

// FromMACAddress builds a non-cryptographic EID from a 6-byte MAC.
func FromMACAddress(addr []byte) (EID, error) {
	if len(addr) != 6 {
		return EID{}, fmt.Errorf("%w: MAC must be 6 bytes", ErrInvalidEID)
	}
	id := make([]byte, 7)
	id[0] = byte(SchemeMAC) << 2
	copy(id[1:], addr)
	return FromBytes(id), nil
}

// FromIPAddress builds a non-cryptographic EID from an IP address and
// optional port (0 omits the port).
func FromIPAddress(addr netip.Addr, port uint16) EID {
	var id []byte
	if addr.Is4() {
		a4 := addr.As4()
		id = append(id, byte(SchemeIP)<<2|0)
		id = append(id, a4[:]...)
	} else {
		a16 := addr.As16()
		id = append(id, byte(SchemeIP)<<2|1)
		id = append(id, a16[:]...)
	}
	if port != 0 {
		var p [2]byte
		binary.BigEndian.PutUint16(p[:], port)
		id = append(id, p[:]...)
	}
	return FromBytes(id)
}

// FromEndpoint builds an IP-scheme EID from a UDP endpoint.
func FromEndpoint(ap netip.AddrPort) EID {
	return FromIPAddress(ap.Addr(), ap.Port())
}

// IPAddress decodes an IP-scheme EID back into address and port.
// Returns ok=false for other schemes or malformed identifiers.
func (e EID) IPAddress() (addr netip.Addr, port uint16, ok bool) {
	if e.Scheme() != SchemeIP {
		return netip.Addr{}, 0, false
	}
	b := []byte(e.id)
	var alen int
	switch e.subscheme() {
	case 0:
		alen = 4
	case 1:
		alen = 16
	default:
		return netip.Addr{}, 0, false
	}
	if len(b) < 1+alen {
		return netip.Addr{}, 0, false
	}
	addr, _ = netip.AddrFromSlice(b[1 : 1+alen])
	if len(b) >= 1+alen+2 {
		port = binary.BigEndian.Uint16(b[1+alen:])
	}
	return addr, port, true
}

// MACAddress decodes a MAC-scheme EID.
func (e EID) MACAddress() ([]byte, bool) {
	if e.Scheme() != SchemeMAC || len(e.id) != 7 {
		return nil, false
	}
	return []byte(e.id[1:]), true
}
