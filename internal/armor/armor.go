// Package armor implements channel packet protection. An Armor
// transforms outgoing packets after the channel header is filled in
// and verifies/strips protection from incoming ones. Encryption
// always starts at EncOfs: the channel number and 24-bit wire
// sequence stay in cleartext so the receiver can reconstruct the full
// sequence number before paying for any cryptography.
package armor

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// EncOfs is the offset at which encryption begins; bytes before it are
// authenticated but not encrypted.
const EncOfs = 4

// MACLen is the length of the truncated HMAC-SHA-256 tag.
const MACLen = 16

var (
	// ErrVerifyFailed is returned when a packet fails authentication.
	ErrVerifyFailed = errors.New("packet authentication failed")

	// ErrPacketTooShort is returned for packets shorter than the
	// armor overhead.
	ErrPacketTooShort = errors.New("packet too short for armor")
)

// Armor protects and verifies channel packets. seq is the full 64-bit
// packet sequence number, which doubles as the nonce: it never repeats
// within a channel.
type Armor interface {
	// Encode protects pkt in place (growing it by the armor
	// overhead) and returns the armored packet.
	Encode(seq uint64, pkt []byte) ([]byte, error)

	// Decode verifies pkt and returns the plaintext packet with the
	// armor overhead stripped.
	Decode(seq uint64, pkt []byte) ([]byte, error)
}

// pseudoHeader returns the implicit authenticated header: the full
// 64-bit sequence the 24-bit wire field was reconstructed to.
func pseudoHeader(seq uint64) [8]byte {
	var ph [8]byte
	binary.BigEndian.PutUint64(ph[:], seq)
	return ph
}

// AESArmor implements AES-CTR encryption with HMAC-SHA-256
// authentication truncated to 128 bits.
type AESArmor struct {
	txCipher cipher.Block
	rxCipher cipher.Block
	txMACKey []byte
	rxMACKey []byte
}

// NewAESArmor builds an armor from the four channel keys. Key lengths
// must be valid AES key sizes (16, 24, or 32 bytes).
func NewAESArmor(txEncKey, txMACKey, rxEncKey, rxMACKey []byte) (*AESArmor, error) {
	txc, err := aes.NewCipher(txEncKey)
	if err != nil {
		return nil, fmt.Errorf("tx cipher: %w", err)
	}
	rxc, err := aes.NewCipher(rxEncKey)
	if err != nil {
		return nil, fmt.Errorf("rx cipher: %w", err)
	}
	return &AESArmor{
		txCipher: txc,
		rxCipher: rxc,
		txMACKey: append([]byte(nil), txMACKey...),
		rxMACKey: append([]byte(nil), rxMACKey...),
	}, nil
}

// ctrIV derives the counter-mode IV for a packet. The sequence number
// occupies the high half of the counter block, leaving the low half
// for the block counter within the packet.
func ctrIV(seq uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[:8], seq)
	return iv
}

func (a *AESArmor) mac(key []byte, seq uint64, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	ph := pseudoHeader(seq)
	h.Write(ph[:])
	h.Write(data)
	return h.Sum(nil)[:MACLen]
}

// Encode encrypts pkt[EncOfs:] and appends the MAC.
func (a *AESArmor) Encode(seq uint64, pkt []byte) ([]byte, error) {
	if len(pkt) < EncOfs {
		return nil, ErrPacketTooShort
	}
	ctr := cipher.NewCTR(a.txCipher, ctrIV(seq))
	ctr.XORKeyStream(pkt[EncOfs:], pkt[EncOfs:])
	return append(pkt, a.mac(a.txMACKey, seq, pkt)...), nil
}

// Decode verifies the MAC, strips it, and decrypts pkt[EncOfs:].
func (a *AESArmor) Decode(seq uint64, pkt []byte) ([]byte, error) {
	if len(pkt) < EncOfs+MACLen {
		return nil, ErrPacketTooShort
	}
	body := pkt[:len(pkt)-MACLen]
	tag := pkt[len(pkt)-MACLen:]
	if !hmac.Equal(tag, a.mac(a.rxMACKey, seq, body)) {
		return nil, ErrVerifyFailed
	}
	ctr := cipher.NewCTR(a.rxCipher, ctrIV(seq))
	ctr.XORKeyStream(body[EncOfs:], body[EncOfs:])
	return body, nil
}

// ChecksumArmor provides a keyed 32-bit checksum with no encryption,
// defending only against off-path attackers who can inject but not
// observe. Used by the lightweight negotiation path.
type ChecksumArmor struct {
	txKey uint32
	rxKey uint32
	id    []byte
}

// NewChecksumArmor builds a checksum armor from the two direction keys.
func NewChecksumArmor(txKey, rxKey uint32, id []byte) *ChecksumArmor {
	return &ChecksumArmor{txKey: txKey, rxKey: rxKey, id: append([]byte(nil), id...)}
}

// ID returns the armor identifier used for duplicate detection during
// negotiation.
func (c *ChecksumArmor) ID() []byte { return c.id }

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func (c *ChecksumArmor) sum(key uint32, seq uint64, data []byte) uint32 {
	ph := pseudoHeader(seq)
	s := crc32.Update(0, crcTable, ph[:])
	s = crc32.Update(s, crcTable, data)
	return s ^ key
}

// Encode appends the keyed checksum.
func (c *ChecksumArmor) Encode(seq uint64, pkt []byte) ([]byte, error) {
	if len(pkt) < EncOfs {
		return nil, ErrPacketTooShort
	}
	var ck [4]byte
	binary.BigEndian.PutUint32(ck[:], c.sum(c.txKey, seq, pkt))
	return append(pkt, ck[:]...), nil
}

// Decode verifies and strips the keyed checksum.
func (c *ChecksumArmor) Decode(seq uint64, pkt []byte) ([]byte, error) {
	if len(pkt) < EncOfs+4 {
		return nil, ErrPacketTooShort
	}
	body := pkt[:len(pkt)-4]
	var want [4]byte
	binary.BigEndian.PutUint32(want[:], c.sum(c.rxKey, seq, body))
	if !bytes.Equal(want[:], pkt[len(pkt)-4:]) {
		return nil, ErrVerifyFailed
	}
	return body, nil
}
