package kex

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ChanIDLen is the length of the per-direction channel identifiers
// derived from the master secret.
const ChanIDLen = 8

const macKeyLen = 32

// channelKeys is the full symmetric key schedule for one channel,
// named from the initiator's perspective.
type channelKeys struct {
	txEncI []byte // initiator-to-responder encryption
	txMACI []byte
	txEncR []byte // responder-to-initiator encryption
	txMACR []byte

	// Identity-block protection for I2 and R2.
	encI2 []byte
	macI2 []byte
	encR2 []byte
	macR2 []byte

	chanIDI []byte // initiator transmit direction channel id
	chanIDR []byte
}

// masterSecret derives the master from the DH shared secret and both
// nonces: H("master" | Z | nhi | nr).
func masterSecret(z, nhi, nr []byte) []byte {
	h := sha256.New()
	h.Write([]byte("master"))
	h.Write(z)
	h.Write(nhi)
	h.Write(nr)
	return h.Sum(nil)
}

// deriveKeys expands the master into the key schedule with a distinct
// HKDF label per role and purpose. keyLen is the accepted symmetric
// key length in bytes.
func deriveKeys(master []byte, keyLen int) *channelKeys {
	pull := func(label string, n int) []byte {
		r := hkdf.New(sha256.New, master, nil, []byte(label))
		out := make([]byte, n)
		if _, err := io.ReadFull(r, out); err != nil {
			panic("hkdf: " + err.Error())
		}
		return out
	}

	return &channelKeys{
		txEncI:  pull("chan-enc-i", keyLen),
		txMACI:  pull("chan-mac-i", macKeyLen),
		txEncR:  pull("chan-enc-r", keyLen),
		txMACR:  pull("chan-mac-r", macKeyLen),
		encI2:   pull("ident-enc-i2", keyLen),
		macI2:   pull("ident-mac-i2", macKeyLen),
		encR2:   pull("ident-enc-r2", keyLen),
		macR2:   pull("ident-mac-r2", macKeyLen),
		chanIDI: chanID("chanid-i", master),
		chanIDR: chanID("chanid-r", master),
	}
}

// chanID derives one direction's channel identifier:
// first ChanIDLen bytes of H(label | master).
func chanID(label string, master []byte) []byte {
	h := sha256.New()
	h.Write([]byte(label))
	h.Write(master)
	return h.Sum(nil)[:ChanIDLen]
}

// authenticate computes the truncated HMAC-SHA-256 tag used on I2 and
// R2 messages.
func authenticate(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)[:16]
}

func macEqual(key, data, tag []byte) bool {
	return hmac.Equal(authenticate(key, data), tag)
}
