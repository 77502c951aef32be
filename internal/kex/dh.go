package kex

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// DHGroup selects a MODP Diffie-Hellman group.
type DHGroup uint32

const (
	DHGroup1024 DHGroup = 1 // Oakley group 2 (RFC 2409)
	DHGroup2048 DHGroup = 2 // RFC 3526 group 14
	DHGroup3072 DHGroup = 3 // RFC 3526 group 15
)

// DefaultGroup is used when the application does not choose.
const DefaultGroup = DHGroup2048

var ErrUnknownGroup = errors.New("unknown DH group")

// RFC 2409 / RFC 3526 MODP primes, generator 2.
const (
	modp1024 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381" +
		"FFFFFFFFFFFFFFFF"
	modp2048 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
		"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
		"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
		"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
		"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
		"15728E5A8AACAA68FFFFFFFFFFFFFFFF"
)

var modp3072 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AAAC42DAD33170D04507A33A85521ABDF1CBA64" +
	"ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7" +
	"ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6B" +
	"F12FFA06D98A0864D87602733EC86A64521F2B18177B200C" +
	"BBE117577A615D6C770988C0BAD946E208E24FA074E5AB31" +
	"43DB5BFCE0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF"

type dhParams struct {
	p *big.Int
	g *big.Int
}

var dhGroups = map[DHGroup]*dhParams{}

func init() {
	for grp, hexp := range map[DHGroup]string{
		DHGroup1024: modp1024,
		DHGroup2048: modp2048,
		DHGroup3072: modp3072,
	} {
		p, ok := new(big.Int).SetString(hexp, 16)
		if !ok {
			panic("bad MODP prime constant")
		}
		dhGroups[grp] = &dhParams{p: p, g: big.NewInt(2)}
	}
}

func (g DHGroup) params() (*dhParams, error) {
	p, ok := dhGroups[g]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownGroup, g)
	}
	return p, nil
}

// Valid reports whether the group is supported.
func (g DHGroup) Valid() bool {
	_, ok := dhGroups[g]
	return ok
}

// KeyLen returns the group's public key length in bytes.
func (g DHGroup) KeyLen() int {
	p, ok := dhGroups[g]
	if !ok {
		return 0
	}
	return (p.p.BitLen() + 7) / 8
}

// GenerateKey produces an ephemeral DH keypair for the group. The
// public key is returned left-padded to the group size.
func (g DHGroup) GenerateKey() (priv *big.Int, pub []byte, err error) {
	params, err := g.params()
	if err != nil {
		return nil, nil, err
	}
	// A 256-bit exponent is twice the strength of the default 16-byte
	// key floor.
	priv, err = rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 256))
	if err != nil {
		return nil, nil, fmt.Errorf("generate DH exponent: %w", err)
	}
	pubInt := new(big.Int).Exp(params.g, priv, params.p)
	return priv, leftPad(pubInt.Bytes(), g.KeyLen()), nil
}

var errBadDHKey = errors.New("DH public key out of range")

// SharedSecret computes the DH shared secret Z from our private key
// and the peer's public key, rejecting degenerate values.
func (g DHGroup) SharedSecret(priv *big.Int, peerPub []byte) ([]byte, error) {
	params, err := g.params()
	if err != nil {
		return nil, err
	}
	y := new(big.Int).SetBytes(peerPub)
	// Reject 0, 1, and p-1: the subgroup traps.
	pm1 := new(big.Int).Sub(params.p, big.NewInt(1))
	if y.Cmp(big.NewInt(2)) < 0 || y.Cmp(pm1) >= 0 {
		return nil, errBadDHKey
	}
	z := new(big.Int).Exp(y, priv, params.p)
	return leftPad(z.Bytes(), g.KeyLen()), nil
}

func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}
