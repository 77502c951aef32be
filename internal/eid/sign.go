package eid

import (
	"crypto"
	"crypto/dsa" //nolint:staticcheck // DSA-160 is part of the identity scheme set
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/netsteria/sst/internal/xdr"
)

// Key encoding type tags.
const (
	keyTagPublic  uint32 = 1
	keyTagPrivate uint32 = 2
)

var (
	// ErrNoPrivateKey is returned when signing without a private key.
	ErrNoPrivateKey = errors.New("identity holds no private key")

	// ErrBadSignature is returned when signature verification fails.
	ErrBadSignature = errors.New("signature verification failed")

	// ErrUnknownScheme is returned for schemes with no key support.
	ErrUnknownScheme = errors.New("unknown identity scheme")
)

// SignKey is a scheme-specific signing key, public or private.
type SignKey interface {
	// Scheme returns the identity scheme the key belongs to.
	Scheme() Scheme

	// HasPrivate reports whether the key can sign.
	HasPrivate() bool

	// ID computes the EID corresponding to this key.
	ID() EID

	// Hash digests data with the scheme's signature hash.
	Hash(data []byte) []byte

	// Sign signs a digest produced by Hash.
	Sign(digest []byte) ([]byte, error)

	// Verify checks a signature over a digest produced by Hash.
	Verify(digest, sig []byte) error

	// Encode serializes the key; private=true includes secret material.
	Encode(private bool) []byte
}

// dsaKey implements SignKey over DSA with SHA-1 digests. The default
// 1024-bit modulus uses a 160-bit subgroup; 2048- and 3072-bit moduli
// use 224- and 256-bit subgroups.
type dsaKey struct {
	pub  dsa.PublicKey
	priv *dsa.PrivateKey
}

func generateDSA(bits int) (*dsaKey, error) {
	var sizes dsa.ParameterSizes
	switch bits {
	case 0, 1024:
		sizes = dsa.L1024N160
	case 2048:
		sizes = dsa.L2048N224
	case 3072:
		sizes = dsa.L3072N256
	default:
		return nil, fmt.Errorf("unsupported DSA modulus size %d", bits)
	}
	priv := new(dsa.PrivateKey)
	if err := dsa.GenerateParameters(&priv.Parameters, rand.Reader, sizes); err != nil {
		return nil, fmt.Errorf("generate DSA parameters: %w", err)
	}
	if err := dsa.GenerateKey(priv, rand.Reader); err != nil {
		return nil, fmt.Errorf("generate DSA key: %w", err)
	}
	return &dsaKey{pub: priv.PublicKey, priv: priv}, nil
}

func decodeDSA(enc []byte) (*dsaKey, error) {
	d := xdr.NewDecoder(enc)
	tag := d.U32()
	k := &dsaKey{}
	k.pub.P = new(big.Int).SetBytes(d.Opaque(0))
	k.pub.Q = new(big.Int).SetBytes(d.Opaque(0))
	k.pub.G = new(big.Int).SetBytes(d.Opaque(0))
	k.pub.Y = new(big.Int).SetBytes(d.Opaque(0))
	if tag == keyTagPrivate {
		k.priv = &dsa.PrivateKey{PublicKey: k.pub}
		k.priv.X = new(big.Int).SetBytes(d.Opaque(0))
	} else if tag != keyTagPublic {
		return nil, fmt.Errorf("%w: bad DSA key tag %d", ErrInvalidEID, tag)
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *dsaKey) Scheme() Scheme   { return SchemeDSA160 }
func (k *dsaKey) HasPrivate() bool { return k.priv != nil }

func (k *dsaKey) ID() EID {
	return hashedEID(SchemeDSA160, k.Encode(false))
}

func (k *dsaKey) Hash(data []byte) []byte {
	h := sha1.Sum(data)
	return h[:]
}

func (k *dsaKey) Sign(digest []byte) ([]byte, error) {
	if k.priv == nil {
		return nil, ErrNoPrivateKey
	}
	r, s, err := dsa.Sign(rand.Reader, k.priv, digest)
	if err != nil {
		return nil, fmt.Errorf("DSA sign: %w", err)
	}
	e := xdr.NewEncoder()
	e.PutOpaque(r.Bytes())
	e.PutOpaque(s.Bytes())
	return e.Bytes(), nil
}

func (k *dsaKey) Verify(digest, sig []byte) error {
	d := xdr.NewDecoder(sig)
	r := new(big.Int).SetBytes(d.Opaque(0))
	s := new(big.Int).SetBytes(d.Opaque(0))
	if err := d.Err(); err != nil {
		return err
	}
	if !dsa.Verify(&k.pub, digest, r, s) {
		return ErrBadSignature
	}
	return nil
}

func (k *dsaKey) Encode(private bool) []byte {
	e := xdr.NewEncoder()
	if private && k.priv != nil {
		e.PutU32(keyTagPrivate)
	} else {
		e.PutU32(keyTagPublic)
	}
	e.PutOpaque(k.pub.P.Bytes())
	e.PutOpaque(k.pub.Q.Bytes())
	e.PutOpaque(k.pub.G.Bytes())
	e.PutOpaque(k.pub.Y.Bytes())
	if private && k.priv != nil {
		e.PutOpaque(k.priv.X.Bytes())
	}
	return e.Bytes()
}

// rsaKey implements SignKey over RSA with PKCS#1 v1.5 signatures.
type rsaKey struct {
	pub  rsa.PublicKey
	priv *rsa.PrivateKey
}

func generateRSA(bits int) (*rsaKey, error) {
	if bits == 0 {
		bits = 2048
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	return &rsaKey{pub: priv.PublicKey, priv: priv}, nil
}

func decodeRSA(enc []byte) (*rsaKey, error) {
	d := xdr.NewDecoder(enc)
	tag := d.U32()
	k := &rsaKey{}
	k.pub.N = new(big.Int).SetBytes(d.Opaque(0))
	k.pub.E = int(d.U32())
	if tag == keyTagPrivate {
		k.priv = &rsa.PrivateKey{PublicKey: k.pub}
		k.priv.D = new(big.Int).SetBytes(d.Opaque(0))
		p := new(big.Int).SetBytes(d.Opaque(0))
		q := new(big.Int).SetBytes(d.Opaque(0))
		k.priv.Primes = []*big.Int{p, q}
	} else if tag != keyTagPublic {
		return nil, fmt.Errorf("%w: bad RSA key tag %d", ErrInvalidEID, tag)
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	if k.priv != nil {
		k.priv.Precompute()
		if err := k.priv.Validate(); err != nil {
			return nil, fmt.Errorf("invalid RSA private key: %w", err)
		}
	}
	return k, nil
}

func (k *rsaKey) Scheme() Scheme   { return SchemeRSA160 }
func (k *rsaKey) HasPrivate() bool { return k.priv != nil }

func (k *rsaKey) ID() EID {
	return hashedEID(SchemeRSA160, k.Encode(false))
}

func (k *rsaKey) Hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func (k *rsaKey) Sign(digest []byte) ([]byte, error) {
	if k.priv == nil {
		return nil, ErrNoPrivateKey
	}
	return rsa.SignPKCS1v15(rand.Reader, k.priv, crypto.SHA256, digest)
}

func (k *rsaKey) Verify(digest, sig []byte) error {
	if err := rsa.VerifyPKCS1v15(&k.pub, crypto.SHA256, digest, sig); err != nil {
		return ErrBadSignature
	}
	return nil
}

func (k *rsaKey) Encode(private bool) []byte {
	e := xdr.NewEncoder()
	if private && k.priv != nil {
		e.PutU32(keyTagPrivate)
	} else {
		e.PutU32(keyTagPublic)
	}
	e.PutOpaque(k.pub.N.Bytes())
	e.PutU32(uint32(k.pub.E))
	if private && k.priv != nil {
		e.PutOpaque(k.priv.D.Bytes())
		e.PutOpaque(k.priv.Primes[0].Bytes())
		e.PutOpaque(k.priv.Primes[1].Bytes())
	}
	return e.Bytes()
}

// decodeKey decodes a key encoding for the given scheme.
func decodeKey(sch Scheme, enc []byte) (SignKey, error) {
	switch sch {
	case SchemeDSA160:
		return decodeDSA(enc)
	case SchemeRSA160:
		return decodeRSA(enc)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownScheme, sch)
	}
}

// Ident couples an EID with its signing key, when known. The zero
// Ident is the null identity.
type Ident struct {
	eid EID
	key SignKey
}

// NewIdent creates a key-less Ident from a bare EID.
func NewIdent(e EID) Ident { return Ident{eid: e} }

// Generate creates a fresh identity in the given scheme. bits selects
// the modulus size; 0 uses the scheme default.
func Generate(sch Scheme, bits int) (Ident, error) {
	var k SignKey
	var err error
	switch sch {
	case SchemeDSA160:
		k, err = generateDSA(bits)
	case SchemeRSA160:
		k, err = generateRSA(bits)
	default:
		return Ident{}, fmt.Errorf("%w: %v", ErrUnknownScheme, sch)
	}
	if err != nil {
		return Ident{}, err
	}
	return Ident{eid: k.ID(), key: k}, nil
}

// EID returns the identity's endpoint identifier.
func (i Ident) EID() EID { return i.eid }

// IsNull reports whether the identity is empty.
func (i Ident) IsNull() bool { return i.eid.IsNull() }

// Key returns the identity's signing key, or nil.
func (i Ident) Key() SignKey { return i.key }

// HasPrivate reports whether the identity can sign.
func (i Ident) HasPrivate() bool { return i.key != nil && i.key.HasPrivate() }

// SetKey attaches a decoded key to the identity, verifying that the
// key hashes to the identity's EID. The check is what makes an EID
// self-certifying; skipping it would let any key impersonate any EID.
func (i *Ident) SetKey(keyEnc []byte) error {
	k, err := decodeKey(i.eid.Scheme(), keyEnc)
	if err != nil {
		return err
	}
	if !k.ID().Equal(i.eid) {
		return ErrKeyMismatch
	}
	i.key = k
	return nil
}

// Sign hashes data with the scheme hash and signs the digest.
func (i Ident) Sign(data []byte) ([]byte, error) {
	if i.key == nil {
		return nil, ErrNoPrivateKey
	}
	return i.key.Sign(i.key.Hash(data))
}

// Verify checks a signature over data against the identity's key.
func (i Ident) Verify(data, sig []byte) error {
	if i.key == nil {
		return fmt.Errorf("%w: no key to verify with", ErrBadSignature)
	}
	return i.key.Verify(i.key.Hash(data), sig)
}
