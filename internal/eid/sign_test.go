package eid

import (
	"errors"
	"testing"
)

func TestRSAIdentity(t *testing.T) {
	ident, err := Generate(SchemeRSA160, 1024) // small modulus keeps the test fast
	if err != nil {
		t.Fatal(err)
	}
	if ident.EID().Scheme() != SchemeRSA160 {
		t.Fatalf("scheme = %v", ident.EID().Scheme())
	}
	if !ident.HasPrivate() {
		t.Fatal("generated identity has no private key")
	}

	msg := []byte("key exchange parameters")
	sig, err := ident.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}

	// A verifier reconstructs the identity from EID + public key.
	verifier := NewIdent(ident.EID())
	if err := verifier.SetKey(ident.Key().Encode(false)); err != nil {
		t.Fatal(err)
	}
	if err := verifier.Verify(msg, sig); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := verifier.Verify([]byte("tampered"), sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered message accepted: %v", err)
	}
}

func TestDSAIdentity(t *testing.T) {
	if testing.Short() {
		t.Skip("DSA parameter generation is slow")
	}
	ident, err := Generate(SchemeDSA160, 1024)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("hello")
	sig, err := ident.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	verifier := NewIdent(ident.EID())
	if err := verifier.SetKey(ident.Key().Encode(false)); err != nil {
		t.Fatal(err)
	}
	if err := verifier.Verify(msg, sig); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
}

func TestKeyMismatchRejected(t *testing.T) {
	a, err := Generate(SchemeRSA160, 1024)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Generate(SchemeRSA160, 1024)
	if err != nil {
		t.Fatal(err)
	}

	// b's key must not bind to a's EID.
	imposter := NewIdent(a.EID())
	if err := imposter.SetKey(b.Key().Encode(false)); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("foreign key accepted: %v", err)
	}
}

func TestStoreLoad(t *testing.T) {
	dir := t.TempDir()
	ident, err := Generate(SchemeRSA160, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if err := ident.Store(dir); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.EID().Equal(ident.EID()) {
		t.Error("loaded identity has different EID")
	}
	if !loaded.HasPrivate() {
		t.Error("loaded identity lost its private key")
	}
}

func TestLoadOrGenerate(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrGenerate(dir, SchemeRSA160)
	if err != nil {
		t.Fatal(err)
	}
	second, err := LoadOrGenerate(dir, SchemeRSA160)
	if err != nil {
		t.Fatal(err)
	}
	if !first.EID().Equal(second.EID()) {
		t.Error("identity not stable across LoadOrGenerate calls")
	}
}
