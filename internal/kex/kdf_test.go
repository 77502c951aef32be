package kex

import (
	"bytes"
	"testing"
)

func TestKeyScheduleDeterministic(t *testing.T) {
	z := bytes.Repeat([]byte{0x42}, 128)
	nhi := bytes.Repeat([]byte{1}, NonceLen)
	nr := bytes.Repeat([]byte{2}, NonceLen)

	m1 := masterSecret(z, nhi, nr)
	m2 := masterSecret(z, nhi, nr)
	if !bytes.Equal(m1, m2) {
		t.Fatal("master secret not deterministic")
	}
	if bytes.Equal(m1, masterSecret(z, nr, nhi)) {
		t.Fatal("nonce order does not matter")
	}

	k1 := deriveKeys(m1, 16)
	k2 := deriveKeys(m1, 16)
	if !bytes.Equal(k1.txEncI, k2.txEncI) || !bytes.Equal(k1.chanIDI, k2.chanIDI) {
		t.Fatal("key derivation not deterministic")
	}
}

func TestKeyScheduleDistinct(t *testing.T) {
	master := bytes.Repeat([]byte{7}, 32)
	k := deriveKeys(master, 32)

	all := [][]byte{
		k.txEncI, k.txMACI, k.txEncR, k.txMACR,
		k.encI2, k.macI2, k.encR2, k.macR2,
	}
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			if bytes.Equal(all[i], all[j]) &&
				len(all[i]) == len(all[j]) {
				t.Errorf("keys %d and %d identical", i, j)
			}
		}
	}
	if bytes.Equal(k.chanIDI, k.chanIDR) {
		t.Error("channel ids identical for both directions")
	}
	if len(k.chanIDI) != ChanIDLen {
		t.Errorf("channel id length %d", len(k.chanIDI))
	}
	if len(k.txEncI) != 32 || len(k.txMACI) != macKeyLen {
		t.Errorf("key lengths %d/%d", len(k.txEncI), len(k.txMACI))
	}
}

func TestChannelArmorMirrors(t *testing.T) {
	master := bytes.Repeat([]byte{9}, 32)
	keys := deriveKeys(master, 16)

	ai, err := newChannelArmor(keys, true)
	if err != nil {
		t.Fatal(err)
	}
	ar, err := newChannelArmor(keys, false)
	if err != nil {
		t.Fatal(err)
	}

	pkt := append([]byte{1, 0, 0, 1}, []byte("payload across roles")...)
	armored, err := ai.Encode(3, append([]byte(nil), pkt...))
	if err != nil {
		t.Fatal(err)
	}
	got, err := ar.Decode(3, armored)
	if err != nil {
		t.Fatalf("responder cannot decode initiator traffic: %v", err)
	}
	if !bytes.Equal(got, pkt) {
		t.Error("cross-role round trip mismatch")
	}
}
