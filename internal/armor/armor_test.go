package armor

import (
	"bytes"
	"errors"
	"testing"
)

func testAESArmor(t *testing.T) (a, b *AESArmor) {
	t.Helper()
	txEnc := bytes.Repeat([]byte{1}, 16)
	txMAC := bytes.Repeat([]byte{2}, 32)
	rxEnc := bytes.Repeat([]byte{3}, 16)
	rxMAC := bytes.Repeat([]byte{4}, 32)

	a, err := NewAESArmor(txEnc, txMAC, rxEnc, rxMAC)
	if err != nil {
		t.Fatal(err)
	}
	// The peer's armor has the key sets mirrored.
	b, err = NewAESArmor(rxEnc, rxMAC, txEnc, txMAC)
	if err != nil {
		t.Fatal(err)
	}
	return a, b
}

func TestAESRoundTrip(t *testing.T) {
	a, b := testAESArmor(t)

	plain := append([]byte{0x01, 0x00, 0x00, 0x07}, []byte("encrypted payload data")...)
	pkt := append([]byte(nil), plain...)

	armored, err := a.Encode(42, pkt)
	if err != nil {
		t.Fatal(err)
	}
	if len(armored) != len(plain)+MACLen {
		t.Fatalf("armored length %d, want %d", len(armored), len(plain)+MACLen)
	}
	// Cleartext region untouched, payload encrypted.
	if !bytes.Equal(armored[:EncOfs], plain[:EncOfs]) {
		t.Error("cleartext header modified")
	}
	if bytes.Equal(armored[EncOfs:len(plain)], plain[EncOfs:]) {
		t.Error("payload not encrypted")
	}

	got, err := b.Decode(42, append([]byte(nil), armored...))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("round trip mismatch: %x != %x", got, plain)
	}
}

func TestAESTamperDetected(t *testing.T) {
	a, b := testAESArmor(t)
	pkt := append([]byte{0x01, 0x00, 0x00, 0x01}, []byte("payload")...)
	armored, err := a.Encode(7, append([]byte(nil), pkt...))
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]func([]byte){
		"flip header bit":  func(p []byte) { p[0] ^= 0x80 },
		"flip payload bit": func(p []byte) { p[5] ^= 1 },
		"flip mac bit":     func(p []byte) { p[len(p)-1] ^= 1 },
	}
	for name, corrupt := range cases {
		bad := append([]byte(nil), armored...)
		corrupt(bad)
		if _, err := b.Decode(7, bad); !errors.Is(err, ErrVerifyFailed) {
			t.Errorf("%s: err = %v, want ErrVerifyFailed", name, err)
		}
	}

	// Wrong sequence number changes the pseudo-header: must fail.
	if _, err := b.Decode(8, append([]byte(nil), armored...)); !errors.Is(err, ErrVerifyFailed) {
		t.Errorf("wrong seq accepted: %v", err)
	}
}

func TestAESSequenceDistinct(t *testing.T) {
	a, _ := testAESArmor(t)
	pkt := append([]byte{0x01, 0x00, 0x00, 0x01}, bytes.Repeat([]byte{0xAA}, 32)...)

	one, err := a.Encode(1, append([]byte(nil), pkt...))
	if err != nil {
		t.Fatal(err)
	}
	two, err := a.Encode(2, append([]byte(nil), pkt...))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(one[EncOfs:], two[EncOfs:]) {
		t.Error("identical ciphertext for different sequence numbers")
	}
}

func TestChecksumArmor(t *testing.T) {
	a := NewChecksumArmor(0x1111, 0x2222, []byte("id"))
	b := NewChecksumArmor(0x2222, 0x1111, nil)

	pkt := append([]byte{0x01, 0x00, 0x00, 0x01}, []byte("data")...)
	armored, err := a.Encode(5, append([]byte(nil), pkt...))
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.Decode(5, append([]byte(nil), armored...))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pkt) {
		t.Error("checksum round trip mismatch")
	}

	bad := append([]byte(nil), armored...)
	bad[4] ^= 1
	if _, err := b.Decode(5, bad); !errors.Is(err, ErrVerifyFailed) {
		t.Errorf("corrupted packet accepted: %v", err)
	}
}

func TestShortPacket(t *testing.T) {
	a, _ := testAESArmor(t)
	if _, err := a.Decode(1, []byte{1, 2, 3}); !errors.Is(err, ErrPacketTooShort) {
		t.Errorf("err = %v, want ErrPacketTooShort", err)
	}
}
