package xdr

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	e := NewEncoder()
	e.PutU8(7)
	e.PutU16(0xBEEF)
	e.PutU32(0xDEADBEEF)
	e.PutU64(0x0123456789ABCDEF)
	e.PutFixed([]byte{1, 2, 3, 4})
	e.PutOpaque([]byte("hello"))
	e.PutString("svc")
	e.PutOpaque(nil)

	d := NewDecoder(e.Bytes())
	if got := d.U8(); got != 7 {
		t.Errorf("U8 = %d, want 7", got)
	}
	if got := d.U16(); got != 0xBEEF {
		t.Errorf("U16 = %x, want beef", got)
	}
	if got := d.U32(); got != 0xDEADBEEF {
		t.Errorf("U32 = %x", got)
	}
	if got := d.U64(); got != 0x0123456789ABCDEF {
		t.Errorf("U64 = %x", got)
	}
	if got := d.Fixed(4); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("Fixed = %v", got)
	}
	if got := d.Opaque(0); !bytes.Equal(got, []byte("hello")) {
		t.Errorf("Opaque = %q", got)
	}
	if got := d.String(16); got != "svc" {
		t.Errorf("String = %q", got)
	}
	if got := d.Opaque(0); len(got) != 0 {
		t.Errorf("empty Opaque = %v", got)
	}
	if err := d.Err(); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if d.Remaining() != 0 {
		t.Errorf("%d bytes left over", d.Remaining())
	}
}

func TestOpaquePadding(t *testing.T) {
	for n := 0; n < 9; n++ {
		e := NewEncoder()
		e.PutOpaque(make([]byte, n))
		if e.Len()%4 != 0 {
			t.Errorf("opaque of %d bytes encodes to %d, not 4-aligned", n, e.Len())
		}
	}
}

func TestShortBuffer(t *testing.T) {
	d := NewDecoder([]byte{0, 0})
	d.U32()
	if !errors.Is(d.Err(), ErrShortBuffer) {
		t.Errorf("err = %v, want ErrShortBuffer", d.Err())
	}
	// Sticky: further reads return zero values, error unchanged.
	if got := d.U64(); got != 0 {
		t.Errorf("read after error = %d", got)
	}
}

func TestOpaqueBound(t *testing.T) {
	e := NewEncoder()
	e.PutOpaque(make([]byte, 64))
	d := NewDecoder(e.Bytes())
	d.Opaque(16)
	if !errors.Is(d.Err(), ErrFieldTooLong) {
		t.Errorf("err = %v, want ErrFieldTooLong", d.Err())
	}
}
