package stream

import (
	"bytes"
	"testing"

	"github.com/netsteria/sst/internal/xdr"
)

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		sid     StreamID
		typ     uint8
		subtype uint8
		window  uint8
	}{
		{0, typeData, 0, 0},
		{1, typeInit, dataMessageFlag, 0x10},
		{0xFFFF, typeReset, resetDirFlag, winSubstreamFlag | 5},
		{42, typeDatagram, dgramBeginFlag | dgramEndFlag, 0xFF},
	}
	for _, tt := range tests {
		buf := make([]byte, hdrLenMin)
		putHdr(buf, tt.sid, tt.typ, tt.subtype, tt.window)
		h, err := decodeHdr(buf)
		if err != nil {
			t.Fatal(err)
		}
		if h.sid != tt.sid || h.typ != tt.typ || h.subtype != tt.subtype || h.window != tt.window {
			t.Errorf("round trip %+v -> %+v", tt, h)
		}
	}

	if _, err := decodeHdr([]byte{1, 2}); err == nil {
		t.Error("short header accepted")
	}
}

func TestWindowEncoding(t *testing.T) {
	tests := []struct {
		n    int
		want int // decoded value: largest power of two <= n, and 1 for n < 1
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 2},
		{4096, 4096},
		{65536, 65536},
		{100000, 65536},
	}
	for _, tt := range tests {
		w := encodeWindow(tt.n, false)
		got, sub := decodeWindow(w)
		if sub {
			t.Errorf("encodeWindow(%d, false) set substream flag", tt.n)
		}
		if got != tt.want {
			t.Errorf("window %d -> %d, want %d", tt.n, got, tt.want)
		}
	}

	w := encodeWindow(1024, true)
	if n, sub := decodeWindow(w); !sub || n != 1024 {
		t.Errorf("substream window decode = %d, %v", n, sub)
	}

	if n, _ := decodeWindow(winInheritFlag); n != -1 {
		t.Errorf("inherit flag decode = %d", n)
	}
}

func TestUSIDRoundTrip(t *testing.T) {
	u := MakeUSID(12345, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	enc := xdr.NewEncoder()
	u.EncodeTo(enc)
	got := DecodeUSID(xdr.NewDecoder(enc.Bytes()))
	if got != u {
		t.Errorf("USID round trip: %v != %v", got, u)
	}
	if u.IsNull() {
		t.Error("populated USID reports null")
	}
	var zero USID
	if !zero.IsNull() {
		t.Error("zero USID not null")
	}
}

func TestConnectMessages(t *testing.T) {
	req := &ConnectRequest{Service: "echo", Protocol: "sst"}
	enc := req.Encode()
	if !bytes.Equal(enc, req.Encode()) {
		t.Error("request encoding not deterministic")
	}
	got, err := DecodeConnectRequest(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got.Service != "echo" || got.Protocol != "sst" {
		t.Errorf("decoded %+v", got)
	}

	rep := &ConnectReply{Status: connectOK}
	gotRep, err := DecodeConnectReply(rep.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if gotRep.Status != connectOK {
		t.Errorf("status = %d", gotRep.Status)
	}

	// Reply bytes are not a valid request.
	if _, err := DecodeConnectRequest(rep.Encode()); err == nil {
		t.Error("reply decoded as request")
	}
}

func TestServiceTable(t *testing.T) {
	tab := NewServiceTable()
	srv, err := tab.Listen("echo", "sst")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tab.Listen("echo", "sst"); err == nil {
		t.Error("duplicate registration accepted")
	}
	if tab.Lookup("echo", "sst") != srv {
		t.Error("lookup missed")
	}
	// Case-sensitive exact match.
	if tab.Lookup("Echo", "sst") != nil {
		t.Error("case-insensitive match")
	}
	tab.Unlisten("echo", "sst")
	if tab.Lookup("echo", "sst") != nil {
		t.Error("lookup after unlisten")
	}
}
