package sock

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/netsteria/sst/internal/xdr"
)

type sinkFunc func(pkt []byte, src Endpoint)

func (f sinkFunc) ReceivePacket(pkt []byte, src Endpoint) { f(pkt, src) }

type recvFunc func(msg []byte, src Endpoint)

func (f recvFunc) ReceiveControl(msg []byte, src Endpoint) { f(msg, src) }

func ep(s string) Endpoint {
	e, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return e
}

func TestDispatchToFlow(t *testing.T) {
	d := NewDispatcher(nil)
	src := ep("192.0.2.1:1000")

	var got []byte
	ok := d.BindFlow(src, 7, sinkFunc(func(pkt []byte, _ Endpoint) { got = pkt }))
	if !ok {
		t.Fatal("BindFlow failed")
	}

	msg := []byte{7, 0, 0, 1, 0xAA}
	d.Dispatch(msg, src)
	if got == nil {
		t.Fatal("bound flow did not receive")
	}

	// Same channel from a different endpoint: no delivery.
	got = nil
	d.Dispatch(msg, ep("192.0.2.2:1000"))
	if got != nil {
		t.Error("delivered for wrong source endpoint")
	}

	// Channel zero can never be bound.
	if d.BindFlow(src, 0, sinkFunc(func([]byte, Endpoint) {})) {
		t.Error("channel 0 bind accepted")
	}
}

func TestDispatchToReceiver(t *testing.T) {
	d := NewDispatcher(nil)
	src := ep("192.0.2.1:1000")

	var got []byte
	d.BindReceiver(0x00535354, recvFunc(func(msg []byte, _ Endpoint) { got = msg }))

	msg := make([]byte, 8)
	binary.BigEndian.PutUint32(msg, 0x00535354)
	d.Dispatch(msg, src)
	if got == nil {
		t.Fatal("receiver did not fire")
	}

	// Unknown magic: dropped, with only a debug log entry.
	got = nil
	other := make([]byte, 8)
	binary.BigEndian.PutUint32(other, 0x00414243)
	d.Dispatch(other, src)
	if got != nil {
		t.Error("unknown magic delivered")
	}

	// Magic with a non-zero high byte is channel traffic, not control.
	got = nil
	notmagic := []byte{0x53, 0x53, 0x54, 0x00}
	d.Dispatch(notmagic, src)
	if got != nil {
		t.Error("channel-range first byte dispatched as control")
	}
}

func TestFlowTakesPrecedence(t *testing.T) {
	d := NewDispatcher(nil)
	src := ep("192.0.2.1:1000")

	var flowHit, recvHit bool
	d.BindFlow(src, 1, sinkFunc(func([]byte, Endpoint) { flowHit = true }))
	d.BindReceiver(0x00535354, recvFunc(func([]byte, Endpoint) { recvHit = true }))

	// First byte 1 matches the bound channel even though the datagram
	// could parse some other way.
	d.Dispatch([]byte{1, 2, 3, 4, 5}, src)
	if !flowHit || recvHit {
		t.Errorf("flowHit=%v recvHit=%v", flowHit, recvHit)
	}
}

func TestBindFlowAuto(t *testing.T) {
	d := NewDispatcher(nil)
	src := ep("192.0.2.1:1000")
	seen := map[ChannelNum]bool{}
	for i := 0; i < 255; i++ {
		ch := d.BindFlowAuto(src, sinkFunc(func([]byte, Endpoint) {}))
		if ch == 0 {
			t.Fatalf("allocation failed at %d", i)
		}
		if seen[ch] {
			t.Fatalf("channel %d allocated twice", ch)
		}
		seen[ch] = true
	}
	if ch := d.BindFlowAuto(src, sinkFunc(func([]byte, Endpoint) {})); ch != 0 {
		t.Error("256th allocation should fail")
	}
}

func TestEndpointXDR(t *testing.T) {
	eps := []Endpoint{
		MakeEndpoint(netip.MustParseAddr("192.0.2.9"), 9669),
		MakeEndpoint(netip.MustParseAddr("2001:db8::2"), 1),
	}
	for _, want := range eps {
		enc := xdr.NewEncoder()
		want.EncodeTo(enc)
		got := DecodeEndpoint(xdr.NewDecoder(enc.Bytes()))
		if got != want {
			t.Errorf("endpoint round trip: %v != %v", got, want)
		}
	}
}
