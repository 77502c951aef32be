package kex

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/netsteria/sst/internal/eid"
	"github.com/netsteria/sst/internal/flow"
	"github.com/netsteria/sst/internal/sim"
	"github.com/netsteria/sst/internal/sock"
)

func testIdent(t *testing.T) eid.Ident {
	t.Helper()
	ident, err := eid.Generate(eid.SchemeRSA160, 1024)
	if err != nil {
		t.Fatal(err)
	}
	return ident
}

type kexEnd struct {
	ident  eid.Ident
	socket *sim.Socket
	kx     *KeyExchange

	mu       sync.Mutex
	channels []*ChannelInfo
}

func newKexEnd(t *testing.T, clock *sim.Clock, net *sim.Net) *kexEnd {
	t.Helper()
	e := &kexEnd{ident: testIdent(t), socket: net.NewSocket()}
	e.kx = New(Config{
		Ident: e.ident,
		Clock: clock,
		Group: DHGroup1024, // fast for tests
		NewFlow: func() *flow.Flow {
			return flow.New(flow.Config{Clock: clock})
		},
		OnChannel: func(info *ChannelInfo) {
			e.mu.Lock()
			e.channels = append(e.channels, info)
			e.mu.Unlock()
		},
	})
	e.kx.Bind(e.socket)
	return e
}

func (e *kexEnd) channelCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.channels)
}

func TestMessageRoundTrip(t *testing.T) {
	i1 := &Init1{
		Group:  DHGroup2048,
		KeyMin: 16,
		NHI:    bytes.Repeat([]byte{0xAB}, NonceLen),
		DHI:    bytes.Repeat([]byte{0xCD}, 256),
		EIDR:   []byte{0x2C, 1, 2, 3},
	}
	msg := &Message{Chunks: []Chunk{{Type: ChunkDHInit1, I1: i1}}}
	enc := msg.Encode()

	// Deterministic: encoding twice is byte-identical.
	if !bytes.Equal(enc, msg.Encode()) {
		t.Fatal("message encoding not deterministic")
	}

	dec, err := DecodeMessage(enc)
	if err != nil {
		t.Fatal(err)
	}
	if len(dec.Chunks) != 1 || dec.Chunks[0].Type != ChunkDHInit1 {
		t.Fatalf("decoded %d chunks", len(dec.Chunks))
	}
	got := dec.Chunks[0].I1
	if got.Group != i1.Group || got.KeyMin != i1.KeyMin ||
		!bytes.Equal(got.NHI, i1.NHI) || !bytes.Equal(got.DHI, i1.DHI) ||
		!bytes.Equal(got.EIDR, i1.EIDR) {
		t.Error("I1 round trip mismatch")
	}

	// Re-encoding the decoded message is byte-identical too.
	if !bytes.Equal(dec.Encode(), enc) {
		t.Error("re-encode differs")
	}
}

func TestIdentBlockRoundTrip(t *testing.T) {
	b := &IdentBlock{
		Chan: 7,
		EID:  []byte{1, 2, 3},
		IDPK: bytes.Repeat([]byte{9}, 64),
		Sig:  []byte{4, 5},
		ULP:  []byte("profile"),
	}
	got, err := DecodeIdentBlock(b.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got.Chan != b.Chan || !bytes.Equal(got.EID, b.EID) ||
		!bytes.Equal(got.IDPK, b.IDPK) || !bytes.Equal(got.Sig, b.Sig) ||
		!bytes.Equal(got.ULP, b.ULP) {
		t.Error("ident block round trip mismatch")
	}
}

func TestDHSharedSecret(t *testing.T) {
	for _, grp := range []DHGroup{DHGroup1024, DHGroup2048, DHGroup3072} {
		aPriv, aPub, err := grp.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		bPriv, bPub, err := grp.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		zab, err := grp.SharedSecret(aPriv, bPub)
		if err != nil {
			t.Fatal(err)
		}
		zba, err := grp.SharedSecret(bPriv, aPub)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(zab, zba) {
			t.Errorf("group %d: shared secrets differ", grp)
		}
		if len(zab) != grp.KeyLen() {
			t.Errorf("group %d: secret length %d", grp, len(zab))
		}

		// Degenerate keys rejected.
		if _, err := grp.SharedSecret(aPriv, []byte{0}); err == nil {
			t.Errorf("group %d: zero key accepted", grp)
		}
		if _, err := grp.SharedSecret(aPriv, []byte{1}); err == nil {
			t.Errorf("group %d: identity key accepted", grp)
		}
	}
}

func TestHandshake(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 11, nil)
	ini := newKexEnd(t, clock, net)
	rsp := newKexEnd(t, clock, net)

	var got *ChannelInfo
	var gotErr error
	_, err := ini.kx.Initiate(rsp.socket.Endpoint(), rsp.ident.EID(), []byte("ulp-i"),
		func(info *ChannelInfo, err error) { got, gotErr = info, err })
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Second)

	if gotErr != nil {
		t.Fatalf("initiator failed: %v", gotErr)
	}
	if got == nil {
		t.Fatal("initiator never completed")
	}
	if !got.PeerIdent.EID().Equal(rsp.ident.EID()) {
		t.Error("initiator authenticated wrong peer")
	}
	if rsp.channelCount() != 1 {
		t.Fatalf("responder delivered %d channels", rsp.channelCount())
	}
	rinfo := rsp.channels[0]
	if !rinfo.PeerIdent.EID().Equal(ini.ident.EID()) {
		t.Error("responder authenticated wrong peer")
	}
	if !bytes.Equal(rinfo.ULP, []byte("ulp-i")) {
		t.Errorf("responder ULP = %q", rinfo.ULP)
	}

	// Matching channel ids, opposite directions.
	fi, fr := got.Flow, rinfo.Flow
	if !bytes.Equal(fi.TxChannelID(), fr.RxChannelID()) ||
		!bytes.Equal(fi.RxChannelID(), fr.TxChannelID()) {
		t.Error("channel ids do not mirror")
	}
	// Channel numbers crossed correctly.
	if fi.RemoteChannel() != fr.LocalChannel() || fr.RemoteChannel() != fi.LocalChannel() {
		t.Error("channel numbers do not mirror")
	}
}

func TestHandshakeSurvivesLoss(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 23, nil)
	net.SetLink(sim.LinkParams{LossRate: 0.3, Delay: 5 * time.Millisecond})

	ini := newKexEnd(t, clock, net)
	rsp := newKexEnd(t, clock, net)

	var got *ChannelInfo
	var gotErr error
	_, err := ini.kx.Initiate(rsp.socket.Endpoint(), rsp.ident.EID(), nil,
		func(info *ChannelInfo, err error) { got, gotErr = info, err })
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(15 * time.Second)
	if gotErr != nil {
		t.Fatalf("handshake failed under loss: %v", gotErr)
	}
	if got == nil {
		t.Fatal("handshake never completed under 30% loss")
	}
}

func TestEIDMismatch(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 5, nil)
	ini := newKexEnd(t, clock, net)
	rsp := newKexEnd(t, clock, net)

	// Demand a third party's EID from the responder.
	other := testIdent(t)
	var gotErr error
	done := false
	_, err := ini.kx.Initiate(rsp.socket.Endpoint(), other.EID(), nil,
		func(info *ChannelInfo, err error) { gotErr, done = err, true })
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(30 * time.Second)
	if !done {
		t.Fatal("initiator never finished")
	}
	// The responder drops I1s demanding a foreign EID, so the
	// exchange times out rather than completing with the wrong peer.
	if gotErr == nil {
		t.Fatal("exchange with mismatched EID succeeded")
	}
	if !errors.Is(gotErr, ErrTimeout) && !errors.Is(gotErr, ErrEIDMismatch) {
		t.Errorf("err = %v", gotErr)
	}
}

// r1capture records R1 responses arriving at an attacker socket.
type r1capture struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *r1capture) ReceiveControl(msg []byte, src sock.Endpoint) {
	c.mu.Lock()
	c.msgs = append(c.msgs, append([]byte(nil), msg...))
	c.mu.Unlock()
}

func TestR1Deterministic(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 3, nil)
	rsp := newKexEnd(t, clock, net)

	attacker := net.NewSocket()
	cap := &r1capture{}
	attacker.BindReceiver(sock.MagicKeyExchange, cap)

	_, dhi, err := DHGroup1024.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	i1 := &Init1{
		Group:  DHGroup1024,
		KeyMin: 16,
		NHI:    bytes.Repeat([]byte{7}, NonceLen),
		DHI:    dhi,
	}
	msg := (&Message{Chunks: []Chunk{{Type: ChunkDHInit1, I1: i1}}}).Encode()

	attacker.Send(rsp.socket.Endpoint(), msg) //nolint:errcheck
	attacker.Send(rsp.socket.Endpoint(), msg) //nolint:errcheck
	clock.Advance(time.Second)

	cap.mu.Lock()
	defer cap.mu.Unlock()
	if len(cap.msgs) != 2 {
		t.Fatalf("got %d R1 responses, want 2", len(cap.msgs))
	}
	if !bytes.Equal(cap.msgs[0], cap.msgs[1]) {
		t.Error("repeated I1 produced different R1s")
	}
}

func TestResponderStatelessUnderFlood(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 9, nil)
	rsp := newKexEnd(t, clock, net)

	// Forged I1s from thousands of spoofed addresses.
	_, dhi, err := DHGroup1024.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10000; i++ {
		nhi := bytes.Repeat([]byte{byte(i), byte(i >> 8)}, NonceLen/2)
		i1 := &Init1{Group: DHGroup1024, KeyMin: 16, NHI: nhi, DHI: dhi}
		msg := &Message{Chunks: []Chunk{{Type: ChunkDHInit1, I1: i1}}}
		src := net.NewSocket()
		src.Send(rsp.socket.Endpoint(), msg.Encode()) //nolint:errcheck
		if i%1000 == 0 {
			clock.Advance(10 * time.Millisecond)
		}
	}
	clock.Advance(time.Second)

	// The responder kept no per-initiator state: one cookie secret,
	// one semi-static DH key, an empty completed-exchange cache.
	rsp.kx.mu.Lock()
	dhKeys := len(rsp.kx.resp.dhKeys)
	cached := len(rsp.kx.resp.r2cache)
	inits := len(rsp.kx.initiators)
	rsp.kx.mu.Unlock()
	if dhKeys > 1 || cached != 0 || inits != 0 {
		t.Errorf("responder state after flood: dhKeys=%d cache=%d inits=%d",
			dhKeys, cached, inits)
	}

	// A legitimate exchange still completes.
	ini := newKexEnd(t, clock, net)
	var got *ChannelInfo
	_, err = ini.kx.Initiate(rsp.socket.Endpoint(), rsp.ident.EID(), nil,
		func(info *ChannelInfo, err error) { got = info })
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(5 * time.Second)
	if got == nil {
		t.Fatal("legitimate handshake failed after flood")
	}
}

func TestDuplicateI2Idempotent(t *testing.T) {
	clock := sim.NewClock()
	net := sim.NewNet(clock, 13, nil)
	net.SetLink(sim.LinkParams{DupRate: 0.8, Delay: 2 * time.Millisecond})

	ini := newKexEnd(t, clock, net)
	rsp := newKexEnd(t, clock, net)

	var got *ChannelInfo
	_, err := ini.kx.Initiate(rsp.socket.Endpoint(), rsp.ident.EID(), nil,
		func(info *ChannelInfo, err error) { got = info })
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(5 * time.Second)

	if got == nil {
		t.Fatal("handshake failed under duplication")
	}
	// Heavy duplication must not create extra channels.
	if n := rsp.channelCount(); n != 1 {
		t.Errorf("responder created %d channels, want 1", n)
	}
}
