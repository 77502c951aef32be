package kex

import (
	"crypto/rand"
	"crypto/sha256"
	"io"
	"math/big"
	"sync"

	"github.com/netsteria/sst/internal/eid"
	"github.com/netsteria/sst/internal/flow"
	"github.com/netsteria/sst/internal/logging"
	"github.com/netsteria/sst/internal/sock"
	"github.com/netsteria/sst/internal/timer"
)

// initiator phases.
type initPhase int

const (
	phaseI1 initPhase = iota // retransmitting I1, awaiting R1
	phaseI2                  // retransmitting I2, awaiting R2
	phaseDone
)

// Initiator drives one key exchange toward one endpoint. The nonce is
// fixed for the exchange's lifetime so retransmitted messages keep
// validating against the responder's cookie.
type Initiator struct {
	kx     *KeyExchange
	target sock.Endpoint
	eidr   eid.EID // demanded responder EID, may be null
	ulp    []byte
	done   func(*ChannelInfo, error)

	mu    sync.Mutex
	phase initPhase
	rtx   *timer.Timer

	group  DHGroup
	keyMin uint32
	ni     []byte // nonce
	nhi    []byte // H(nonce)
	dhPriv *big.Int
	dhi    []byte

	// Populated once R1 arrives.
	nr     []byte
	dhr    []byte
	cookie []byte
	keys   *channelKeys
	master []byte
	i2     *Init2
	flow   *flow.Flow
	chani  sock.ChannelNum
}

// Initiate starts a key exchange toward ep. If target is non-null the
// responder must prove that EID or the exchange fails. done is called
// exactly once, from a timer or dispatch context.
func (kx *KeyExchange) Initiate(ep sock.Endpoint, target eid.EID, ulp []byte,
	done func(*ChannelInfo, error)) (*Initiator, error) {

	in := &Initiator{
		kx:     kx,
		target: ep,
		eidr:   target,
		ulp:    ulp,
		done:   done,
		group:  kx.cfg.Group,
		keyMin: kx.cfg.KeyMin,
	}

	in.ni = make([]byte, NonceLen)
	if _, err := io.ReadFull(rand.Reader, in.ni); err != nil {
		return nil, err
	}
	nhi := sha256.Sum256(in.ni)
	in.nhi = nhi[:]

	priv, pub, err := in.group.GenerateKey()
	if err != nil {
		return nil, err
	}
	in.dhPriv, in.dhi = priv, pub

	in.rtx = timer.NewTimer(kx.clock, in.retransmit)
	if kx.cfg.RetryMin > 0 {
		in.rtx.RetryMin = kx.cfg.RetryMin
	}
	if kx.cfg.RetryMax > 0 {
		in.rtx.RetryMax = kx.cfg.RetryMax
	}
	if kx.cfg.FailMax > 0 {
		in.rtx.FailMax = kx.cfg.FailMax
	}

	kx.mu.Lock()
	kx.initiators[string(in.nhi)] = in
	kx.mu.Unlock()

	in.sendI1()
	in.rtx.Start()
	return in, nil
}

// Cancel tears the initiator down without completing.
func (in *Initiator) Cancel() {
	in.fail(ErrCanceled)
}

// Target returns the endpoint this initiator is negotiating with.
func (in *Initiator) Target() sock.Endpoint { return in.target }

func (in *Initiator) sendI1() {
	i1 := &Init1{
		Group:  in.group,
		KeyMin: in.keyMin,
		NHI:    in.nhi,
		DHI:    in.dhi,
		EIDR:   in.eidr.Bytes(),
	}
	in.kx.send(in.target, &Message{Chunks: []Chunk{{Type: ChunkDHInit1, I1: i1}}})
}

func (in *Initiator) retransmit(failed bool) {
	in.mu.Lock()
	phase := in.phase
	i2 := in.i2
	in.mu.Unlock()

	if phase == phaseDone {
		return
	}
	if failed {
		in.fail(ErrTimeout)
		return
	}

	switch phase {
	case phaseI1:
		in.sendI1()
	case phaseI2:
		in.kx.send(in.target, &Message{Chunks: []Chunk{{Type: ChunkDHInit2, I2: i2}}})
	}
	in.rtx.Restart()
}

func (in *Initiator) handleResponse1(r1 *Response1, src sock.Endpoint) {
	in.mu.Lock()
	if in.phase != phaseI1 {
		in.mu.Unlock()
		return
	}
	if r1.Group != in.group || len(r1.NR) != NonceLen ||
		len(r1.DHR) == 0 || len(r1.DHR) > in.group.KeyLen() {
		in.mu.Unlock()
		in.kx.seclog.Debug("bad R1", logging.KeyEndpoint, src.String())
		return
	}
	// The responder may raise the key floor, never lower it.
	keyMin := in.keyMin
	if r1.KeyMin > keyMin {
		keyMin = r1.KeyMin
	}

	z, err := in.group.SharedSecret(in.dhPriv, r1.DHR)
	if err != nil {
		in.mu.Unlock()
		in.kx.seclog.Warn("R1 with degenerate DH key",
			logging.KeyEndpoint, src.String())
		return
	}

	in.nr = r1.NR
	in.dhr = r1.DHR
	in.cookie = r1.Cookie
	in.keyMin = keyMin
	in.master = masterSecret(z, in.nhi, in.nr)
	in.keys = deriveKeys(in.master, int(keyMin))

	// If we did not demand a specific EID, adopt the advertised one;
	// R2's signature will prove it.
	if in.eidr.IsNull() && len(r1.EIDR) != 0 {
		in.eidr = eid.FromBytes(r1.EIDR)
	}

	// Bind the flow now so our channel number can ride in I2.
	f := in.kx.cfg.NewFlow()
	chani := f.Bind(in.kx.socketRef(), in.target, 0)
	if chani == 0 {
		in.mu.Unlock()
		in.fail(ErrCanceled)
		return
	}
	in.flow = f
	in.chani = chani

	sigParams := &KeyParams{
		Group: in.group, KeyMin: keyMin,
		NHI: in.nhi, NR: in.nr,
		DHI: in.dhi, DHR: in.dhr,
		EID: in.eidr.Bytes(),
	}
	sig, err := in.kx.cfg.Ident.Sign(sigParams.Encode())
	if err != nil {
		in.mu.Unlock()
		in.fail(err)
		return
	}

	block := &IdentBlock{
		Chan: uint8(chani),
		EID:  in.kx.cfg.Ident.EID().Bytes(),
		EIDR: in.eidr.Bytes(),
		IDPK: in.kx.cfg.Ident.Key().Encode(false),
		Sig:  sig,
		ULP:  in.ulp,
	}

	i2 := &Init2{
		Group:  in.group,
		KeyMin: keyMin,
		NI:     in.ni,
		NR:     in.nr,
		DHI:    in.dhi,
		DHR:    in.dhr,
		Cookie: in.cookie,
		IdentI: cryptIdent(in.keys.encI2, block.Encode()),
	}
	i2.MAC = authenticate(in.keys.macI2, i2.MACInput())
	in.i2 = i2
	in.phase = phaseI2
	in.mu.Unlock()

	in.kx.send(in.target, &Message{Chunks: []Chunk{{Type: ChunkDHInit2, I2: i2}}})
	in.rtx.StartInterval(in.rtx.RetryMin)
}

func (in *Initiator) handleResponse2(r2 *Response2, src sock.Endpoint) {
	in.mu.Lock()
	if in.phase != phaseI2 {
		in.mu.Unlock()
		return
	}

	if !macEqual(in.keys.macR2, r2.MACInput(), r2.MAC) {
		in.mu.Unlock()
		in.kx.seclog.Warn("R2 failed authentication",
			logging.KeyEndpoint, src.String())
		return
	}

	block, err := DecodeIdentBlock(cryptIdent(in.keys.encR2, r2.IdentR))
	if err != nil || block.Chan == 0 {
		in.mu.Unlock()
		in.kx.seclog.Warn("R2 identity block malformed",
			logging.KeyEndpoint, src.String())
		return
	}

	peer := eid.NewIdent(eid.FromBytes(block.EID))

	// Fatal identity mismatch: the authenticated responder is not who
	// the application demanded. Distinguishable error, prominent log.
	if !in.eidr.IsNull() && !peer.EID().Equal(in.eidr) {
		in.mu.Unlock()
		in.kx.logger.Error("responder EID mismatch",
			logging.KeyEndpoint, src.String(),
			logging.KeyPeerEID, peer.EID().String())
		in.fail(ErrEIDMismatch)
		return
	}

	if peer.EID().Scheme().Cryptographic() {
		if err := peer.SetKey(block.IDPK); err != nil {
			in.mu.Unlock()
			in.kx.seclog.Warn("R2 identity key mismatch",
				logging.KeyEndpoint, src.String())
			return
		}
		params := &KeyParams{
			Group: in.group, KeyMin: in.keyMin,
			NHI: in.nhi, NR: in.nr,
			DHI: in.dhi, DHR: in.dhr,
			EID: in.kx.cfg.Ident.EID().Bytes(),
		}
		if err := peer.Verify(params.Encode(), block.Sig); err != nil {
			in.mu.Unlock()
			in.kx.seclog.Warn("R2 signature invalid",
				logging.KeyEndpoint, src.String())
			return
		}
	}

	arm, err := newChannelArmor(in.keys, true)
	if err != nil {
		in.mu.Unlock()
		in.fail(err)
		return
	}

	f := in.flow
	f.SetArmor(arm)
	f.SetChannelIDs(in.keys.chanIDI, in.keys.chanIDR)
	f.SetRemoteChannel(sock.ChannelNum(block.Chan))

	in.phase = phaseDone
	ulpr := block.ULP
	done := in.done
	in.mu.Unlock()

	in.rtx.Stop()
	in.kx.removeInitiator(in.nhi)

	in.kx.logger.Info("channel established (initiator)",
		logging.KeyPeerEID, peer.EID().String(),
		logging.KeyEndpoint, src.String(),
		logging.KeyChannel, in.chani)

	if done != nil {
		done(&ChannelInfo{
			Flow:      f,
			PeerIdent: peer,
			ULP:       ulpr,
			Initiator: true,
		}, nil)
	}
}

// fail finishes the exchange with an error, releasing any half-built
// flow binding.
func (in *Initiator) fail(err error) {
	in.mu.Lock()
	if in.phase == phaseDone {
		in.mu.Unlock()
		return
	}
	in.phase = phaseDone
	f := in.flow
	done := in.done
	in.mu.Unlock()

	in.rtx.Stop()
	in.kx.removeInitiator(in.nhi)
	if f != nil {
		f.Stop()
	}
	if done != nil {
		done(nil, err)
	}
}
