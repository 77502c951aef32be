package kex

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"math/big"
	"time"

	"github.com/netsteria/sst/internal/eid"
	"github.com/netsteria/sst/internal/logging"
	"github.com/netsteria/sst/internal/sock"
)

// responderState is everything the responder keeps between messages:
// one rotating cookie secret, one semi-static DH keypair per group,
// and a bounded cache of completed exchanges. Deliberately O(1) in the
// number of initiators talking to us.
type responderState struct {
	hkr     [32]byte // current cookie secret
	hkrPrev [32]byte
	rotated time.Time

	dhKeys map[DHGroup]*respDHKey

	r2cache map[string]*r2Entry
	r2order []string
}

type respDHKey struct {
	priv *big.Int
	pub  []byte
}

type r2Entry struct {
	msg *Message
}

func (r *responderState) init() {
	if _, err := io.ReadFull(rand.Reader, r.hkr[:]); err != nil {
		panic("kex: entropy unavailable: " + err.Error())
	}
	r.hkrPrev = r.hkr
	r.dhKeys = make(map[DHGroup]*respDHKey)
	r.r2cache = make(map[string]*r2Entry)
}

// rotate refreshes the cookie secret and DH keys when due. Caller
// holds kx.mu.
func (kx *KeyExchange) rotateLocked() {
	now := kx.clock.Now()
	if kx.resp.rotated.IsZero() {
		kx.resp.rotated = now
		return
	}
	if now.Sub(kx.resp.rotated) < hkrRotateInterval {
		return
	}
	kx.resp.hkrPrev = kx.resp.hkr
	if _, err := io.ReadFull(rand.Reader, kx.resp.hkr[:]); err != nil {
		panic("kex: entropy unavailable: " + err.Error())
	}
	kx.resp.dhKeys = make(map[DHGroup]*respDHKey)
	kx.resp.rotated = now
}

// respDH returns the semi-static responder keypair for a group.
// Caller holds kx.mu.
func (kx *KeyExchange) respDHLocked(group DHGroup) (*respDHKey, error) {
	if k, ok := kx.resp.dhKeys[group]; ok {
		return k, nil
	}
	priv, pub, err := group.GenerateKey()
	if err != nil {
		return nil, err
	}
	k := &respDHKey{priv: priv, pub: pub}
	kx.resp.dhKeys[group] = k
	return k, nil
}

// cookieMAC computes the stateless cookie binding the initiator's DH
// key, the responder nonce, and the initiator's observed endpoint.
func cookieMAC(secret []byte, dhi, nr []byte, ep sock.Endpoint) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(dhi)
	h.Write(nr)
	h.Write([]byte(ep.String()))
	return h.Sum(nil)[:16]
}

// responderNonce derives the deterministic responder nonce for an I1,
// making repeated I1s produce bit-identical R1s without stored state.
func responderNonce(secret []byte, nhi, dhi []byte, ep sock.Endpoint) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte("nr"))
	h.Write(nhi)
	h.Write(dhi)
	h.Write([]byte(ep.String()))
	return h.Sum(nil)
}

func (kx *KeyExchange) handleInit1(i1 *Init1, src sock.Endpoint) {
	if i1 == nil || !i1.Group.Valid() || len(i1.NHI) != NonceLen ||
		len(i1.DHI) == 0 || len(i1.DHI) > i1.Group.KeyLen() {
		kx.seclog.Debug("bad I1", logging.KeyEndpoint, src.String())
		return
	}

	// A demand for somebody else's EID is silently ignored.
	if len(i1.EIDR) != 0 && !kx.cfg.Ident.EID().Equal(eid.FromBytes(i1.EIDR)) {
		kx.seclog.Debug("I1 for foreign EID", logging.KeyEndpoint, src.String())
		return
	}

	kx.mu.Lock()
	kx.rotateLocked()
	dhk, err := kx.respDHLocked(i1.Group)
	secret := kx.resp.hkr[:]
	kx.mu.Unlock()
	if err != nil {
		kx.logger.Warn("responder DH key generation failed",
			logging.KeyError, err)
		return
	}

	keyMin := kx.cfg.KeyMin
	if i1.KeyMin > keyMin {
		keyMin = i1.KeyMin
	}

	nr := responderNonce(secret, i1.NHI, i1.DHI, src)
	r1 := &Response1{
		Group:  i1.Group,
		KeyMin: keyMin,
		NHI:    i1.NHI,
		NR:     nr,
		DHR:    dhk.pub,
		Cookie: cookieMAC(secret, i1.DHI, nr, src),
		EIDR:   kx.cfg.Ident.EID().Bytes(),
	}
	kx.send(src, &Message{Chunks: []Chunk{{Type: ChunkDHResponse1, R1: r1}}})
}

func (kx *KeyExchange) handleInit2(i2 *Init2, src sock.Endpoint) {
	if i2 == nil || !i2.Group.Valid() ||
		len(i2.NI) != NonceLen || len(i2.NR) != NonceLen ||
		len(i2.DHI) == 0 || len(i2.DHI) > i2.Group.KeyLen() {
		kx.seclog.Debug("bad I2", logging.KeyEndpoint, src.String())
		return
	}

	nhi := sha256.Sum256(i2.NI)

	// A duplicate of a completed exchange is answered from the cache:
	// same R2, no new state.
	kx.mu.Lock()
	if ent, ok := kx.resp.r2cache[string(nhi[:])]; ok {
		kx.mu.Unlock()
		kx.send(src, ent.msg)
		return
	}

	// The cookie must validate under the current or previous secret
	// before any DH arithmetic happens.
	var secret []byte
	for _, s := range [][]byte{kx.resp.hkr[:], kx.resp.hkrPrev[:]} {
		if hmac.Equal(i2.Cookie, cookieMAC(s, i2.DHI, i2.NR, src)) {
			secret = s
			break
		}
	}
	if secret == nil {
		kx.mu.Unlock()
		kx.seclog.Warn("I2 with invalid cookie", logging.KeyEndpoint, src.String())
		return
	}
	dhk, err := kx.respDHLocked(i2.Group)
	kx.mu.Unlock()
	if err != nil {
		return
	}

	z, err := i2.Group.SharedSecret(dhk.priv, i2.DHI)
	if err != nil {
		kx.seclog.Warn("I2 with degenerate DH key",
			logging.KeyEndpoint, src.String())
		return
	}

	keyMin := kx.cfg.KeyMin
	if i2.KeyMin > keyMin {
		keyMin = i2.KeyMin
	}

	master := masterSecret(z, nhi[:], i2.NR)
	keys := deriveKeys(master, int(keyMin))

	if !macEqual(keys.macI2, i2.MACInput(), i2.MAC) {
		kx.seclog.Warn("I2 failed authentication",
			logging.KeyEndpoint, src.String())
		return
	}

	block, err := DecodeIdentBlock(cryptIdent(keys.encI2, i2.IdentI))
	if err != nil || block.Chan == 0 {
		kx.seclog.Warn("I2 identity block malformed",
			logging.KeyEndpoint, src.String())
		return
	}

	// If the initiator demanded an EID, it must be ours.
	if len(block.EIDR) != 0 && !kx.cfg.Ident.EID().Equal(eid.FromBytes(block.EIDR)) {
		kx.seclog.Warn("I2 for foreign EID", logging.KeyEndpoint, src.String())
		return
	}

	// Authenticate the initiator: key must hash to its EID, signature
	// must cover the exchange parameters bound to our EID.
	peer := eid.NewIdent(eid.FromBytes(block.EID))
	if peer.EID().Scheme().Cryptographic() {
		if err := peer.SetKey(block.IDPK); err != nil {
			kx.seclog.Warn("I2 identity key mismatch",
				logging.KeyEndpoint, src.String(), logging.KeyError, err)
			return
		}
		params := &KeyParams{
			Group: i2.Group, KeyMin: keyMin,
			NHI: nhi[:], NR: i2.NR,
			DHI: i2.DHI, DHR: dhk.pub,
			EID: kx.cfg.Ident.EID().Bytes(),
		}
		if err := peer.Verify(params.Encode(), block.Sig); err != nil {
			kx.seclog.Warn("I2 signature invalid",
				logging.KeyEndpoint, src.String())
			return
		}
	}

	// Build the new channel.
	f := kx.cfg.NewFlow()
	localChan := f.Bind(kx.socketRef(), src, 0)
	if localChan == 0 {
		kx.logger.Warn("no free channel numbers",
			logging.KeyEndpoint, src.String())
		return
	}
	arm, err := newChannelArmor(keys, false)
	if err != nil {
		f.Stop()
		return
	}
	f.SetArmor(arm)
	f.SetChannelIDs(keys.chanIDR, keys.chanIDI)
	f.SetRemoteChannel(sock.ChannelNum(block.Chan))

	var ulpr []byte
	if kx.cfg.ULPReceive != nil {
		ulpr = kx.cfg.ULPReceive(peer, block.ULP, f)
	}

	// Our identity block, proving our EID over the same parameters
	// bound to the initiator's EID.
	myParams := &KeyParams{
		Group: i2.Group, KeyMin: keyMin,
		NHI: nhi[:], NR: i2.NR,
		DHI: i2.DHI, DHR: dhk.pub,
		EID: block.EID,
	}
	sig, err := kx.cfg.Ident.Sign(myParams.Encode())
	if err != nil {
		kx.logger.Warn("responder signing failed", logging.KeyError, err)
		f.Stop()
		return
	}
	myBlock := &IdentBlock{
		Chan: uint8(localChan),
		EID:  kx.cfg.Ident.EID().Bytes(),
		IDPK: kx.cfg.Ident.Key().Encode(false),
		Sig:  sig,
		ULP:  ulpr,
	}
	r2 := &Response2{
		NHI:    nhi[:],
		IdentR: cryptIdent(keys.encR2, myBlock.Encode()),
	}
	r2.MAC = authenticate(keys.macR2, r2.MACInput())
	msg := &Message{Chunks: []Chunk{{Type: ChunkDHResponse2, R2: r2}}}

	kx.mu.Lock()
	kx.cacheR2Locked(string(nhi[:]), msg)
	kx.mu.Unlock()

	kx.send(src, msg)

	kx.logger.Info("channel established (responder)",
		logging.KeyPeerEID, peer.EID().String(),
		logging.KeyEndpoint, src.String(),
		logging.KeyChannel, localChan)

	if kx.cfg.OnChannel != nil {
		kx.cfg.OnChannel(&ChannelInfo{
			Flow:      f,
			PeerIdent: peer,
			ULP:       block.ULP,
			Initiator: false,
		})
	}
}

func (kx *KeyExchange) socketRef() sock.Socket {
	kx.mu.Lock()
	defer kx.mu.Unlock()
	return kx.socket
}

// cacheR2Locked inserts a completed exchange, evicting the oldest
// entry past the cap.
func (kx *KeyExchange) cacheR2Locked(key string, msg *Message) {
	if _, ok := kx.resp.r2cache[key]; ok {
		return
	}
	kx.resp.r2cache[key] = &r2Entry{msg: msg}
	kx.resp.r2order = append(kx.resp.r2order, key)
	for len(kx.resp.r2order) > r2CacheMax {
		old := kx.resp.r2order[0]
		kx.resp.r2order = kx.resp.r2order[1:]
		delete(kx.resp.r2cache, old)
	}
}
