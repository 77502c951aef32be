package kex

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/netsteria/sst/internal/armor"
)

// cryptIdent encrypts or decrypts an identity block with AES-CTR.
// The key is single-use (derived per exchange), so a zero IV is safe.
func cryptIdent(key, data []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic("kex: bad identity cipher key: " + err.Error())
	}
	iv := make([]byte, aes.BlockSize)
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out
}

// newChannelArmor builds the channel's packet armor from the derived
// key schedule, oriented by role.
func newChannelArmor(k *channelKeys, initiator bool) (armor.Armor, error) {
	if initiator {
		return armor.NewAESArmor(k.txEncI, k.txMACI, k.txEncR, k.txMACR)
	}
	return armor.NewAESArmor(k.txEncR, k.txMACR, k.txEncI, k.txMACI)
}
