package wallet

import (
	"crypto/ed25519"
)

// KeySigner signs with an in-memory ed25519 key.
type KeySigner struct {
	priv    ed25519.PrivateKey
	address string
}

func NewKeySigner(seed []byte) *KeySigner {
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeySigner{
		priv:    priv,
		address: AddressFromPublicKey(priv.Public().(ed25519.PublicKey)),
	}
}

func (s *KeySigner) Address() string   { return s.address }
func (s *KeySigner) PublicKey() []byte { return s.priv.Public().(ed25519.PublicKey) }

func (s *KeySigner) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, payload), nil
}
