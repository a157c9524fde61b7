package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Identity is the local signing key of a peer.
type Identity struct {
	id   PeerID
	priv ed25519.PrivateKey
}

// NewIdentity generates a fresh random identity.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{id: PeerID(hex.EncodeToString(pub)), priv: priv}, nil
}

// IdentityFromSeed rebuilds an identity from its 32-byte seed.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{id: PeerID(hex.EncodeToString(pub)), priv: priv}, nil
}

func (i *Identity) ID() PeerID { return i.id }

// Seed returns the private seed, for persisting the identity.
func (i *Identity) Seed() []byte { return i.priv.Seed() }

func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.priv, msg)
}

// Verify checks sig over msg against the key behind peer.
func Verify(peer PeerID, msg, sig []byte) error {
	if len(sig) == 0 {
		return fmt.Errorf("%w: missing signature", ErrBadSignature)
	}
	pub, err := peer.PublicKey()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrBadSignature
	}
	return nil
}
