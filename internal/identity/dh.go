package identity

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// DHKeyPair is an X25519 key-agreement pair. A node carries a static
// DHKeyPair (persisted alongside its signing key) and generates a fresh
// ephemeral DHKeyPair for every handshake.
type DHKeyPair struct {
	private [32]byte
	public  [32]byte
}

// GenerateDHKeyPair creates a new random X25519 key-agreement pair.
func GenerateDHKeyPair() (*DHKeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("generate dh key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive dh public key: %w", err)
	}
	kp := &DHKeyPair{private: priv}
	copy(kp.public[:], pub)
	return kp, nil
}

// DHKeyPairFromBytes reconstructs a DHKeyPair from a persisted 32-byte
// private scalar.
func DHKeyPairFromBytes(priv []byte) (*DHKeyPair, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("dh private key must be 32 bytes, got %d", len(priv))
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive dh public key: %w", err)
	}
	kp := &DHKeyPair{}
	copy(kp.private[:], priv)
	copy(kp.public[:], pub)
	return kp, nil
}

// Public returns the 32-byte public key.
func (kp *DHKeyPair) Public() []byte {
	out := make([]byte, 32)
	copy(out, kp.public[:])
	return out
}

// Private returns the 32-byte private scalar, for persistence.
func (kp *DHKeyPair) Private() []byte {
	out := make([]byte, 32)
	copy(out, kp.private[:])
	return out
}

// Agree computes the X25519 shared secret with a peer's public key.
func (kp *DHKeyPair) Agree(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != 32 {
		return nil, fmt.Errorf("peer dh public key must be 32 bytes, got %d", len(peerPublic))
	}
	shared, err := curve25519.X25519(kp.private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("x25519 agree: %w", err)
	}
	return shared, nil
}
