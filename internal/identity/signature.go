package identity

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// SigningKey wraps a secp256k1 private key for Schnorr signing. This is
// the long-term signing half of a node's identity, distinct from its
// ephemeral/static X25519 key-agreement pair.
type SigningKey struct {
	key *secp256k1.PrivateKey
}

// GenerateSigningKey creates a new random secp256k1 private key.
func GenerateSigningKey() (*SigningKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &SigningKey{key: key}, nil
}

// SigningKeyFromBytes creates a SigningKey from a 32-byte secret.
func SigningKeyFromBytes(b []byte) (*SigningKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("signing key must be 32 bytes, got %d", len(b))
	}
	key := secp256k1.PrivKeyFromBytes(b)
	return &SigningKey{key: key}, nil
}

// Sign produces a Schnorr signature over a 32-byte hash.
func (sk *SigningKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := schnorr.Sign(sk.key, hash)
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

// PublicKey returns the compressed 33-byte public key.
func (sk *SigningKey) PublicKey() []byte {
	return sk.key.PubKey().SerializeCompressed()
}

// Serialize returns the 32-byte private key scalar.
func (sk *SigningKey) Serialize() []byte {
	return sk.key.Serialize()
}

// Zero securely zeroes the private key memory.
func (sk *SigningKey) Zero() {
	sk.key.Zero()
}

// VerifySignature checks a Schnorr signature against a 32-byte hash
// and a compressed public key. Returns false on any error.
func VerifySignature(hash, signature, publicKey []byte) bool {
	pubKey, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return false
	}
	return sig.Verify(hash, pubKey)
}
