package identity

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveSessionKey expands the two-leg handshake's Diffie-Hellman
// outputs (ephemeral-ephemeral and static-static) into a single 32-byte
// symmetric session key, via HKDF-SHA256 over their concatenation. Both
// sides of a handshake feed the same two DH outputs in the same order
// and so derive the same key.
func DeriveSessionKey(dh1, dh2 []byte) ([32]byte, error) {
	secret := make([]byte, 0, len(dh1)+len(dh2))
	secret = append(secret, dh1...)
	secret = append(secret, dh2...)

	reader := hkdf.New(sha256.New, secret, nil, []byte("archipel-session-key"))

	var key [32]byte
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return [32]byte{}, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}
