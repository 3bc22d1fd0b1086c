// Package identity provides the cryptographic primitives and on-disk
// key material backing a node's ARCHIPEL identity: BLAKE3 hashing,
// secp256k1/Schnorr signing, X25519 key agreement, ChaCha20-Poly1305
// AEAD, and HKDF-based session key derivation.
package identity

import (
	"github.com/archipel-mesh/archipel/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashConcat hashes the concatenation of two hashes. Used when folding
// a chunk's running digest into a whole-file manifest hash.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}

// NodeIDFromSigningKey derives a NodeId from a compressed secp256k1
// signing public key: NodeId = BLAKE3-256(signingPub).
func NodeIDFromSigningKey(signingPub []byte) types.NodeId {
	return Hash(signingPub)
}

// FileIDFromManifest derives a FileID from a file's name and size:
// FileID = BLAKE3-256(fileName ‖ fileSize).
func FileIDFromManifest(fileName string, fileSize uint64) types.FileID {
	buf := make([]byte, 0, len(fileName)+8)
	buf = append(buf, fileName...)
	buf = append(buf,
		byte(fileSize), byte(fileSize>>8), byte(fileSize>>16), byte(fileSize>>24),
		byte(fileSize>>32), byte(fileSize>>40), byte(fileSize>>48), byte(fileSize>>56),
	)
	return Hash(buf)
}
