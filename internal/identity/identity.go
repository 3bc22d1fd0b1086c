package identity

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/archipel-mesh/archipel/pkg/types"
)

// Identity is a node's full local key material: a long-term secp256k1
// signing key (whose public half derives the node's NodeId) and a
// long-term static X25519 key-agreement key. Every handshake also uses
// a fresh ephemeral DHKeyPair that is never persisted.
type Identity struct {
	NodeID   types.NodeId
	Signing  *SigningKey
	StaticDH *DHKeyPair
}

// identityFile is the on-disk representation, hex-encoded so the file
// is safe to inspect or back up as text.
type identityFile struct {
	SigningKey string `json:"signing_key"`
	StaticDH   string `json:"static_dh_key"`
}

const identityFileName = "identity.json"

// LoadOrCreate loads a persisted identity from dataDir, or generates a
// new one and saves it. This ensures a node's NodeId is stable across
// restarts.
func LoadOrCreate(dataDir string) (*Identity, error) {
	path := filepath.Join(dataDir, identityFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		return loadFromBytes(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	id, err := generate()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := id.save(dataDir); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	return id, nil
}

func generate() (*Identity, error) {
	signing, err := GenerateSigningKey()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	staticDH, err := GenerateDHKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate static dh key: %w", err)
	}
	return &Identity{
		NodeID:   NodeIDFromSigningKey(signing.PublicKey()),
		Signing:  signing,
		StaticDH: staticDH,
	}, nil
}

func loadFromBytes(data []byte) (*Identity, error) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode identity file: %w", err)
	}

	signingBytes, err := hex.DecodeString(f.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	signing, err := SigningKeyFromBytes(signingBytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}

	dhBytes, err := hex.DecodeString(f.StaticDH)
	if err != nil {
		return nil, fmt.Errorf("decode static dh key: %w", err)
	}
	staticDH, err := DHKeyPairFromBytes(dhBytes)
	if err != nil {
		return nil, fmt.Errorf("parse static dh key: %w", err)
	}

	return &Identity{
		NodeID:   NodeIDFromSigningKey(signing.PublicKey()),
		Signing:  signing,
		StaticDH: staticDH,
	}, nil
}

// save persists the identity atomically: write to a temp file in the
// same directory, then rename over the target, so a crash mid-write
// never leaves a truncated identity file behind.
func (id *Identity) save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	f := identityFile{
		SigningKey: hex.EncodeToString(id.Signing.Serialize()),
		StaticDH:   hex.EncodeToString(id.StaticDH.Private()),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity file: %w", err)
	}

	path := filepath.Join(dataDir, identityFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp identity file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename identity file: %w", err)
	}
	return nil
}
