package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreate_GeneratesNewIdentity(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id.NodeID.IsZero() {
		t.Error("LoadOrCreate() produced a zero NodeId")
	}

	want := NodeIDFromSigningKey(id.Signing.PublicKey())
	if id.NodeID != want {
		t.Error("NodeId does not match BLAKE3(signingPub)")
	}
}

func TestLoadOrCreate_StableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate (first): %v", err)
	}

	second, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate (second): %v", err)
	}

	if first.NodeID != second.NodeID {
		t.Error("NodeId changed across restarts")
	}
	if string(first.Signing.PublicKey()) != string(second.Signing.PublicKey()) {
		t.Error("signing public key changed across restarts")
	}
	if string(first.StaticDH.Public()) != string(second.StaticDH.Public()) {
		t.Error("static DH public key changed across restarts")
	}
}

func TestLoadOrCreate_FileIsAtomicallyWritten(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadOrCreate(dir); err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	tmpPath := filepath.Join(dir, identityFileName+".tmp")
	if _, err := LoadOrCreate(dir); err != nil {
		t.Fatalf("LoadOrCreate (reload): %v", err)
	}
	if _, statErr := os.Stat(tmpPath); statErr == nil {
		t.Error("temp identity file was left behind after save")
	}
}
