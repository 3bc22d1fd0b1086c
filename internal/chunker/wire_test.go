package chunker

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestManifest_ToFromWireRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, ChunkSize+123)
	rand.Read(data)
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	manifest, err := CreateManifest(path)
	if err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}

	body := manifest.ToWire()
	restored, err := FromWire(body)
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}

	if restored.FileID != manifest.FileID {
		t.Error("FileID lost in wire round-trip")
	}
	if restored.FileHash != manifest.FileHash {
		t.Error("FileHash lost in wire round-trip")
	}
	if len(restored.Chunks) != len(manifest.Chunks) {
		t.Fatalf("chunk count = %d, want %d", len(restored.Chunks), len(manifest.Chunks))
	}
	for i := range manifest.Chunks {
		if restored.Chunks[i].Hash != manifest.Chunks[i].Hash {
			t.Errorf("chunk %d hash lost in wire round-trip", i)
		}
	}
}
