// Package chunker slices a file into fixed-size chunks, builds and
// verifies its manifest, and reassembles a downloaded file from its
// chunks.
package chunker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/archipel-mesh/archipel/internal/identity"
	"github.com/archipel-mesh/archipel/pkg/types"
)

// ChunkSize is the fixed chunk size: 512 KiB.
const ChunkSize = 512 * 1024

// ChunkDescriptor describes one chunk of a file.
type ChunkDescriptor struct {
	Index  uint32
	Offset uint64
	Size   uint32
	Hash   types.Hash
}

// Manifest describes a file's chunk layout and hashes.
type Manifest struct {
	FileID     types.FileID
	FileName   string
	FileSize   uint64
	ChunkSize  uint32
	ChunkCount uint32
	FileHash   types.Hash
	Chunks     []ChunkDescriptor
}

// CreateManifest streams path once, computing a per-chunk hash and the
// whole-file hash, and returns the resulting Manifest.
func CreateManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	fileSize := uint64(info.Size())
	fileName := filepath.Base(path)

	chunkCount := uint32(fileSize / ChunkSize)
	if fileSize%ChunkSize != 0 || fileSize == 0 {
		chunkCount++
	}

	chunks := make([]ChunkDescriptor, 0, chunkCount)
	buf := make([]byte, ChunkSize)
	var offset uint64
	var runningHash types.Hash

	for index := uint32(0); index < chunkCount; index++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return nil, fmt.Errorf("read chunk %d: %w", index, err)
		}
		chunkBytes := buf[:n]
		chunkHash := identity.Hash(chunkBytes)

		chunks = append(chunks, ChunkDescriptor{
			Index:  index,
			Offset: offset,
			Size:   uint32(n),
			Hash:   chunkHash,
		})

		runningHash = identity.HashConcat(runningHash, chunkHash)
		offset += uint64(n)
	}

	manifest := &Manifest{
		FileID:     identity.FileIDFromManifest(fileName, fileSize),
		FileName:   fileName,
		FileSize:   fileSize,
		ChunkSize:  ChunkSize,
		ChunkCount: chunkCount,
		FileHash:   runningHash,
		Chunks:     chunks,
	}
	return manifest, nil
}

// ReadChunk returns the bytes of chunk index from path, per the
// manifest's declared layout.
func ReadChunk(path string, manifest *Manifest, index uint32) ([]byte, error) {
	if int(index) >= len(manifest.Chunks) {
		return nil, fmt.Errorf("chunk index %d out of range (count=%d)", index, len(manifest.Chunks))
	}
	desc := manifest.Chunks[index]

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, desc.Size)
	if _, err := f.ReadAt(buf, int64(desc.Offset)); err != nil {
		return nil, fmt.Errorf("read chunk %d at offset %d: %w", index, desc.Offset, err)
	}
	return buf, nil
}

// VerifyChunk reports whether data hashes to expectedHash.
func VerifyChunk(data []byte, expectedHash types.Hash) bool {
	return identity.Hash(data) == expectedHash
}

// AssembleFile writes each chunk in buffers (indexed by chunk index) to
// outDir/manifest.FileName at its declared offset, verifying each
// chunk's hash first. It then recomputes the whole-file hash over the
// reassembled output; on mismatch, the partial file is deleted and an
// error returned.
func AssembleFile(manifest *Manifest, buffers map[uint32][]byte, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	outPath := filepath.Join(outDir, manifest.FileName)

	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}

	for _, desc := range manifest.Chunks {
		data, ok := buffers[desc.Index]
		if !ok {
			f.Close()
			os.Remove(outPath)
			return "", fmt.Errorf("missing chunk %d", desc.Index)
		}
		if !VerifyChunk(data, desc.Hash) {
			f.Close()
			os.Remove(outPath)
			return "", fmt.Errorf("chunk %d hash mismatch", desc.Index)
		}
		if _, err := f.WriteAt(data, int64(desc.Offset)); err != nil {
			f.Close()
			os.Remove(outPath)
			return "", fmt.Errorf("write chunk %d: %w", desc.Index, err)
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("close output file: %w", err)
	}

	// Recompute over the bytes actually on disk, not the manifest's own
	// chunk hashes — this is what catches a chunk written at the wrong
	// offset, which per-chunk verification above cannot.
	assembledHash, err := recomputeFileHash(outPath)
	if err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("recompute assembled file hash: %w", err)
	}
	if assembledHash != manifest.FileHash {
		os.Remove(outPath)
		return "", fmt.Errorf("whole-file hash mismatch: assembled file does not match manifest")
	}

	return outPath, nil
}

// recomputeFileHash re-streams path in ChunkSize pieces and folds
// their hashes the same way CreateManifest does, so it reproduces
// FileHash from whatever bytes actually ended up on disk.
func recomputeFileHash(path string) (types.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Hash{}, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	var runningHash types.Hash
	buf := make([]byte, ChunkSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			runningHash = identity.HashConcat(runningHash, identity.Hash(buf[:n]))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return types.Hash{}, fmt.Errorf("read file: %w", err)
		}
	}
	return runningHash, nil
}
