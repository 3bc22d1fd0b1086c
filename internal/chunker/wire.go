package chunker

import (
	"fmt"

	"github.com/archipel-mesh/archipel/internal/wire"
	"github.com/archipel-mesh/archipel/pkg/types"
)

// ToWire converts a Manifest into its wire representation for a
// TypeManifest frame.
func (m *Manifest) ToWire() wire.ManifestPayloadBody {
	chunks := make([]wire.ChunkDescriptorWire, len(m.Chunks))
	for i, c := range m.Chunks {
		chunks[i] = wire.ChunkDescriptorWire{
			Index:  c.Index,
			Offset: c.Offset,
			Size:   c.Size,
			Hash:   c.Hash.String(),
		}
	}
	return wire.ManifestPayloadBody{
		FileID:     m.FileID.String(),
		FileName:   m.FileName,
		FileSize:   m.FileSize,
		ChunkSize:  m.ChunkSize,
		ChunkCount: m.ChunkCount,
		FileHash:   m.FileHash.String(),
		Chunks:     chunks,
	}
}

// FromWire reconstructs a Manifest from its wire representation.
func FromWire(body wire.ManifestPayloadBody) (*Manifest, error) {
	fileID, err := types.HexToHash(body.FileID)
	if err != nil {
		return nil, fmt.Errorf("parse fileId: %w", err)
	}
	fileHash, err := types.HexToHash(body.FileHash)
	if err != nil {
		return nil, fmt.Errorf("parse fileHash: %w", err)
	}

	chunks := make([]ChunkDescriptor, len(body.Chunks))
	for i, c := range body.Chunks {
		hash, err := types.HexToHash(c.Hash)
		if err != nil {
			return nil, fmt.Errorf("parse chunk %d hash: %w", c.Index, err)
		}
		chunks[i] = ChunkDescriptor{
			Index:  c.Index,
			Offset: c.Offset,
			Size:   c.Size,
			Hash:   hash,
		}
	}

	return &Manifest{
		FileID:     fileID,
		FileName:   body.FileName,
		FileSize:   body.FileSize,
		ChunkSize:  body.ChunkSize,
		ChunkCount: body.ChunkCount,
		FileHash:   fileHash,
		Chunks:     chunks,
	}, nil
}
