// Package transfer drives the receiver side of a chunked file
// download: requesting each chunk of a manifest in turn, verifying its
// hash, re-requesting on mismatch, and assembling the finished file.
// The sender side is stateless and lives in the transport layer's
// CHUNK_REQ handler.
package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/archipel-mesh/archipel/internal/chunker"
	"github.com/archipel-mesh/archipel/internal/log"
	"github.com/archipel-mesh/archipel/internal/transport"
	"github.com/archipel-mesh/archipel/internal/wire"
)

// maxRetriesPerChunk bounds how many times a single chunk is
// re-requested after a hash mismatch before the download gives up.
const maxRetriesPerChunk = 3

// Progress is reported to a download's caller after each chunk lands.
type Progress struct {
	ChunksDone  uint32
	ChunksTotal uint32
	BytesDone   uint64
	BytesTotal  uint64
}

// Downloader drives chunk requests for one peer's session transport.
type Downloader struct {
	transport *transport.Transport
	timeout   time.Duration
}

// New builds a Downloader against a shared Transport. timeout bounds
// how long a single chunk request waits before the download fails with
// an inactivity error.
func New(tr *transport.Transport, timeout time.Duration) *Downloader {
	return &Downloader{transport: tr, timeout: timeout}
}

// DownloadFile requests every chunk of manifest from peerID in order,
// verifying each against its declared hash and re-requesting it on
// mismatch, then assembles the file into downloadsDir. onProgress, if
// non-nil, is called after every chunk that passes verification.
func (d *Downloader) DownloadFile(ctx context.Context, peerID string, manifest *chunker.Manifest, downloadsDir string, onProgress func(Progress)) (string, error) {
	fileID := manifest.FileID.String()

	received := make(chan wire.ChunkDataPayload, 4)
	d.transport.RegisterChunkHandler(fileID, func(data wire.ChunkDataPayload) {
		select {
		case received <- data:
		default:
		}
	})
	defer d.transport.UnregisterChunkHandler(fileID)

	buffers := make(map[uint32][]byte, manifest.ChunkCount)

	for _, desc := range manifest.Chunks {
		data, err := d.fetchChunk(ctx, peerID, fileID, desc, received)
		if err != nil {
			return "", fmt.Errorf("fetch chunk %d: %w", desc.Index, err)
		}
		buffers[desc.Index] = data

		if onProgress != nil {
			onProgress(Progress{
				ChunksDone:  desc.Index + 1,
				ChunksTotal: manifest.ChunkCount,
				BytesDone:   desc.Offset + uint64(desc.Size),
				BytesTotal:  manifest.FileSize,
			})
		}
	}

	path, err := chunker.AssembleFile(manifest, buffers, downloadsDir)
	if err != nil {
		return "", fmt.Errorf("assemble file: %w", err)
	}
	return path, nil
}

// fetchChunk requests a single chunk, retrying on a hash mismatch up to
// maxRetriesPerChunk times and failing the whole download after an
// inactivity timeout with no response at all.
func (d *Downloader) fetchChunk(ctx context.Context, peerID, fileID string, desc chunker.ChunkDescriptor, received <-chan wire.ChunkDataPayload) ([]byte, error) {
	for attempt := 0; attempt <= maxRetriesPerChunk; attempt++ {
		if err := d.requestChunk(peerID, fileID, desc.Index); err != nil {
			return nil, fmt.Errorf("send chunk request: %w", err)
		}

		select {
		case data := <-received:
			if data.ChunkIndex != desc.Index {
				continue // stale/out-of-order response; re-request ours (uses up an attempt)
			}
			decoded, err := decodeChunkData(data)
			if err != nil {
				log.Transfer.Warn().Err(err).Str("fileId", fileID).Uint32("chunk", desc.Index).Msg("undecodable chunk response")
				continue
			}
			if !chunker.VerifyChunk(decoded, desc.Hash) {
				log.Transfer.Warn().Str("fileId", fileID).Uint32("chunk", desc.Index).Msg("chunk hash mismatch, re-requesting")
				continue
			}
			return decoded, nil
		case <-time.After(d.timeout):
			return nil, fmt.Errorf("timed out waiting for chunk %d", desc.Index)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("chunk %d failed verification after %d attempts", desc.Index, maxRetriesPerChunk+1)
}

func (d *Downloader) requestChunk(peerID, fileID string, index uint32) error {
	req := wire.ChunkReqPayload{
		Type:       "CHUNK_REQ",
		FileID:     fileID,
		ChunkIndex: index,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal chunk request: %w", err)
	}
	frame := wire.Build(wire.TypeChunkReq, d.transport.LocalNodeID(), payload, d.transport.FrameKeyFor(peerID))
	return d.transport.SendTo(peerID, frame)
}

// decodeChunkData base64-decodes a CHUNK_DATA payload's Data field.
func decodeChunkData(data wire.ChunkDataPayload) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(data.Data)
	if err != nil {
		return nil, fmt.Errorf("decode chunk payload: %w", err)
	}
	return decoded, nil
}
