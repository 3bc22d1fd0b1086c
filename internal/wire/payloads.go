package wire

// JSON payload schemas carried inside a Packet's Payload. Payload
// "shape" is discriminated by an inner "type" string rather than by the
// outer frame TYPE byte alone, per the dynamic-payload design: unknown
// variants must be ignored, not rejected.

// HelloPayload is carried by a TypeHello frame.
type HelloPayload struct {
	NodeID           string   `json:"nodeId"`
	DHPublicKey      string   `json:"dhPublicKey"`
	SigningPublicKey string   `json:"signingPublicKey"`
	TCPPort          int      `json:"tcpPort"`
	SharedFiles      []string `json:"sharedFiles"`
	Timestamp        int64    `json:"timestamp"`
}

// HandshakeInitPayload is the MSG payload for {type:"HANDSHAKE_INIT"}.
type HandshakeInitPayload struct {
	Type           string `json:"type"`
	NodeID         string `json:"nodeId"`
	SigningPub     string `json:"signingPub"`
	DHPub          string `json:"dhPub"`
	EphemeralDHPub string `json:"ephemeralDhPub"`
	Timestamp      int64  `json:"timestamp"`
}

// HandshakeRespPayload is the MSG payload for {type:"HANDSHAKE_RESP"}.
type HandshakeRespPayload struct {
	Type           string `json:"type"`
	NodeID         string `json:"nodeId"`
	SigningPub     string `json:"signingPub"`
	DHPub          string `json:"dhPub"`
	EphemeralDHPub string `json:"ephemeralDhPub"`
	Timestamp      int64  `json:"timestamp"`
}

// ChatPayload is a MSG frame carrying a chat message. Ciphertext is hex.
// When Nonce is non-empty, Ciphertext is AEAD(plaintext)‖tag in hex;
// when Nonce is empty, Ciphertext holds the plaintext bytes directly.
type ChatPayload struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce,omitempty"`
	Signature  string `json:"signature"`
	NodeID     string `json:"nodeId"`
	Timestamp  int64  `json:"timestamp"`
}

// ManifestPayload wraps a file manifest for a TypeManifest frame.
type ManifestPayload struct {
	Type     string              `json:"type"`
	Manifest ManifestPayloadBody `json:"manifest"`
}

// ManifestPayloadBody mirrors chunker.Manifest's wire-visible fields.
type ManifestPayloadBody struct {
	FileID     string                `json:"fileId"`
	FileName   string                `json:"fileName"`
	FileSize   uint64                `json:"fileSize"`
	ChunkSize  uint32                `json:"chunkSize"`
	ChunkCount uint32                `json:"chunkCount"`
	FileHash   string                `json:"fileHash"`
	Chunks     []ChunkDescriptorWire `json:"chunks"`
}

// ChunkDescriptorWire is one entry of ManifestPayloadBody.Chunks.
type ChunkDescriptorWire struct {
	Index  uint32 `json:"index"`
	Offset uint64 `json:"offset"`
	Size   uint32 `json:"size"`
	Hash   string `json:"hash"`
}

// ManifestReqPayload requests the manifest for a shared FileID, sent as
// a TypeMsg frame discriminated by Type.
type ManifestReqPayload struct {
	Type   string `json:"type"`
	FileID string `json:"file_id"`
}

// ChunkReqPayload requests one chunk of a file.
type ChunkReqPayload struct {
	Type       string `json:"type"`
	FileID     string `json:"file_id"`
	ChunkIndex uint32 `json:"chunk_index"`
}

// ChunkDataPayload carries one chunk's bytes, base64-encoded.
type ChunkDataPayload struct {
	Type       string `json:"type"`
	FileID     string `json:"file_id"`
	ChunkIndex uint32 `json:"chunk_index"`
	Hash       string `json:"hash"`
	Data       string `json:"data"`
}

// RelayPayload is the TypeRelay frame body: a message carried on behalf
// of an unreachable target.
type RelayPayload struct {
	Target    string `json:"target"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// PeerListEntry is one entry of a TypePeerList frame's payload array.
type PeerListEntry struct {
	NodeID           string   `json:"nodeId"`
	Address          string   `json:"address"`
	Port             int      `json:"port"`
	SigningPublicKey string   `json:"signingPublicKey"`
	DHPublicKey      string   `json:"dhPublicKey"`
	SharedFiles      []string `json:"sharedFiles"`
}
