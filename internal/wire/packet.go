// Package wire implements the ARCHIPEL frame codec: the binary packet
// format shared by discovery and session traffic, and the JSON payload
// schemas carried inside it.
package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/archipel-mesh/archipel/pkg/types"
)

// FrameType identifies the kind of frame on the wire.
type FrameType uint8

const (
	TypeHello     FrameType = 1
	TypePeerList  FrameType = 2
	TypeMsg       FrameType = 3
	TypeChunkReq  FrameType = 4
	TypeChunkData FrameType = 5
	TypeManifest  FrameType = 6
	TypeAck       FrameType = 7
	TypeRelay     FrameType = 8
)

func (t FrameType) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypePeerList:
		return "PEER_LIST"
	case TypeMsg:
		return "MSG"
	case TypeChunkReq:
		return "CHUNK_REQ"
	case TypeChunkData:
		return "CHUNK_DATA"
	case TypeManifest:
		return "MANIFEST"
	case TypeAck:
		return "ACK"
	case TypeRelay:
		return "RELAY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

const (
	magic = "ARCH"

	magicSize      = 4
	typeSize       = 1
	nodeIDSize     = 32
	payloadLenSize = 4
	macSize        = 32

	headerSize = magicSize + typeSize + nodeIDSize + payloadLenSize
	// minFrameSize is the smallest legal frame: header + zero-length
	// payload + MAC.
	minFrameSize = headerSize + macSize
)

// Packet is the in-memory view of a validated wire frame. Frames are
// immutable once parsed.
type Packet struct {
	Type       FrameType
	SenderID   types.NodeId
	Payload    []byte
	Unverified bool // set only for a HELLO accepted under the MAC-bypass exception
}

// Build frames a packet: MAGIC(4) | TYPE(1) | NODE_ID(32) | PAYLOAD_LEN(4) |
// PAYLOAD(N) | MAC(32), where MAC is HMAC-SHA256 over everything
// preceding it, under key.
func Build(frameType FrameType, senderID types.NodeId, payload []byte, key []byte) []byte {
	buf := make([]byte, headerSize+len(payload)+macSize)
	copy(buf[0:4], magic)
	buf[4] = byte(frameType)
	copy(buf[5:5+nodeIDSize], senderID[:])
	binary.BigEndian.PutUint32(buf[5+nodeIDSize:headerSize], uint32(len(payload)))
	copy(buf[headerSize:headerSize+len(payload)], payload)

	mac := computeMAC(buf[:headerSize+len(payload)], key)
	copy(buf[headerSize+len(payload):], mac)

	return buf
}

// Parse validates and decodes a single frame from the front of buf under
// key. It returns (nil, false) when the buffer is malformed or the MAC
// fails to verify, except for the HELLO MAC-bypass exception: a
// HELLO frame with a bad MAC is still returned, flagged Unverified, so
// that zero-configuration discovery remains possible before a session
// key exists. Parse only consumes the first frame; callers reassembling
// a byte stream use FrameLen to find frame boundaries first.
func Parse(buf []byte, key []byte) (*Packet, bool) {
	if len(buf) < minFrameSize {
		return nil, false
	}
	if string(buf[0:4]) != magic {
		return nil, false
	}

	frameType := FrameType(buf[4])
	var senderID types.NodeId
	copy(senderID[:], buf[5:5+nodeIDSize])

	payloadLen := binary.BigEndian.Uint32(buf[5+nodeIDSize : headerSize])
	total := headerSize + int(payloadLen) + macSize
	if total < 0 || total > len(buf) {
		return nil, false
	}

	signed := buf[:headerSize+int(payloadLen)]
	gotMAC := buf[headerSize+int(payloadLen) : total]
	wantMAC := computeMAC(signed, key)

	if !hmac.Equal(gotMAC, wantMAC) {
		if frameType == TypeHello {
			payload := make([]byte, payloadLen)
			copy(payload, buf[headerSize:headerSize+int(payloadLen)])
			return &Packet{Type: frameType, SenderID: senderID, Payload: payload, Unverified: true}, true
		}
		return nil, false
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[headerSize:headerSize+int(payloadLen)])
	return &Packet{Type: frameType, SenderID: senderID, Payload: payload}, true
}

// FrameLen inspects a header-complete prefix of a byte stream and
// returns the total length of the next frame (header + payload + MAC),
// and whether enough of buf has arrived to know it. Used by the
// transport layer's per-connection reassembly loop.
func FrameLen(buf []byte) (length int, known bool) {
	if len(buf) < headerSize {
		return 0, false
	}
	payloadLen := binary.BigEndian.Uint32(buf[5+nodeIDSize : headerSize])
	return headerSize + int(payloadLen) + macSize, true
}

// PeekSenderID reads the claimed sender node ID out of a header-complete
// frame without verifying its MAC. The transport layer uses this to pick
// which MAC key (shared or session) to verify the frame under, since
// that choice depends on who the frame claims to be from.
func PeekSenderID(buf []byte) (types.NodeId, bool) {
	if len(buf) < headerSize {
		return types.NodeId{}, false
	}
	var id types.NodeId
	copy(id[:], buf[5:5+nodeIDSize])
	return id, true
}

func computeMAC(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
