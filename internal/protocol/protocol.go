// Package protocol implements the data-channel wire format used between
// two storage nodes once a WebRTC data channel is open: a JSON control
// envelope for session setup/teardown/status, and a small binary frame
// for fragment chunk payloads.
package protocol

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Control messages
// -------------------------------------------------------------------------

// Inbound control message types a node accepts over an open data
// channel.
const (
	TypeReadyNode = "READY_NODE"
	TypeCanceled  = "CANCELED"
)

// ControlMessage is the JSON envelope for every non-chunk data-channel
// message, in either direction.
type ControlMessage struct {
	Type       string `json:"type"`
	FragmentID string `json:"fragment_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// -------------------------------------------------------------------------
// Transfer status (reported via the signaling client's fragment_status
// event, never over the data channel itself)
// -------------------------------------------------------------------------

// Status values a TransferSession passes through on its way to a
// terminal state, per spec.md §4.3/§7.
const (
	StatusStarting          = "STARTING"
	StatusInProgress        = "IN_PROGRESS"
	StatusCompleted         = "COMPLETED"
	StatusFailed            = "FAILED"
	StatusCanceled          = "CANCELED"
	StatusFileNotFound      = "FILE_NOT_FOUND"
	StatusDataChannelClosed = "DATA_CHANNEL_CLOSED"
	StatusLowMemory         = "LOW_MEMORY"
)

// FragmentStatus is the payload of a fragment_status signaling event.
type FragmentStatus struct {
	FragmentID string `json:"fragment_id"`
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	TotalBytes int64  `json:"total_bytes,omitempty"`
	SentBytes  int64  `json:"sent_bytes,omitempty"`
}

// -------------------------------------------------------------------------
// Chunk framing
// -------------------------------------------------------------------------

// ChunkSize is the maximum payload carried by a single chunk frame.
const ChunkSize = 53 * 1024

// sessionIDLenSize is the width of the session id length prefix.
const sessionIDLenSize = 1

// maxSessionIDLen is the largest session id the 1-byte length prefix
// can express.
const maxSessionIDLen = 255

var (
	// ErrSessionIDTooLong is returned when a session id exceeds
	// maxSessionIDLen bytes.
	ErrSessionIDTooLong = errors.New("session id too long")

	// ErrFrameTooShort is returned when a frame is too short to contain
	// its own header.
	ErrFrameTooShort = errors.New("chunk frame too short")

	// ErrFrameTruncated is returned when a frame's declared session id
	// length exceeds the bytes actually present.
	ErrFrameTruncated = errors.New("chunk frame truncated")
)

// Chunk frame layout (spec.md §4.2):
//
//	Byte 0:      Session ID length L (1..255)
//	Byte 1:      Last-chunk flag (0 or 1)
//	Bytes 2..2+L: Session ID (ASCII)
//	Remaining:   Payload (up to ChunkSize bytes)
//
// There is no in-band payload length field — payload length is the
// frame length minus 2+L. EncodeChunk allocates and returns a new
// frame; DecodeChunk returns slices into the input frame without
// copying.

// EncodeChunk builds a chunk frame for sessionID carrying payload, with
// last set on the final chunk of a transfer.
func EncodeChunk(sessionID string, last bool, payload []byte) ([]byte, error) {
	if len(sessionID) > maxSessionIDLen {
		return nil, fmt.Errorf("session id %q is %d bytes: %w", sessionID, len(sessionID), ErrSessionIDTooLong)
	}

	headerLen := 1 + sessionIDLenSize + len(sessionID)
	frame := make([]byte, headerLen+len(payload))

	frame[0] = uint8(len(sessionID))
	if last {
		frame[1] = 1
	}
	copy(frame[2:2+len(sessionID)], sessionID)
	copy(frame[headerLen:], payload)

	return frame, nil
}

// DecodeChunk parses a chunk frame. The returned payload slice
// references frame directly; callers must copy it before frame is
// reused or returned to a pool.
func DecodeChunk(frame []byte) (sessionID string, last bool, payload []byte, err error) {
	if len(frame) < 2 {
		return "", false, nil, fmt.Errorf("frame is %d bytes: %w", len(frame), ErrFrameTooShort)
	}

	idLen := int(frame[0])
	last = frame[1] == 1
	headerLen := 2 + idLen

	if len(frame) < headerLen {
		return "", false, nil, fmt.Errorf("frame is %d bytes, session id needs %d: %w",
			len(frame), headerLen, ErrFrameTruncated)
	}

	sessionID = string(frame[2:headerLen])
	payload = frame[headerLen:]
	return sessionID, last, payload, nil
}

// chunkCount returns how many ChunkSize-sized pieces a payload of size n
// splits into, rounding up. Exported for callers sizing progress
// reporting; kept here next to ChunkSize rather than in internal/stream
// to avoid a second source of truth for the chunking arithmetic.
func chunkCount(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + ChunkSize - 1) / ChunkSize
}

// ChunkCount is the exported form of chunkCount.
func ChunkCount(n int64) int64 {
	return chunkCount(n)
}
