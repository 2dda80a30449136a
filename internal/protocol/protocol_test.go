package protocol_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/fragmesh/storage-node/internal/protocol"
)

func TestControlMessageJSONFieldNames(t *testing.T) {
	t.Parallel()

	msg := protocol.ControlMessage{
		Type:       protocol.TypeReadyNode,
		FragmentID: "frag-1",
		SessionID:  "sess-1",
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, want := range []string{`"type":"READY_NODE"`, `"fragment_id":"frag-1"`, `"session_id":"sess-1"`} {
		if !bytes.Contains(data, []byte(want)) {
			t.Errorf("json %s missing %s", data, want)
		}
	}
}

func TestCanceledControlMessageRoundTrip(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"CANCELED","session_id":"sess-1","fragment_id":"frag-1","error":"peer aborted"}`)
	var msg protocol.ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if msg.Type != protocol.TypeCanceled || msg.SessionID != "sess-1" || msg.FragmentID != "frag-1" || msg.Error != "peer aborted" {
		t.Errorf("got %+v", msg)
	}
}

func TestEncodeDecodeChunkRoundTrip(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0xAB}, 128)
	frame, err := protocol.EncodeChunk("session-42", true, payload)
	if err != nil {
		t.Fatalf("EncodeChunk() error = %v", err)
	}

	sessionID, last, got, err := protocol.DecodeChunk(frame)
	if err != nil {
		t.Fatalf("DecodeChunk() error = %v", err)
	}
	if sessionID != "session-42" {
		t.Errorf("sessionID = %q, want session-42", sessionID)
	}
	if !last {
		t.Error("last = false, want true")
	}
	if !bytes.Equal(got, payload) {
		t.Error("decoded payload does not match original")
	}
}

func TestEncodeChunkFrameLayoutMatchesSpec(t *testing.T) {
	t.Parallel()

	frame, err := protocol.EncodeChunk("abc", true, []byte{0xFF})
	if err != nil {
		t.Fatalf("EncodeChunk() error = %v", err)
	}
	// Byte 0: session id length. Byte 1: last-chunk flag. Bytes 2..5:
	// "abc". Byte 5: payload.
	want := []byte{3, 1, 'a', 'b', 'c', 0xFF}
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = %v, want %v", frame, want)
	}
}

func TestEncodeChunkEmptyPayload(t *testing.T) {
	t.Parallel()

	frame, err := protocol.EncodeChunk("s", false, nil)
	if err != nil {
		t.Fatalf("EncodeChunk() error = %v", err)
	}
	sessionID, last, payload, err := protocol.DecodeChunk(frame)
	if err != nil {
		t.Fatalf("DecodeChunk() error = %v", err)
	}
	if sessionID != "s" || last || len(payload) != 0 {
		t.Errorf("got (%q, %v, %d bytes), want (s, false, 0 bytes)", sessionID, last, len(payload))
	}
}

func TestEncodeChunkRejectsLongSessionID(t *testing.T) {
	t.Parallel()

	longID := strings.Repeat("x", 256)
	if _, err := protocol.EncodeChunk(longID, false, nil); !errors.Is(err, protocol.ErrSessionIDTooLong) {
		t.Fatalf("EncodeChunk() error = %v, want ErrSessionIDTooLong", err)
	}
}

func TestDecodeChunkRejectsShortFrame(t *testing.T) {
	t.Parallel()

	if _, _, _, err := protocol.DecodeChunk([]byte{1}); !errors.Is(err, protocol.ErrFrameTooShort) {
		t.Fatalf("DecodeChunk() error = %v, want ErrFrameTooShort", err)
	}
}

func TestDecodeChunkRejectsTruncatedSessionID(t *testing.T) {
	t.Parallel()

	// Claims a 10-byte session id but only provides the 2-byte header.
	frame := []byte{10, 0}
	if _, _, _, err := protocol.DecodeChunk(frame); !errors.Is(err, protocol.ErrFrameTruncated) {
		t.Fatalf("DecodeChunk() error = %v, want ErrFrameTruncated", err)
	}
}

func TestChunkCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		n    int64
		want int64
	}{
		{"zero", 0, 0},
		{"negative", -5, 0},
		{"exact one chunk", protocol.ChunkSize, 1},
		{"one byte over", protocol.ChunkSize + 1, 2},
		{"three chunks", protocol.ChunkSize*3 - 1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := protocol.ChunkCount(tt.n); got != tt.want {
				t.Errorf("ChunkCount(%d) = %d, want %d", tt.n, got, tt.want)
			}
		})
	}
}
