package stream_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/fragmesh/storage-node/internal/protocol"
	"github.com/fragmesh/storage-node/internal/stream"
)

// fakeRegistry is a minimal stream.TransferRegistry backed by a real
// pair of connected pion data channels, so Stream can exercise its
// actual Send/BufferedAmount path.
type fakeRegistry struct {
	dc        *webrtc.DataChannel
	registerN atomic.Int32
}

func (f *fakeRegistry) RegisterTransfer(string, *stream.Transfer) { f.registerN.Add(1) }
func (f *fakeRegistry) UnregisterTransfer(string)                 { f.registerN.Add(-1) }
func (f *fakeRegistry) LookupTransfer(string) (*stream.Transfer, bool) {
	return nil, false
}
func (f *fakeRegistry) DataChannel() *webrtc.DataChannel { return f.dc }

// newOpenChannelPair negotiates two PeerConnections using trickled host
// ICE candidates only (no STUN/TURN needed for a same-process pair) and
// returns the offerer's data channel once open, plus a teardown func.
func newOpenChannelPair(t *testing.T) (*webrtc.DataChannel, func()) {
	t.Helper()

	offerPC, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new offer pc: %v", err)
	}
	answerPC, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new answer pc: %v", err)
	}

	openedCh := make(chan struct{})
	ordered := true
	dc, err := offerPC.CreateDataChannel("fragment", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		t.Fatalf("create data channel: %v", err)
	}
	dc.OnOpen(func() { close(openedCh) })

	answerPC.OnDataChannel(func(remote *webrtc.DataChannel) {
		remote.OnMessage(func(webrtc.DataChannelMessage) {})
	})

	offerPC.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			_ = answerPC.AddICECandidate(c.ToJSON())
		}
	})
	answerPC.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			_ = offerPC.AddICECandidate(c.ToJSON())
		}
	})

	offer, err := offerPC.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := offerPC.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	if err := answerPC.SetRemoteDescription(offer); err != nil {
		t.Fatalf("set remote description: %v", err)
	}
	answer, err := answerPC.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := answerPC.SetLocalDescription(answer); err != nil {
		t.Fatalf("set local description (answer): %v", err)
	}
	if err := offerPC.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set remote description (offer): %v", err)
	}

	select {
	case <-openedCh:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for data channel to open")
	}

	cleanup := func() {
		_ = dc.Close()
		_ = offerPC.Close()
		_ = answerPC.Close()
	}
	return dc, cleanup
}

func TestStreamRejectsClosedChannel(t *testing.T) {
	t.Parallel()

	reg := &fakeRegistry{dc: nil}

	dir := t.TempDir()
	path := filepath.Join(dir, "frag")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}

	err := stream.Stream(context.Background(), nil, stream.Request{
		SessionID:  "s1",
		FragmentID: "frag",
		Path:       path,
		Registry:   reg,
	})
	if err != stream.ErrChannelNotOpen {
		t.Fatalf("err = %v, want ErrChannelNotOpen", err)
	}
}

func TestStreamSendsFragmentOverOpenChannel(t *testing.T) {
	dc, cleanup := newOpenChannelPair(t)
	defer cleanup()

	reg := &fakeRegistry{dc: dc}

	dir := t.TempDir()
	path := filepath.Join(dir, "frag")
	payload := make([]byte, protocol.ChunkSize+10)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}

	var activityCalls atomic.Int32
	err := stream.Stream(context.Background(), nil, stream.Request{
		SessionID:  "s1",
		FragmentID: "frag",
		Path:       path,
		Registry:   reg,
		OnActivity: func() { activityCalls.Add(1) },
	})
	if err != nil {
		t.Fatalf("Stream() = %v, want nil", err)
	}
	if reg.registerN.Load() != 0 {
		t.Errorf("registerN = %d, want 0 (unregistered on exit)", reg.registerN.Load())
	}
	if activityCalls.Load() == 0 {
		t.Error("OnActivity was never called")
	}
}

func TestStreamWithCancelledContextReturnsErrCancelled(t *testing.T) {
	dc, cleanup := newOpenChannelPair(t)
	defer cleanup()

	reg := &fakeRegistry{dc: dc}

	dir := t.TempDir()
	path := filepath.Join(dir, "frag")
	payload := make([]byte, protocol.ChunkSize*20)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := stream.Stream(ctx, nil, stream.Request{
		SessionID:  "s1",
		FragmentID: "frag",
		Path:       path,
		Registry:   reg,
	})
	if !errors.Is(err, stream.ErrCancelled) {
		t.Fatalf("Stream() = %v, want ErrCancelled", err)
	}
}
