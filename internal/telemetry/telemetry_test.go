package telemetry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/fragmesh/storage-node/internal/telemetry"
)

type fakeSource struct {
	mu    sync.Mutex
	peers map[string]*webrtc.PeerConnection
}

func (f *fakeSource) Peers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.peers))
	for id := range f.peers {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeSource) PeerConnection(remote string) (*webrtc.PeerConnection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc, ok := f.peers[remote]
	return pc, ok
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
	last   any
}

func (f *fakeEmitter) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.last = payload
	return nil
}

func newTestPC(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new peer connection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func TestSamplerEmitsOncePerPeerPerTick(t *testing.T) {
	pc := newTestPC(t)
	source := &fakeSource{peers: map[string]*webrtc.PeerConnection{"remote-1": pc}}
	emitter := &fakeEmitter{}

	sampler := telemetry.NewSampler(source, emitter, nil)

	ctx, cancel := context.WithTimeout(context.Background(), telemetry.SampleInterval*2+200*time.Millisecond)
	defer cancel()
	sampler.Run(ctx)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.events) < 2 {
		t.Fatalf("events = %d, want at least 2 ticks worth", len(emitter.events))
	}
	for _, e := range emitter.events {
		if e != "stats_update" {
			t.Errorf("event = %q, want stats_update", e)
		}
	}
	sample, ok := emitter.last.(telemetry.Sample)
	if !ok {
		t.Fatalf("last payload type = %T, want telemetry.Sample", emitter.last)
	}
	if sample.Remote != "remote-1" {
		t.Errorf("sample.Remote = %q, want remote-1", sample.Remote)
	}
	if sample.RTTMillis != -1 {
		t.Errorf("sample.RTTMillis = %d, want -1 (no succeeded candidate pair)", sample.RTTMillis)
	}
}

func TestSamplerFinalMarksDisconnectedAndDropsHistory(t *testing.T) {
	pc := newTestPC(t)
	source := &fakeSource{peers: map[string]*webrtc.PeerConnection{}}
	emitter := &fakeEmitter{}

	sampler := telemetry.NewSampler(source, emitter, nil)
	sampler.Final("remote-2", pc)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.events) != 1 || emitter.events[0] != "stats_update" {
		t.Fatalf("events = %v, want one stats_update", emitter.events)
	}
	sample, ok := emitter.last.(telemetry.Sample)
	if !ok {
		t.Fatalf("last payload type = %T, want telemetry.Sample", emitter.last)
	}
	if !sample.Disconnected {
		t.Error("sample.Disconnected = false, want true")
	}
}
