// Package telemetry samples per-peer WebRTC connection stats once a
// second and reports them to the signaling service, so the control
// plane can show link quality and transfer throughput per peer.
package telemetry

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/fragmesh/storage-node/internal/ipclass"
)

// SampleInterval is how often each tracked peer is sampled.
const SampleInterval = 1 * time.Second

// Sample is one stats snapshot for a peer, emitted as the payload of a
// stats_update signaling event.
type Sample struct {
	Remote    string    `json:"remote"`
	Timestamp time.Time `json:"timestamp"`

	RTTMillis int64 `json:"rtt_ms"` // -1 when no succeeded candidate pair exists yet

	BytesSentDelta     uint64 `json:"bytes_sent_delta"`
	BytesReceivedDelta uint64 `json:"bytes_received_delta"`

	LocalIPv4        string `json:"local_ipv4,omitempty"`
	LocalIPv6        string `json:"local_ipv6,omitempty"`
	LocalPrivateIPv4 bool   `json:"local_private_ipv4"`

	RemoteIPv4        string `json:"remote_ipv4,omitempty"`
	RemoteIPv6        string `json:"remote_ipv6,omitempty"`
	RemotePrivateIPv4 bool   `json:"remote_private_ipv4"`

	Disconnected bool `json:"disconnected"`
}

// PeerSource is the subset of peer.Manager's bookkeeping the sampler
// needs. Defined here (rather than imported from internal/peer) so
// telemetry has no dependency on the peer package, even though peer
// imports telemetry for the Sample type.
type PeerSource interface {
	Peers() []string
	PeerConnection(remote string) (*webrtc.PeerConnection, bool)
}

// emitter is the subset of signaling.Client the sampler needs.
type emitter interface {
	Emit(event string, payload any) error
}

type counters struct {
	bytesSent     uint64
	bytesReceived uint64
}

// Sampler samples every peer returned by its PeerSource once per
// SampleInterval and emits a Sample for each over signaling.
type Sampler struct {
	source    PeerSource
	signaling emitter
	logger    *slog.Logger

	mu       sync.Mutex
	previous map[string]counters
}

// NewSampler constructs a Sampler wired to source and signaling.
func NewSampler(source PeerSource, signaling emitter, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		source:    source,
		signaling: signaling,
		logger:    logger.With(slog.String("component", "telemetry")),
		previous:  make(map[string]counters),
	}
}

// Run samples every tracked peer every SampleInterval until ctx is
// cancelled. The node runs it in its own goroutine for the lifetime of
// the process.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleAll(ctx)
		}
	}
}

func (s *Sampler) sampleAll(ctx context.Context) {
	for _, remote := range s.source.Peers() {
		pc, ok := s.source.PeerConnection(remote)
		if !ok {
			continue
		}
		sample := s.sampleOne(remote, pc)
		if err := s.signaling.Emit("stats_update", sample); err != nil {
			s.logger.Warn("emit stats_update failed", slog.String("remote", remote), slog.Any("error", err))
		}
	}
}

// Final emits one last sample for remote marked Disconnected, then
// drops its counter history. Callers invoke this from peer teardown
// before the PeerConnection is closed out from under GetStats.
func (s *Sampler) Final(remote string, pc *webrtc.PeerConnection) {
	sample := s.sampleOne(remote, pc)
	sample.Disconnected = true
	s.mu.Lock()
	delete(s.previous, remote)
	s.mu.Unlock()
	if err := s.signaling.Emit("stats_update", sample); err != nil {
		s.logger.Warn("emit final stats_update failed", slog.String("remote", remote), slog.Any("error", err))
	}
}

func (s *Sampler) sampleOne(remote string, pc *webrtc.PeerConnection) Sample {
	report := pc.GetStats()

	sample := Sample{
		Remote:    remote,
		Timestamp: time.Now(),
		RTTMillis: -1,
	}

	pair, local, remoteCand := succeededCandidatePair(report)
	if pair != nil {
		sample.RTTMillis = int64(pair.CurrentRoundTripTime * 1000)
	}
	if local != nil {
		classifyAddr(local.IP, &sample.LocalIPv4, &sample.LocalIPv6, &sample.LocalPrivateIPv4)
	}
	if remoteCand != nil {
		classifyAddr(remoteCand.IP, &sample.RemoteIPv4, &sample.RemoteIPv6, &sample.RemotePrivateIPv4)
	}

	sent, received := sumByteCounters(report)
	s.mu.Lock()
	prev := s.previous[remote]
	s.previous[remote] = counters{bytesSent: sent, bytesReceived: received}
	s.mu.Unlock()

	if sent >= prev.bytesSent {
		sample.BytesSentDelta = sent - prev.bytesSent
	}
	if received >= prev.bytesReceived {
		sample.BytesReceivedDelta = received - prev.bytesReceived
	}

	return sample
}

func classifyAddr(ip string, v4, v6 *string, private *bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return
	}
	version, locality := ipclass.Classify(addr)
	switch version {
	case ipclass.V4:
		*v4 = ip
		*private = locality == ipclass.Private
	case ipclass.V6:
		*v6 = ip
	}
}

// succeededCandidatePair finds the nominated, succeeded candidate pair
// in report and resolves its local/remote candidate stats.
func succeededCandidatePair(report webrtc.StatsReport) (*webrtc.ICECandidatePairStats, *webrtc.ICECandidateStats, *webrtc.ICECandidateStats) {
	for _, stat := range report {
		pair, ok := stat.(webrtc.ICECandidatePairStats)
		if !ok {
			continue
		}
		if !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}

		var local, remote *webrtc.ICECandidateStats
		if s, ok := report[pair.LocalCandidateID].(webrtc.ICECandidateStats); ok {
			local = &s
		}
		if s, ok := report[pair.RemoteCandidateID].(webrtc.ICECandidateStats); ok {
			remote = &s
		}
		p := pair
		return &p, local, remote
	}
	return nil, nil, nil
}

// sumByteCounters totals bytes sent/received across every open data
// channel's stats entry in report — the fragment transfer traffic this
// node cares about, rather than the transport-level counters, which
// also include SCTP/DTLS control overhead.
func sumByteCounters(report webrtc.StatsReport) (sent, received uint64) {
	for _, stat := range report {
		if s, ok := stat.(webrtc.DataChannelStats); ok && s.State == webrtc.DataChannelStateOpen {
			sent += s.BytesSent
			received += s.BytesReceived
		}
	}
	return sent, received
}
