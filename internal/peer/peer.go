// Package peer owns the per-remote-peer connection lifecycle: SDP/ICE
// negotiation, data-channel plumbing, the inactivity watchdog, and
// ordered teardown. One peerState exists per remote peer id; one
// goroutine (runPeer) owns it end to end.
package peer

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/fragmesh/storage-node/internal/config"
	"github.com/fragmesh/storage-node/internal/fragindex"
	"github.com/fragmesh/storage-node/internal/signaling"
	"github.com/fragmesh/storage-node/internal/stream"
)

// State is a peer session's position in the lifecycle spec'd for C8.
type State int

const (
	StateNew State = iota
	StateNegotiating
	StateConnected
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateConnected:
		return "CONNECTED"
	case StateReady:
		return "READY"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

const (
	// InactivityTimeout is the single-shot per-peer watchdog duration.
	InactivityTimeout = 10 * time.Second

	// SweepInterval is how often the global sweeper scans for peers
	// whose per-peer timer was never armed (e.g. stuck in NEGOTIATING).
	SweepInterval = 5 * time.Second

	// recvChSize sizes the event funnel each peer's goroutine reads
	// from, matching the teacher's recvChSize buffering discipline so
	// pion's own callback goroutines never block on a slow consumer.
	recvChSize = 16
)

var (
	// ErrNegotiationFailed wraps any SDP/ICE negotiation error.
	ErrNegotiationFailed = errors.New("peer negotiation failed")

	// ErrUnknownPeer is returned by operations that require an existing
	// session.
	ErrUnknownPeer = errors.New("unknown peer")
)

// peerEvent funnels every pion callback and external signal into the
// single goroutine that owns a peerState, mirroring the teacher's
// recvCh discipline: callbacks never touch peer state directly, they
// only ever send an event.
type peerEvent struct {
	kind            eventKind
	answerSDP       string
	iceCandidate    string
	connectionState webrtc.PeerConnectionState
	dataChannel     *webrtc.DataChannel
	controlFrame    []byte
	binaryFrame     []byte
}

type eventKind int

const (
	eventAnswer eventKind = iota
	eventICECandidate
	eventConnectionStateChange
	eventDataChannelOpen
	eventControlMessage
	eventActivity
	eventTeardown
)

// peerState is the per-remote-peer record spec'd in §3 "Peer session".
type peerState struct {
	remote string

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	lastActivity atomic.Int64 // unix nanos

	transfersMu sync.Mutex
	transfers   map[string]*stream.Transfer

	state   atomic.Int32 // State, read by accessors outside the owning goroutine
	started atomic.Bool  // guards against a second runPeer owner on a re-offer/re-connect race

	recvCh chan peerEvent
	doneCh chan struct{}
}

func newPeerState(remote string) *peerState {
	ps := &peerState{
		remote:    remote,
		transfers: make(map[string]*stream.Transfer),
		recvCh:    make(chan peerEvent, recvChSize),
		doneCh:    make(chan struct{}),
	}
	ps.lastActivity.Store(time.Now().UnixNano())
	ps.state.Store(int32(StateNew))
	return ps
}

func (ps *peerState) touch() {
	ps.lastActivity.Store(time.Now().UnixNano())
}

func (ps *peerState) idleSince() time.Duration {
	return time.Since(time.Unix(0, ps.lastActivity.Load()))
}

func (ps *peerState) setState(s State) {
	ps.state.Store(int32(s))
}

func (ps *peerState) State() State {
	return State(ps.state.Load())
}

// markStarted reports whether this call is the one that should spawn
// runPeer: it returns true exactly once per peerState, so a re-offer or
// re-connect racing against an in-flight negotiation never starts a
// second owner goroutine on the same recvCh/doneCh.
func (ps *peerState) markStarted() bool {
	return ps.started.CompareAndSwap(false, true)
}

func (ps *peerState) send(ev peerEvent) {
	select {
	case ps.recvCh <- ev:
	case <-ps.doneCh:
	}
}

// Manager owns every peerState for the node. It is the only writer of
// the peer map; all other callers (streamer, telemetry, watchdog) read
// through its accessors, which check presence under the same lock —
// the same discipline as the teacher's sessions/sessionsByPeer maps.
type Manager struct {
	mu    sync.RWMutex
	peers map[string]*peerState

	pcConfig  webrtc.Configuration
	signaling signaling.Client
	logger    *slog.Logger
	index     *fragindex.Index

	statsFinalizer StatsFinalizer
	metrics        MetricsSink

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewManager constructs a Manager wired to the signaling client used to
// emit answers/ICE candidates and stats, and the ICE server list to use
// for every new PeerConnection.
func NewManager(webrtcCfg config.WebRTCConfig, sig signaling.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	iceServers := make([]webrtc.ICEServer, 0, len(webrtcCfg.ICEServers))
	for _, s := range webrtcCfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	m := &Manager{
		peers:     make(map[string]*peerState),
		pcConfig:  webrtc.Configuration{ICEServers: iceServers},
		signaling: sig,
		logger:    logger.With(slog.String("component", "peer")),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// UpdateLastActivity resets the inactivity timer for remote, if present.
// Transfers started by the manager do not call it; they refresh
// activity through the OnActivity closure built in startTransfer.
func (m *Manager) UpdateLastActivity(remote string) {
	ps, ok := m.lookup(remote)
	if !ok {
		return
	}
	ps.touch()
	ps.send(peerEvent{kind: eventActivity})
}

func (m *Manager) lookup(remote string) (*peerState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps, ok := m.peers[remote]
	return ps, ok
}

func (m *Manager) snapshotIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// Peers returns the remote ids of every currently tracked peer, for the
// telemetry sampler to fan out over.
func (m *Manager) Peers() []string {
	return m.snapshotIDs()
}

// Snapshot describes one tracked peer for diagnostics surfaces.
type Snapshot struct {
	Remote        string
	State         string
	IdleSeconds   float64
	TransferCount int
}

// Snapshots returns a point-in-time view of every tracked peer, used by
// the admin HTTP surface to report connection state without exposing
// peerState itself.
func (m *Manager) Snapshots() []Snapshot {
	ids := m.snapshotIDs()
	out := make([]Snapshot, 0, len(ids))
	for _, remote := range ids {
		ps, ok := m.lookup(remote)
		if !ok {
			continue
		}
		out = append(out, Snapshot{
			Remote:        remote,
			State:         ps.State().String(),
			IdleSeconds:   ps.idleSince().Seconds(),
			TransferCount: len(ps.allTransfers()),
		})
	}
	return out
}

// TransferManagerFor exposes the peer's transfer map accessors to the
// command/streaming wiring without leaking peerState itself.
func (m *Manager) TransferManagerFor(remote string) (stream.TransferRegistry, bool) {
	ps, ok := m.lookup(remote)
	if !ok {
		return nil, false
	}
	return ps, true
}

// RegisterTransfer implements stream.TransferRegistry.
func (ps *peerState) RegisterTransfer(sessionID string, t *stream.Transfer) {
	ps.transfersMu.Lock()
	defer ps.transfersMu.Unlock()
	ps.transfers[sessionID] = t
}

// UnregisterTransfer implements stream.TransferRegistry.
func (ps *peerState) UnregisterTransfer(sessionID string) {
	ps.transfersMu.Lock()
	defer ps.transfersMu.Unlock()
	delete(ps.transfers, sessionID)
}

// LookupTransfer implements stream.TransferRegistry.
func (ps *peerState) LookupTransfer(sessionID string) (*stream.Transfer, bool) {
	ps.transfersMu.Lock()
	defer ps.transfersMu.Unlock()
	t, ok := ps.transfers[sessionID]
	return t, ok
}

// DataChannel implements stream.TransferRegistry.
func (ps *peerState) DataChannel() *webrtc.DataChannel {
	return ps.dc
}

// allTransfers returns a snapshot of every in-flight transfer, used by
// teardown to cancel them without holding the lock during cancellation.
func (ps *peerState) allTransfers() []*stream.Transfer {
	ps.transfersMu.Lock()
	defer ps.transfersMu.Unlock()
	out := make([]*stream.Transfer, 0, len(ps.transfers))
	for _, t := range ps.transfers {
		out = append(out, t)
	}
	return out
}
