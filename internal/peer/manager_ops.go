package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/fragmesh/storage-node/internal/fragindex"
	"github.com/fragmesh/storage-node/internal/protocol"
	"github.com/fragmesh/storage-node/internal/stream"
	"github.com/fragmesh/storage-node/internal/telemetry"
)

// gatherTimeout bounds how long ICE candidate gathering is allowed to
// run before an offer/answer is sent with whatever candidates are
// ready, mirroring the teacher pack's WebRTC manager.
const gatherTimeout = 10 * time.Second

// StatsFinalizer emits one last stats sample for a peer before its
// PeerConnection is torn down. Set via Manager.SetStatsFinalizer;
// nil-safe if never set (useful in tests that don't exercise
// telemetry).
type StatsFinalizer interface {
	Final(remote string, pc *webrtc.PeerConnection)
}

// MetricsSink receives peer connect/disconnect counts and per-transfer
// outcomes. Set via Manager.SetMetrics; nil-safe if never set. The
// transfer methods match internal/stream's own metricsSink interface so
// the same collector can be handed to a stream.Request unchanged.
type MetricsSink interface {
	PeerConnected()
	PeerDisconnected()
	TransferStarted()
	TransferFinished(remote, status string, bytesSent int64)
}

// SetMetrics wires a metrics collector so data-channel-open and
// teardown update the connected-peer gauge. Call once during startup
// wiring.
func (m *Manager) SetMetrics(sink MetricsSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = sink
}

// PeerConnection implements telemetry.PeerSource.
func (m *Manager) PeerConnection(remote string) (*webrtc.PeerConnection, bool) {
	ps, ok := m.lookup(remote)
	if !ok || ps.pc == nil {
		return nil, false
	}
	return ps.pc, true
}

// SetStatsFinalizer wires a telemetry sampler so teardown can emit a
// final disconnected sample. Call once during startup wiring.
func (m *Manager) SetStatsFinalizer(f StatsFinalizer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsFinalizer = f
}

// SetFragmentIndex wires the fragment index READY_NODE requests are
// resolved against. Call once during startup wiring, after the index
// has completed its startup scan.
func (m *Manager) SetFragmentIndex(idx *fragindex.Index) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = idx
}

// OnOffer handles an incoming SDP offer from remote. Per spec §4.1: a
// repeat offer for a session still NEGOTIATING is answered in place on
// that same PeerConnection (never a second one, never a second runPeer
// owner); a repeat offer for a session already CONNECTED/READY/CLOSING
// tears that session down and is itself dropped — a new offer is only
// accepted once the prior session is fully closed.
func (m *Manager) OnOffer(ctx context.Context, remote, offerSDP string) (string, error) {
	ps, created := m.getOrCreateTracking(remote)

	var pc *webrtc.PeerConnection
	if !created && ps.pc != nil && ps.State() == StateNegotiating {
		pc = ps.pc
	} else if !created && ps.pc != nil {
		m.Disconnect(remote)
		return "", fmt.Errorf("%w: existing session for %s is %s, tearing down before accepting a new offer",
			ErrNegotiationFailed, remote, ps.State())
	} else {
		ps.setState(StateNegotiating)

		var err error
		pc, err = webrtc.NewPeerConnection(m.pcConfig)
		if err != nil {
			m.dropFailedSession(remote)
			return "", fmt.Errorf("new peer connection for %s: %w", remote, err)
		}
		ps.pc = pc
		m.wireCallbacks(ps)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		m.dropFailedSession(remote)
		return "", fmt.Errorf("%w: set remote description: %v", ErrNegotiationFailed, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		m.dropFailedSession(remote)
		return "", fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		m.dropFailedSession(remote)
		return "", fmt.Errorf("%w: set local description: %v", ErrNegotiationFailed, err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(gatherTimeout):
		m.logger.Warn("ICE gathering timed out, answering with partial candidates", slog.String("remote", remote))
	case <-ctx.Done():
		m.dropFailedSession(remote)
		return "", ctx.Err()
	}

	if ps.markStarted() {
		go m.runPeer(ps)
	}

	return pc.LocalDescription().SDP, nil
}

// Connect initiates a new peer connection to remote by creating a local
// data channel and an SDP offer, returning the offer to relay over
// signaling. The caller is expected to deliver the resulting answer via
// OnAnswer and any trickled candidates via OnIceCandidate.
func (m *Manager) Connect(ctx context.Context, remote string) (string, error) {
	ps, created := m.getOrCreateTracking(remote)
	if !created && ps.pc != nil {
		return "", fmt.Errorf("%w: existing session for %s is %s, leaving it in place",
			ErrNegotiationFailed, remote, ps.State())
	}
	ps.setState(StateNegotiating)

	pc, err := webrtc.NewPeerConnection(m.pcConfig)
	if err != nil {
		m.dropFailedSession(remote)
		return "", fmt.Errorf("new peer connection for %s: %w", remote, err)
	}
	ps.pc = pc
	m.wireCallbacks(ps)

	ordered := true
	dc, err := pc.CreateDataChannel("fragment", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		m.dropFailedSession(remote)
		return "", fmt.Errorf("%w: create data channel: %v", ErrNegotiationFailed, err)
	}
	dc.OnOpen(func() {
		if cur, ok := m.lookup(remote); ok {
			cur.send(peerEvent{kind: eventDataChannelOpen, dataChannel: dc})
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if cur, ok := m.lookup(remote); ok {
			cur.send(peerEvent{kind: eventControlMessage, controlFrame: msg.Data})
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		m.dropFailedSession(remote)
		return "", fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		m.dropFailedSession(remote)
		return "", fmt.Errorf("%w: set local description: %v", ErrNegotiationFailed, err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(gatherTimeout):
		m.logger.Warn("ICE gathering timed out, offering with partial candidates", slog.String("remote", remote))
	case <-ctx.Done():
		m.dropFailedSession(remote)
		return "", ctx.Err()
	}

	if ps.markStarted() {
		go m.runPeer(ps)
	}

	return pc.LocalDescription().SDP, nil
}

// OnAnswer applies an SDP answer to a peer this node offered to.
func (m *Manager) OnAnswer(remote, answerSDP string) error {
	ps, ok := m.lookup(remote)
	if !ok || ps.pc == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, remote)
	}
	if err := ps.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		return fmt.Errorf("%w: set remote description: %v", ErrNegotiationFailed, err)
	}
	return nil
}

// OnIceCandidate applies a trickled ICE candidate from remote.
func (m *Manager) OnIceCandidate(remote, candidate string) error {
	ps, ok := m.lookup(remote)
	if !ok || ps.pc == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, remote)
	}
	return ps.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// getOrCreateTracking returns the tracked peerState for remote, plus
// whether it was created by this call. Callers use the created flag to
// tell a brand new session apart from one already mid-negotiation or
// established, per the re-offer/re-connect handling in OnOffer/Connect.
func (m *Manager) getOrCreateTracking(remote string) (*peerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.peers[remote]; ok {
		return ps, false
	}
	ps := newPeerState(remote)
	m.peers[remote] = ps
	return ps, true
}

// dropFailedSession removes remote's tracked session and closes its
// PeerConnection. Called on every negotiation failure so a failed
// session is cleaned up immediately instead of waiting for the
// sweeper's next pass.
func (m *Manager) dropFailedSession(remote string) {
	m.mu.Lock()
	ps, ok := m.peers[remote]
	if ok {
		delete(m.peers, remote)
	}
	m.mu.Unlock()
	if ok && ps.pc != nil {
		if err := ps.pc.Close(); err != nil {
			m.logger.Warn("close peer connection failed", slog.String("remote", remote), slog.Any("error", err))
		}
	}
}

// wireCallbacks registers pion callbacks that never touch peer state
// directly, since they run on pion's own goroutines and may fire after
// the peer has already started tearing down. The ICE-candidate callback
// emits the candidate straight to signaling; the others only send an
// event on ps.recvCh.
func (m *Manager) wireCallbacks(ps *peerState) {
	remote := ps.remote

	ps.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || m.signaling == nil {
			return
		}
		payload := map[string]any{"remote": remote, "candidate": c.ToJSON().Candidate}
		if err := m.signaling.Emit("ice_candidate", payload); err != nil {
			m.logger.Warn("emit ice_candidate failed", slog.String("remote", remote), slog.Any("error", err))
		}
	})

	ps.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if cur, ok := m.lookup(remote); ok {
			cur.send(peerEvent{kind: eventConnectionStateChange, connectionState: state})
		}
	})

	ps.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			if cur, ok := m.lookup(remote); ok {
				cur.send(peerEvent{kind: eventDataChannelOpen, dataChannel: dc})
			}
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if cur, ok := m.lookup(remote); ok {
				cur.send(peerEvent{kind: eventControlMessage, controlFrame: msg.Data})
			}
		})
	})
}

// runPeer is the single goroutine that owns ps for its entire
// lifetime: every state transition and teardown decision happens here,
// fed exclusively by ps.recvCh.
func (m *Manager) runPeer(ps *peerState) {
	defer close(ps.doneCh)

	watchdog := time.NewTimer(InactivityTimeout)
	defer watchdog.Stop()

	for {
		select {
		case ev := <-ps.recvCh:
			switch ev.kind {
			case eventConnectionStateChange:
				m.handleConnectionStateChange(ps, ev.connectionState, watchdog)
				if ev.connectionState == webrtc.PeerConnectionStateClosed ||
					ev.connectionState == webrtc.PeerConnectionStateFailed ||
					ev.connectionState == webrtc.PeerConnectionStateDisconnected {
					m.teardown(ps)
					return
				}
			case eventDataChannelOpen:
				ps.dc = ev.dataChannel
				ps.setState(StateReady)
				ps.touch()
				resetWatchdog(watchdog, InactivityTimeout)
				m.mu.RLock()
				metrics := m.metrics
				m.mu.RUnlock()
				if metrics != nil {
					metrics.PeerConnected()
				}
			case eventControlMessage:
				ps.touch()
				resetWatchdog(watchdog, InactivityTimeout)
				m.handleControlMessage(ps, ev.controlFrame)
			case eventActivity:
				ps.touch()
				resetWatchdog(watchdog, InactivityTimeout)
			case eventTeardown:
				m.teardown(ps)
				return
			}
		case <-watchdog.C:
			m.logger.Info("peer idle timeout", slog.String("remote", ps.remote), slog.Duration("idle", ps.idleSince()))
			m.teardown(ps)
			return
		}
	}
}

func resetWatchdog(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (m *Manager) handleConnectionStateChange(ps *peerState, state webrtc.PeerConnectionState, watchdog *time.Timer) {
	m.logger.Info("connection state changed", slog.String("remote", ps.remote), slog.String("state", state.String()))
	switch state {
	case webrtc.PeerConnectionStateConnected:
		ps.setState(StateConnected)
		ps.touch()
		resetWatchdog(watchdog, InactivityTimeout)
	}
}

// handleControlMessage decodes an inbound data-channel text frame and
// dispatches it per spec.md §4.2: READY_NODE starts a fragment
// streamer, CANCELED cancels the named transfer if it exists. Unknown
// types are logged and ignored.
func (m *Manager) handleControlMessage(ps *peerState, raw []byte) {
	var msg protocol.ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.Warn("invalid control message", slog.String("remote", ps.remote), slog.Any("error", err))
		return
	}

	switch msg.Type {
	case protocol.TypeReadyNode:
		m.startTransfer(ps, msg.FragmentID, msg.SessionID)
	case protocol.TypeCanceled:
		if t, ok := ps.LookupTransfer(msg.SessionID); ok {
			t.Cancel()
		}
	default:
		m.logger.Warn("unknown control message type", slog.String("remote", ps.remote), slog.String("type", msg.Type))
	}
}

// startTransfer resolves fragmentID against the fragment index and, if
// found, launches stream.Stream in its own goroutine so a single
// multi-second transfer never blocks runPeer's event loop (and
// therefore never blocks ICE/control-message processing for the same
// peer, or the inactivity watchdog from resetting on other traffic).
func (m *Manager) startTransfer(ps *peerState, fragmentID, sessionID string) {
	m.mu.RLock()
	idx := m.index
	sig := m.signaling
	metrics := m.metrics
	m.mu.RUnlock()

	logger := m.logger.With(slog.String("remote", ps.remote), slog.String("session_id", sessionID), slog.String("fragment_id", fragmentID))

	if idx == nil {
		logger.Warn("READY_NODE received before fragment index is wired")
		return
	}
	path, ok := idx.Lookup(fragmentID)
	if !ok {
		logger.Info("fragment not found, dropping transfer")
		if sig != nil {
			_ = sig.Emit("fragment_status", map[string]any{
				"fragment_id": fragmentID,
				"session_id":  sessionID,
				"status":      protocol.StatusFileNotFound,
			})
		}
		return
	}

	go func() {
		req := stream.Request{
			SessionID:  sessionID,
			FragmentID: fragmentID,
			Path:       path,
			Registry:   ps,
			Signaling:  sig,
			Remote:     ps.remote,
			OnActivity: func() { ps.send(peerEvent{kind: eventActivity}) },
		}
		if metrics != nil {
			req.Metrics = metrics
		}
		if err := stream.Stream(context.Background(), m.logger, req); err != nil {
			logger.Info("transfer ended", slog.Any("error", err))
		}
	}()
}

// Disconnect requests an orderly teardown of remote, e.g. on a
// remote-initiated "leave" signal.
func (m *Manager) Disconnect(remote string) {
	ps, ok := m.lookup(remote)
	if !ok {
		return
	}
	ps.send(peerEvent{kind: eventTeardown})
}

// teardown runs the ordered shutdown for ps: cancel every in-flight
// transfer, emit a final disconnected stats sample, close the data
// channel then the transport, and remove the peer from the map. Each
// step is best-effort; a failure at one step never skips the rest.
func (m *Manager) teardown(ps *peerState) {
	wasReady := ps.State() == StateReady
	ps.setState(StateClosing)

	for _, t := range ps.allTransfers() {
		t.Cancel()
	}

	m.mu.RLock()
	finalizer := m.statsFinalizer
	metrics := m.metrics
	m.mu.RUnlock()
	if finalizer != nil && ps.pc != nil {
		finalizer.Final(ps.remote, ps.pc)
	}
	if metrics != nil && wasReady {
		metrics.PeerDisconnected()
	}

	if ps.dc != nil {
		if err := ps.dc.Close(); err != nil {
			m.logger.Warn("close data channel failed", slog.String("remote", ps.remote), slog.Any("error", err))
		}
	}
	if ps.pc != nil {
		if err := ps.pc.Close(); err != nil {
			m.logger.Warn("close peer connection failed", slog.String("remote", ps.remote), slog.Any("error", err))
		}
	}

	m.mu.Lock()
	delete(m.peers, ps.remote)
	m.mu.Unlock()

	m.logger.Info("peer torn down", slog.String("remote", ps.remote))
}

// CleanupAll tears down every tracked peer, e.g. on node shutdown.
func (m *Manager) CleanupAll() {
	for _, remote := range m.snapshotIDs() {
		m.Disconnect(remote)
	}
}

// Shutdown stops the background sweeper. Call once during node
// shutdown, after CleanupAll.
func (m *Manager) Shutdown() {
	close(m.sweepStop)
	<-m.sweepDone
}

// sweepLoop periodically tears down any peer still in StateNegotiating
// (e.g. negotiation stalled) that has been idle past the watchdog
// duration, as a backstop for the per-peer timer.
func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)

	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			for _, remote := range m.snapshotIDs() {
				ps, ok := m.lookup(remote)
				if !ok {
					continue
				}
				if ps.State() == StateNegotiating && ps.idleSince() > InactivityTimeout {
					ps.send(peerEvent{kind: eventTeardown})
				}
			}
		}
	}
}

var (
	_ stream.TransferRegistry = (*peerState)(nil)
	_ telemetry.PeerSource    = (*Manager)(nil)
)
