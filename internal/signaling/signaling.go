// Package signaling implements the node's connection to the central
// signaling service: authentication, offer/answer/ICE relay, and the
// periodic device-update/telemetry events. One websocket connection is
// held at a time; loss triggers the configured server-list reconnect
// policy.
package signaling

import (
	"context"
	"encoding/json"
)

// Client is the interface consumed by the rest of the core. A single
// implementation (wsClient) backs it in production; tests substitute a
// fake.
type Client interface {
	// Emit sends a fire-and-forget event. Safe for concurrent use.
	Emit(event string, payload any) error

	// EmitWithAck sends an event and waits for the ack envelope until
	// ctx is done. Safe for concurrent use.
	EmitWithAck(ctx context.Context, event string, payload any) (Ack, error)

	// OnOffer, OnAnswer, OnIceCandidate, OnCommand return channels fed
	// by the connection's read loop, one per event kind so each
	// consumer can own its own goroutine.
	OnOffer() <-chan Offer
	OnAnswer() <-chan Answer
	OnIceCandidate() <-chan IceCandidate
	OnCommand() <-chan Command

	// Connected fires once per successful (re)connect, including the
	// first. Callers use it to (re)arm the device-update ticker after
	// every reconnect, per the reconnect policy.
	Connected() <-chan struct{}

	// Done closes once the connection loop has exited for good, either
	// because Close was called or because the configured server list
	// was exhausted. Callers distinguish the two with Err.
	Done() <-chan struct{}

	// Err returns the fatal error that ended the connection loop once
	// Done has closed, or nil if it closed via Close. The node treats a
	// non-nil Err as fatal and exits so an orchestrator can restart it.
	Err() error

	// Close tears down the connection and stops reconnect attempts.
	Close() error
}

// Ack is the decoded acknowledgement envelope for an EmitWithAck call.
type Ack struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Offer carries an inbound SDP offer naming the remote peer.
type Offer struct {
	Remote string `json:"remote"`
	SDP    string `json:"sdp"`
}

// Answer carries an inbound SDP answer naming the remote peer.
type Answer struct {
	Remote string `json:"remote"`
	SDP    string `json:"sdp"`
}

// IceCandidate carries an inbound trickled ICE candidate.
type IceCandidate struct {
	Remote    string `json:"remote"`
	Candidate string `json:"candidate"`
}

// Command carries an inbound delete/download command.
type Command struct {
	Delete   []string `json:"delete,omitempty"`
	Download []string `json:"download,omitempty"`
}

// envelope is the wire frame for every message in either direction:
// {"event": "...", "id": "...", "payload": ...}. id is present only on
// EmitWithAck requests and their corresponding ack frames.
type envelope struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ack     *Ack            `json:"ack,omitempty"`
}
