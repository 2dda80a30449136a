package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// bootstrapClient implements Client against a raw connection that has
// not yet been handed off to wsClient's steady-state read/write loops.
// It exists only for the duration of SignInFunc: sign_up/sign_in are
// the sole events exchanged before the connection is wired in, so a
// minimal single-purpose implementation avoids standing up the full
// send-channel machinery twice.
type bootstrapClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Ack

	stopOnce sync.Once
	stopCh   chan struct{}
}

func (b *bootstrapClient) readLoop() {
	if b.stopCh == nil {
		b.stopCh = make(chan struct{})
	}
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Ack == nil || env.ID == "" {
			continue
		}
		b.pendingMu.Lock()
		ch, ok := b.pending[env.ID]
		if ok {
			delete(b.pending, env.ID)
		}
		b.pendingMu.Unlock()
		if ok {
			ch <- *env.Ack
		}
	}
}

func (b *bootstrapClient) stop() {
	b.stopOnce.Do(func() {
		if b.stopCh != nil {
			close(b.stopCh)
		}
	})
}

func (b *bootstrapClient) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", event, err)
	}
	frame, err := json.Marshal(envelope{Event: event, Payload: data})
	if err != nil {
		return fmt.Errorf("marshal envelope for %s: %w", event, err)
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteMessage(websocket.TextMessage, frame)
}

func (b *bootstrapClient) EmitWithAck(ctx context.Context, event string, payload any) (Ack, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Ack{}, fmt.Errorf("marshal payload for %s: %w", event, err)
	}

	id := uuid.NewString()
	ackCh := make(chan Ack, 1)
	b.pendingMu.Lock()
	b.pending[id] = ackCh
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	frame, err := json.Marshal(envelope{Event: event, ID: id, Payload: data})
	if err != nil {
		return Ack{}, fmt.Errorf("marshal envelope for %s: %w", event, err)
	}

	b.writeMu.Lock()
	writeErr := b.conn.WriteMessage(websocket.TextMessage, frame)
	b.writeMu.Unlock()
	if writeErr != nil {
		return Ack{}, writeErr
	}

	select {
	case ack := <-ackCh:
		return ack, nil
	case <-ctx.Done():
		return Ack{}, fmt.Errorf("waiting for ack to %s: %w", event, ctx.Err())
	}
}

func (b *bootstrapClient) OnOffer() <-chan Offer               { return nil }
func (b *bootstrapClient) OnAnswer() <-chan Answer             { return nil }
func (b *bootstrapClient) OnIceCandidate() <-chan IceCandidate { return nil }
func (b *bootstrapClient) OnCommand() <-chan Command           { return nil }
func (b *bootstrapClient) Connected() <-chan struct{}          { return nil }
func (b *bootstrapClient) Done() <-chan struct{}               { return nil }
func (b *bootstrapClient) Err() error                          { return nil }

func (b *bootstrapClient) Close() error { return nil }
