package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrServersExhausted is returned (and is fatal per spec) once every
// configured signaling server has failed a full backoff cycle without a
// successful connection.
var ErrServersExhausted = errors.New("signaling: all servers exhausted")

// ErrClosed is returned by Emit/EmitWithAck after Close.
var ErrClosed = errors.New("signaling: client closed")

const (
	ackTimeout    = 5 * time.Second
	dialTimeout   = 5 * time.Second
	sendChanSize  = 64
	recvChanSize  = 32
	perServerWait = 5 * time.Second
)

// SignInFunc performs the sign-in (or sign-up, if credentials are
// empty) handshake on a freshly dialed connection. It is supplied by
// the caller so this package stays ignorant of NodeInfo/credential
// persistence.
type SignInFunc func(ctx context.Context, c Client) error

// wsClient is the production Client backed by a gorilla/websocket
// connection to one of a list of signaling servers, with
// cenkalti/backoff-driven reconnection across the list.
//
// A single goroutine owns the live *websocket.Conn for writes — gorilla
// connections are not safe for concurrent writers — so every Emit and
// EmitWithAck funnels through sendCh, mirroring the one
// reader-goroutine/one event-loop split used by the peer session's
// runPeer loop.
type wsClient struct {
	servers []string
	signIn  SignInFunc
	logger  *slog.Logger

	sendCh chan sendRequest

	pendingMu sync.Mutex
	pending   map[string]chan Ack

	offerCh     chan Offer
	answerCh    chan Answer
	iceCh       chan IceCandidate
	commandCh   chan Command
	connectedCh chan struct{}

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
	fatalErr  atomic.Value // error, set before doneCh closes on server-list exhaustion
}

type sendRequest struct {
	env      envelope
	resultCh chan error
}

// NewClient starts a signaling client connected to the first reachable
// server in servers, retrying with backoff and advancing through the
// list as spec.md's reconnect policy prescribes. It returns once the
// first pass over the server list finishes: with the connected client,
// or with an error if no server could be reached and signed in to.
// Later reconnects happen in the background; callers observe them
// through Connected, and a final failure through Done and Err.
func NewClient(ctx context.Context, servers []string, signIn SignInFunc, logger *slog.Logger) (Client, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("signaling: %w", ErrServersExhausted)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &wsClient{
		servers:   servers,
		signIn:    signIn,
		logger:    logger.With(slog.String("component", "signaling")),
		sendCh:    make(chan sendRequest, sendChanSize),
		pending:   make(map[string]chan Ack),
		offerCh:     make(chan Offer, recvChanSize),
		answerCh:    make(chan Answer, recvChanSize),
		iceCh:       make(chan IceCandidate, recvChanSize),
		commandCh:   make(chan Command, recvChanSize),
		connectedCh: make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	conn, err := c.connectAny(ctx)
	if err != nil {
		close(c.doneCh)
		return nil, err
	}
	c.notifyConnected()

	go c.runConnection(ctx, conn)
	return c, nil
}

// notifyConnected signals Connected(), dropping the notification if a
// prior one hasn't been consumed yet — callers only need to know that a
// (re)connect happened, not how many.
func (c *wsClient) notifyConnected() {
	select {
	case c.connectedCh <- struct{}{}:
	default:
	}
}

// connectAny dials each server in order, applying a per-server backoff
// budget of perServerWait before advancing. It returns ErrServersExhausted
// once a full pass of the list has failed, which the caller treats as
// fatal per spec.md's exit-on-exhaustion policy.
func (c *wsClient) connectAny(ctx context.Context) (*websocket.Conn, error) {
	for i, server := range c.servers {
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 100), ctx)

		var conn *websocket.Conn
		op := func() error {
			dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			defer cancel()

			dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
			wsConn, _, dialErr := dialer.DialContext(dialCtx, server, http.Header{})
			if dialErr != nil {
				return dialErr
			}
			conn = wsConn
			return nil
		}

		deadline := time.Now().Add(perServerWait)
		budgetCtx, cancel := context.WithDeadline(ctx, deadline)
		err := backoff.Retry(op, backoff.WithContext(bo, budgetCtx))
		cancel()

		if err == nil {
			c.logger.Info("connected", slog.String("server", server))
			if signErr := c.signInOnConn(ctx, conn); signErr != nil {
				conn.Close() //nolint:errcheck // best-effort on failed handshake
				c.logger.Warn("sign-in failed", slog.String("server", server), slog.Any("error", signErr))
				continue
			}
			return conn, nil
		}

		c.logger.Warn("connect failed, advancing to next server",
			slog.String("server", server), slog.Int("index", i), slog.Any("error", err))
	}

	return nil, fmt.Errorf("tried %d servers: %w", len(c.servers), ErrServersExhausted)
}

// signInOnConn runs the caller-supplied SignInFunc against a connection
// that is not yet wired into the client's send/receive loops — it talks
// to the raw conn directly via a throwaway bootstrap client shim so the
// handshake can reuse the same Emit/EmitWithAck contract the core uses
// everywhere else.
func (c *wsClient) signInOnConn(ctx context.Context, conn *websocket.Conn) error {
	if c.signIn == nil {
		return nil
	}
	signInCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	boot := &bootstrapClient{conn: conn, pending: make(map[string]chan Ack)}
	go boot.readLoop()
	defer boot.stop()
	return c.signIn(signInCtx, boot)
}

// runConnection owns conn until it dies, then reconnects across the
// server list. It is the single writer for conn (draining sendCh) and
// delegates reading to a helper goroutine that only ever sends on
// recvCh-style channels — mirroring the teacher's Session.Run split
// between the owning goroutine and a callback-fed receive channel.
func (c *wsClient) runConnection(ctx context.Context, conn *websocket.Conn) {
	defer close(c.doneCh)

	for {
		readCh := make(chan envelope, recvChanSize)
		connDone := make(chan struct{})
		go c.readLoop(conn, readCh, connDone)

		c.writeLoop(ctx, conn, readCh, connDone)

		select {
		case <-c.closeCh:
			conn.Close() //nolint:errcheck // shutting down
			return
		case <-ctx.Done():
			conn.Close() //nolint:errcheck // context canceled
			return
		default:
		}

		conn.Close() //nolint:errcheck // reconnecting
		next, err := c.connectAny(ctx)
		if err != nil {
			c.logger.Error("signaling servers exhausted", slog.Any("error", err))
			c.fatalErr.Store(err)
			return
		}
		c.notifyConnected()
		conn = next
	}
}

// writeLoop drains sendCh onto conn and dispatches inbound frames read
// from readCh until the connection dies or the client is closed.
func (c *wsClient) writeLoop(ctx context.Context, conn *websocket.Conn, readCh <-chan envelope, connDone <-chan struct{}) {
	for {
		select {
		case <-c.closeCh:
			return
		case <-ctx.Done():
			return
		case <-connDone:
			return
		case req := <-c.sendCh:
			data, err := json.Marshal(req.env)
			if err != nil {
				req.resultCh <- fmt.Errorf("marshal envelope: %w", err)
				continue
			}
			req.resultCh <- conn.WriteMessage(websocket.TextMessage, data)
		case env := <-readCh:
			c.dispatch(env)
		}
	}
}

// readLoop reads frames off conn and forwards them to readCh until the
// connection errors, at which point it closes connDone so writeLoop
// knows to fall back to reconnecting.
func (c *wsClient) readLoop(conn *websocket.Conn, readCh chan<- envelope, connDone chan<- struct{}) {
	defer close(connDone)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed signaling frame", slog.Any("error", err))
			continue
		}
		readCh <- env
	}
}

// dispatch routes a decoded inbound envelope to its ack waiter or
// subscription channel.
func (c *wsClient) dispatch(env envelope) {
	if env.Ack != nil && env.ID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- *env.Ack
		}
		return
	}

	switch env.Event {
	case "offer":
		var o Offer
		if err := json.Unmarshal(env.Payload, &o); err == nil {
			c.trySend(c.offerCh, o)
		}
	case "answer":
		var a Answer
		if err := json.Unmarshal(env.Payload, &a); err == nil {
			c.trySend(c.answerCh, a)
		}
	case "ice_candidate":
		var ic IceCandidate
		if err := json.Unmarshal(env.Payload, &ic); err == nil {
			c.trySend(c.iceCh, ic)
		}
	case "command":
		var cmd Command
		if err := json.Unmarshal(env.Payload, &cmd); err == nil {
			c.trySend(c.commandCh, cmd)
		}
	default:
		c.logger.Debug("unhandled signaling event", slog.String("event", env.Event))
	}
}

func (c *wsClient) trySend(ch any, v any) {
	switch typed := ch.(type) {
	case chan Offer:
		select {
		case typed <- v.(Offer):
		default:
		}
	case chan Answer:
		select {
		case typed <- v.(Answer):
		default:
		}
	case chan IceCandidate:
		select {
		case typed <- v.(IceCandidate):
		default:
		}
	case chan Command:
		select {
		case typed <- v.(Command):
		default:
		}
	}
}

// Emit implements Client.
func (c *wsClient) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", event, err)
	}
	resultCh := make(chan error, 1)
	select {
	case c.sendCh <- sendRequest{env: envelope{Event: event, Payload: data}, resultCh: resultCh}:
	case <-c.doneCh:
		return ErrClosed
	}
	select {
	case err := <-resultCh:
		return err
	case <-c.doneCh:
		return ErrClosed
	}
}

// EmitWithAck implements Client.
func (c *wsClient) EmitWithAck(ctx context.Context, event string, payload any) (Ack, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Ack{}, fmt.Errorf("marshal payload for %s: %w", event, err)
	}

	id := uuid.NewString()
	ackCh := make(chan Ack, 1)
	c.pendingMu.Lock()
	c.pending[id] = ackCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	resultCh := make(chan error, 1)
	select {
	case c.sendCh <- sendRequest{env: envelope{Event: event, ID: id, Payload: data}, resultCh: resultCh}:
	case <-c.doneCh:
		return Ack{}, ErrClosed
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}

	select {
	case err := <-resultCh:
		if err != nil {
			return Ack{}, err
		}
	case <-c.doneCh:
		return Ack{}, ErrClosed
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}

	select {
	case ack := <-ackCh:
		return ack, nil
	case <-c.doneCh:
		return Ack{}, ErrClosed
	case <-ctx.Done():
		return Ack{}, fmt.Errorf("waiting for ack to %s: %w", event, ctx.Err())
	}
}

func (c *wsClient) OnOffer() <-chan Offer               { return c.offerCh }
func (c *wsClient) OnAnswer() <-chan Answer             { return c.answerCh }
func (c *wsClient) OnIceCandidate() <-chan IceCandidate { return c.iceCh }
func (c *wsClient) OnCommand() <-chan Command           { return c.commandCh }
func (c *wsClient) Connected() <-chan struct{}          { return c.connectedCh }
func (c *wsClient) Done() <-chan struct{}               { return c.doneCh }

// Err implements Client.
func (c *wsClient) Err() error {
	v := c.fatalErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// Close implements Client.
func (c *wsClient) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}
