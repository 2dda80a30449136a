package signaling_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fragmesh/storage-node/internal/signaling"
)

// fakeServer is a minimal signaling-service double: it upgrades the
// connection, acks every sign_in/sign_up with success, echoes back an
// offer event once asked to, and acks every other EmitWithAck call.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Event   string          `json:"event"`
				ID      string          `json:"id"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}

			if env.ID != "" {
				ack, _ := json.Marshal(struct {
					ID  string `json:"id"`
					Ack struct {
						Success bool `json:"success"`
					} `json:"ack"`
				}{ID: env.ID, Ack: struct {
					Success bool `json:"success"`
				}{Success: true}})
				if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
					return
				}
			}

			if env.Event == "trigger-offer" {
				frame, _ := json.Marshal(struct {
					Event   string          `json:"event"`
					Payload json.RawMessage `json:"payload"`
				}{Event: "offer", Payload: json.RawMessage(`{"remote":"peer-1","sdp":"v=0..."}`)})
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestEmitWithAckSucceeds(t *testing.T) {
	t.Parallel()

	srv := fakeServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := signaling.NewClient(ctx, []string{wsURL(srv.URL)}, nil, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Close()

	ack, err := client.EmitWithAck(ctx, "sign_in", map[string]string{"id": "node-1"})
	if err != nil {
		t.Fatalf("EmitWithAck() error = %v", err)
	}
	if !ack.Success {
		t.Errorf("ack.Success = false, want true")
	}
}

func TestOnOfferReceivesDispatchedEvent(t *testing.T) {
	t.Parallel()

	srv := fakeServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := signaling.NewClient(ctx, []string{wsURL(srv.URL)}, nil, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Close()

	if err := client.Emit("trigger-offer", map[string]string{}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	select {
	case offer := <-client.OnOffer():
		if offer.Remote != "peer-1" {
			t.Errorf("offer.Remote = %s, want peer-1", offer.Remote)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for offer")
	}
}

func TestNewClientNoServersFails(t *testing.T) {
	t.Parallel()

	_, err := signaling.NewClient(context.Background(), nil, nil, nil)
	if err == nil {
		t.Fatal("NewClient() error = nil, want ErrServersExhausted")
	}
}

func TestDoneFiresFatallyOnServerListExhaustion(t *testing.T) {
	t.Parallel()

	srv := fakeServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := signaling.NewClient(ctx, []string{wsURL(srv.URL)}, nil, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Close()

	select {
	case <-client.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial Connected()")
	}

	srv.Close()

	select {
	case <-client.Done():
		if err := client.Err(); err == nil {
			t.Fatal("Err() = nil after server-list exhaustion, want non-nil")
		}
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for Done() after server list exhaustion")
	}
}

func TestConnectedFiresOnFirstConnect(t *testing.T) {
	t.Parallel()

	srv := fakeServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := signaling.NewClient(ctx, []string{wsURL(srv.URL)}, nil, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Close()

	select {
	case <-client.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connected()")
	}
}
