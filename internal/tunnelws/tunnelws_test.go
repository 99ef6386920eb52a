package tunnelws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/csr/internal/provider"
	"github.com/haasonsaas/csr/internal/tunnel"
)

// newRelay starts a fake relay server that echoes one delta frame and a
// done frame in response to any prompt frame, mirroring the teacher's
// upgrader-side ws_control_plane.go pattern but as a minimal test double.
func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(raw, &f) != nil || f.Type != "prompt" {
				continue
			}
			delta, _ := json.Marshal(frame{Type: "delta", Delta: "hi " + f.Text})
			conn.WriteMessage(websocket.TextMessage, delta)
			done, _ := json.Marshal(frame{Type: "done"})
			conn.WriteMessage(websocket.TextMessage, done)
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestCreateSessionRequiresAuthorizedEndpoint(t *testing.T) {
	store := tunnel.New(nil, nil, time.Minute)
	store.Register(tunnel.Endpoint{ID: "ep1", Auth: tunnel.AuthNone})
	p := New(store, nil)

	if _, err := p.CreateSession(&provider.AnnotatedRequest{TunnelEndpointID: ""}); err == nil {
		t.Fatal("expected error for missing tunnel endpoint")
	}
	// ep1 is registered but never authorized via challenge/response.
	if _, err := p.CreateSession(&provider.AnnotatedRequest{TunnelEndpointID: "ep1"}); err == nil {
		t.Fatal("expected error for unauthorized endpoint")
	}
}

func authorize(t *testing.T, store *tunnel.Store, endpointID string) {
	t.Helper()
	challenge, err := store.Challenge(endpointID)
	if err != nil {
		t.Fatalf("unexpected error issuing challenge: %v", err)
	}
	if err := store.SubmitResponse(tunnel.Response{EndpointID: endpointID, Nonce: challenge.Nonce}); err != nil {
		t.Fatalf("unexpected error submitting response: %v", err)
	}
}

func TestSendPromptDialsRelayAndStreamsToDone(t *testing.T) {
	relay := newRelay(t)
	defer relay.Close()

	store := tunnel.New(nil, nil, time.Minute)
	store.Register(tunnel.Endpoint{ID: "ep1", Auth: tunnel.AuthNone, URL: wsURL(relay.URL)})
	authorize(t, store, "ep1")

	p := New(store, nil)
	id, err := p.CreateSession(&provider.AnnotatedRequest{TunnelEndpointID: "ep1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.SendPrompt(id, "there"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var full string
	done := false
	for time.Now().Before(deadline) && !done {
		c, ok := p.PollOutput(id)
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if c.Kind == provider.ChunkText {
			full += c.TextDelta
		}
		if c.Kind == provider.ChunkDone {
			done = true
		}
	}
	if !done {
		t.Fatal("stream never reached Done")
	}
	if full != "hi there" {
		t.Fatalf("got %q, want %q", full, "hi there")
	}
	state, ok := p.GetSession(id)
	if !ok || state.Kind != provider.StateComplete {
		t.Fatalf("got state %+v, want Complete", state)
	}
}

func TestCreateSessionRejectsUnknownEndpoint(t *testing.T) {
	store := tunnel.New(nil, nil, time.Minute)
	p := New(store, nil)
	id, err := p.CreateSession(&provider.AnnotatedRequest{TunnelEndpointID: "missing"})
	if err == nil {
		t.Fatalf("expected CreateSession to reject unregistered endpoint, got id %s", id)
	}
}
