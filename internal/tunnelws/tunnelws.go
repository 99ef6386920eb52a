// Package tunnelws implements the tunnel-backed Provider: a session whose
// prompt/response traffic is carried over a WebSocket connection dialed to
// a tunnel.Endpoint's relay URL rather than a direct cloud API call. The
// connect/send work runs on a background goroutine per session, following
// the teacher's ws_control_plane.go connection-loop shape (upgrader-side
// there; here the dial side), and effects surface through GetSession/
// PollOutput rather than a blocking call, per the Provider contract.
package tunnelws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/csr/internal/provider"
	"github.com/haasonsaas/csr/internal/tunnel"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 45 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// frame is the wire message exchanged with the relay: a prompt request or
// a streamed chunk response, tagged by Type.
type frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text,omitempty"`
	Delta     string `json:"delta,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	ToolInput any    `json:"toolInput,omitempty"`
	Error     string `json:"error,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

type record struct {
	state   provider.State
	request *provider.AnnotatedRequest
	outbox  []provider.Chunk
	log     []provider.ToolLogEntry
	conn    *websocket.Conn
	closed  bool
}

// Dialer abstracts websocket.DefaultDialer so tests can substitute a local
// server without a real network dependency beyond httptest.
type Dialer interface {
	Dial(url string, header http.Header) (*websocket.Conn, *http.Response, error)
}

// Provider is a Provider whose sessions are backed by a live WebSocket
// connection to a tunnel.Endpoint, looked up through the shared
// tunnel.Store so the auth check stays centralized there. The endpoint's
// RateLimitRPS is not enforced.
type Provider struct {
	endpoints *tunnel.Store
	dialer    Dialer

	mu      sync.RWMutex
	records map[string]*record
}

func New(endpoints *tunnel.Store, dialer Dialer) *Provider {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Provider{
		endpoints: endpoints,
		dialer:    dialer,
		records:   make(map[string]*record),
	}
}

func (p *Provider) ID() string { return "tunnel" }

func (p *Provider) Info() provider.Info {
	return provider.Info{ID: p.ID(), Name: "WebSocket Tunnel"}
}

// Models reports no static catalog: a tunnel endpoint's available models
// are whatever the relay on the other end advertises, not known locally.
func (p *Provider) Models() []provider.Model { return nil }

func (p *Provider) SupportsModel(model string) bool { return true }

func (p *Provider) IsAvailable() provider.Health {
	return provider.Health{Status: "available"}
}

func (p *Provider) CreateSession(req *provider.AnnotatedRequest) (string, error) {
	if req.TunnelEndpointID == "" {
		return "", fmt.Errorf("tunnelws: request has no tunnel endpoint")
	}
	if !p.endpoints.IsAuthorized(req.TunnelEndpointID) {
		return "", fmt.Errorf("tunnelws: endpoint %s is not authorized", req.TunnelEndpointID)
	}

	id := uuid.NewString()
	p.mu.Lock()
	p.records[id] = &record{
		state:   provider.State{Kind: provider.StateReady},
		request: req,
	}
	p.mu.Unlock()
	return id, nil
}

func (p *Provider) GetSession(id string) (*provider.State, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.records[id]
	if !ok {
		return nil, false
	}
	s := r.state
	return &s, true
}

// SendPrompt marks the session Working and returns; a background goroutine
// dials the tunnel endpoint (reusing an already-open connection if one
// exists for this session) and writes a prompt frame. A new connection
// also gets a background reader that drains response frames into the
// outbox until a Done or Error frame arrives. Dial and write failures
// surface as a Failed state and an Error chunk.
func (p *Provider) SendPrompt(id string, text string) error {
	p.mu.Lock()
	r, ok := p.records[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("tunnelws: unknown session %s", id)
	}
	req := r.request
	conn := r.conn
	r.state = provider.State{Kind: provider.StateWorking}
	p.mu.Unlock()

	go func() {
		if conn == nil {
			endpointURL, header, err := p.dialParams(req.TunnelEndpointID)
			if err != nil {
				p.fail(id, err)
				return
			}
			conn, _, err = p.dialer.Dial(endpointURL, header)
			if err != nil {
				p.fail(id, fmt.Errorf("tunnelws: dial failed: %w", err))
				return
			}
			p.mu.Lock()
			r.conn = conn
			p.mu.Unlock()
			go p.readLoop(id, conn)
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		payload, _ := json.Marshal(frame{Type: "prompt", SessionID: id, Text: text})
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			p.fail(id, fmt.Errorf("tunnelws: write failed: %w", err))
		}
	}()
	return nil
}

func (p *Provider) dialParams(endpointID string) (string, http.Header, error) {
	ep, ok := p.endpoints.Endpoint(endpointID)
	if !ok {
		return "", nil, fmt.Errorf("tunnelws: unknown endpoint %s", endpointID)
	}
	if !p.endpoints.IsAuthorized(endpointID) {
		return "", nil, fmt.Errorf("tunnelws: endpoint %s not authorized", endpointID)
	}
	return ep.URL, http.Header{}, nil
}

// readLoop drains frames from the relay connection into the session's
// outbox until the connection closes or a Done/Error frame arrives,
// mirroring the teacher's per-connection read pump in ws_control_plane.go.
func (p *Provider) readLoop(id string, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			p.fail(id, fmt.Errorf("tunnelws: connection closed: %w", err))
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		switch f.Type {
		case "delta":
			p.push(id, provider.Chunk{SessionID: id, Kind: provider.ChunkText, TextDelta: f.Delta})
		case "tool":
			p.push(id, provider.Chunk{SessionID: id, Kind: provider.ChunkToolStart, Tool: &provider.ToolEnvelope{Name: f.ToolName, Params: f.ToolInput}})
			p.appendLog(id, provider.ToolLogEntry{ToolName: f.ToolName, Input: f.ToolInput, At: time.Now()})
		case "done":
			p.complete(id)
			return
		case "error":
			p.fail(id, fmt.Errorf("tunnelws: relay error: %s", f.Error))
			return
		}
	}
}

func (p *Provider) complete(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return
	}
	r.state = provider.State{Kind: provider.StateComplete, Response: r.state.LastResponse}
	r.outbox = append(r.outbox, provider.Chunk{SessionID: id, Kind: provider.ChunkDone})
}

func (p *Provider) push(id string, c provider.Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.records[id]; ok {
		r.outbox = append(r.outbox, c)
		if c.Kind == provider.ChunkText {
			r.state.LastResponse += c.TextDelta
		}
	}
}

func (p *Provider) appendLog(id string, entry provider.ToolLogEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.records[id]; ok {
		r.log = append(r.log, entry)
	}
}

func (p *Provider) fail(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return
	}
	r.state = provider.State{Kind: provider.StateFailed, FailError: err.Error(), FailedAt: time.Now()}
	r.outbox = append(r.outbox, provider.Chunk{SessionID: id, Kind: provider.ChunkError})
}

func (p *Provider) PollOutput(id string) (*provider.Chunk, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok || len(r.outbox) == 0 {
		return nil, false
	}
	c := r.outbox[0]
	r.outbox = r.outbox[1:]
	return &c, true
}

func (p *Provider) ApproveTool(id string, approved bool) error {
	p.mu.RLock()
	_, ok := p.records[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tunnelws: unknown session %s", id)
	}
	return nil
}

func (p *Provider) ForkSession(id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return "", fmt.Errorf("tunnelws: unknown session %s", id)
	}
	newID := uuid.NewString()
	p.records[newID] = &record{state: provider.State{Kind: provider.StateReady}, request: r.request}
	return newID, nil
}

func (p *Provider) Stop(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return fmt.Errorf("tunnelws: unknown session %s", id)
	}
	if r.conn != nil && !r.closed {
		r.conn.Close()
		r.closed = true
	}
	r.state = provider.State{Kind: provider.StateFailed, FailError: "stopped", FailedAt: time.Now()}
	return nil
}

func (p *Provider) Pause(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return fmt.Errorf("tunnelws: unknown session %s", id)
	}
	r.state = provider.State{Kind: provider.StateIdle, LastResponse: r.state.LastResponse}
	return nil
}

func (p *Provider) Resume(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return fmt.Errorf("tunnelws: unknown session %s", id)
	}
	if r.state.Kind == provider.StateIdle {
		r.state = provider.State{Kind: provider.StateReady}
	}
	return nil
}

func (p *Provider) ToolLog(id string) []provider.ToolLogEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.records[id]
	if !ok {
		return nil
	}
	out := make([]provider.ToolLogEntry, len(r.log))
	copy(out, r.log)
	return out
}

func (p *Provider) PendingTool(id string) (*provider.PendingToolInfo, bool) {
	return nil, false
}
