// Package memoryprov implements a concrete, fully in-process Provider used
// to back the "local" provider kind and to exercise the runtime in tests
// without a live model backend. Its map-of-records-under-a-single-RWMutex
// shape, with defensive cloning on read, follows the teacher's
// internal/sessions/memory.go MemoryStore.
package memoryprov

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/csr/internal/provider"
)

type record struct {
	state    provider.State
	request  *provider.AnnotatedRequest
	outbox   []provider.Chunk
	log      []provider.ToolLogEntry
	pending  *provider.PendingToolInfo
	parentOf string
}

// Provider is a deterministic, scriptable in-process provider: on
// CreateSession it immediately moves Creating -> Ready, and on SendPrompt
// it synthesizes a canned response and enqueues Text/Done chunks, moving
// straight to Complete. Tests that need PendingApproval or multi-chunk
// streams script it via Script.
type Provider struct {
	mu      sync.RWMutex
	records map[string]*record
	models  []provider.Model

	// Script, if set, is called instead of the default canned-response
	// behavior when a prompt is sent; it lets tests drive specific
	// session trajectories (tool calls, approvals, failures).
	Script func(p *Provider, id string, text string)

	name string
}

func New(name string, models []provider.Model) *Provider {
	return &Provider{
		records: make(map[string]*record),
		models:  models,
		name:    name,
	}
}

func (p *Provider) ID() string { return p.name }

func (p *Provider) Info() provider.Info {
	return provider.Info{ID: p.name, Name: p.name}
}

func (p *Provider) Models() []provider.Model {
	out := make([]provider.Model, len(p.models))
	copy(out, p.models)
	return out
}

func (p *Provider) SupportsModel(model string) bool {
	for _, m := range p.models {
		if m.ID == model {
			return true
		}
	}
	return false
}

func (p *Provider) IsAvailable() provider.Health {
	return provider.Health{Status: "available"}
}

func (p *Provider) CreateSession(req *provider.AnnotatedRequest) (string, error) {
	id := uuid.NewString()
	p.mu.Lock()
	p.records[id] = &record{
		state:   provider.State{Kind: provider.StateCreating},
		request: req,
	}
	p.mu.Unlock()

	// Advance to Ready promptly without caller action, per the contract.
	p.mu.Lock()
	p.records[id].state = provider.State{Kind: provider.StateReady}
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

func (p *Provider) SendPrompt(id string, text string) error {
	p.mu.Lock()
	r, ok := p.records[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("memoryprov: unknown session %s", id)
	}
	r.state = provider.State{Kind: provider.StateWorking}
	p.mu.Unlock()

	if p.Script != nil {
		p.Script(p, id, text)
		return nil
	}

	response := "ack: " + text
	usage := provider.Usage{InputTokens: int64(len(text)), OutputTokens: int64(len(response))}
	p.mu.Lock()
	r.outbox = append(r.outbox,
		provider.Chunk{SessionID: id, Kind: provider.ChunkText, TextDelta: response},
		provider.Chunk{SessionID: id, Kind: provider.ChunkDone, Usage: &usage},
	)
	r.state = provider.State{
		Kind:         provider.StateComplete,
		Response:     response,
		LastResponse: response,
		Usage:        usage,
		CostMicro:    0,
	}
	p.mu.Unlock()
	return nil
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
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return fmt.Errorf("memoryprov: unknown session %s", id)
	}
	if r.state.Kind != provider.StatePendingApproval {
		return fmt.Errorf("memoryprov: no pending approval for session %s", id)
	}
	if approved {
		r.state = provider.State{Kind: provider.StateWorking}
	} else {
		r.state = provider.State{Kind: provider.StateFailed, FailError: "tool denied", FailedAt: time.Now()}
		r.outbox = append(r.outbox, provider.Chunk{SessionID: id, Kind: provider.ChunkError})
	}
	r.pending = nil
	return nil
}

func (p *Provider) ForkSession(id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return "", fmt.Errorf("memoryprov: unknown session %s", id)
	}
	newID := uuid.NewString()
	p.records[newID] = &record{
		state:    provider.State{Kind: provider.StateReady},
		request:  r.request,
		parentOf: id,
	}
	return newID, nil
}

func (p *Provider) Stop(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return fmt.Errorf("memoryprov: unknown session %s", id)
	}
	r.state = provider.State{Kind: provider.StateFailed, FailError: "stopped", FailedAt: time.Now()}
	return nil
}

func (p *Provider) Pause(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return fmt.Errorf("memoryprov: unknown session %s", id)
	}
	r.state = provider.State{Kind: provider.StateIdle, LastResponse: r.state.LastResponse}
	return nil
}

func (p *Provider) Resume(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return fmt.Errorf("memoryprov: unknown session %s", id)
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
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.records[id]
	if !ok || r.pending == nil {
		return nil, false
	}
	pt := *r.pending
	return &pt, true
}

// RequestApproval is a test/script hook that moves a session into
// PendingApproval with the given tool info.
func (p *Provider) RequestApproval(id, toolName string, input any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return
	}
	now := time.Now()
	r.state = provider.State{Kind: provider.StatePendingApproval, PendingTool: toolName, PendingParams: input, PendingSince: now}
	r.pending = &provider.PendingToolInfo{ToolUseID: uuid.NewString(), ToolName: toolName, Input: input, Since: now}
}

// CompleteWithCost is a test/script hook that moves a session straight to
// Complete with a specific reported cost, for exercising budget reconcile.
func (p *Provider) CompleteWithCost(id, response string, costMicro int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return
	}
	r.state = provider.State{Kind: provider.StateComplete, Response: response, LastResponse: response, CostMicro: costMicro}
	r.outbox = append(r.outbox, provider.Chunk{SessionID: id, Kind: provider.ChunkDone})
}

// SessionsForTest returns a snapshot of live session ids, for tests that
// need to discover the id CreateSession assigned internally.
func (p *Provider) SessionsForTest() map[string]struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]struct{}, len(p.records))
	for id := range p.records {
		out[id] = struct{}{}
	}
	return out
}

// FailSession is a test/script hook that moves a session straight to Failed.
func (p *Provider) FailSession(id, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return
	}
	r.state = provider.State{Kind: provider.StateFailed, FailError: reason, FailedAt: time.Now()}
	r.outbox = append(r.outbox, provider.Chunk{SessionID: id, Kind: provider.ChunkError})
}
