// Package claudeapi implements a Provider backed by the real Anthropic
// Messages API via github.com/anthropics/anthropic-sdk-go. It generalizes
// the teacher's single-shot AnthropicProvider.Complete (streaming
// request/response over a channel) into the long-lived session contract:
// CreateSession starts a session record, SendPrompt spawns a goroutine that
// drives one streaming Messages.NewStreaming call and drains its SSE events
// into the session's outbox, and PollOutput/GetSession observe the result
// without blocking. Retry-with-backoff and model metadata follow
// internal/agent/providers/anthropic.go.
package claudeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"

	"github.com/haasonsaas/csr/internal/provider"
)

// Config configures the Claude-backed provider. APIKey is required; the
// rest default the same way the teacher's AnthropicConfig does.
type Config struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "claude-sonnet-4-20250514"
	}
	return c
}

type record struct {
	state   provider.State
	request *provider.AnnotatedRequest
	outbox  []provider.Chunk
	log     []provider.ToolLogEntry
	cancel  context.CancelFunc
}

// Provider is a concrete Provider that drives the Anthropic Messages API.
type Provider struct {
	client anthropic.Client
	cfg    Config

	mu      sync.RWMutex
	records map[string]*record
}

// New constructs a Provider, validating and defaulting cfg the same way
// the teacher's NewAnthropicProvider does.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("claudeapi: API key is required")
	}
	cfg = cfg.withDefaults()

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:  anthropic.NewClient(opts...),
		cfg:     cfg,
		records: make(map[string]*record),
	}, nil
}

func (p *Provider) ID() string { return "claude-api" }

func (p *Provider) Info() provider.Info {
	return provider.Info{ID: p.ID(), Name: "Anthropic Claude"}
}

// Models lists the current generation of Claude models, mirroring the
// teacher's hardcoded catalog (context window and vision support are
// uniform across these models so only ID/Name/ContextSize are surfaced
// through the provider contract).
func (p *Provider) Models() []provider.Model {
	return []provider.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextSize: 200000},
		{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus", ContextSize: 200000},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextSize: 200000},
	}
}

func (p *Provider) SupportsModel(model string) bool {
	for _, m := range p.Models() {
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

// SendPrompt starts (or continues) the session's conversation. It spawns a
// goroutine that issues one Messages.NewStreaming call with retry and
// exponential backoff, draining SSE events into the session's outbox.
func (p *Provider) SendPrompt(id string, text string) error {
	p.mu.Lock()
	r, ok := p.records[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("claudeapi: unknown session %s", id)
	}
	req := r.request
	r.state = provider.State{Kind: provider.StateWorking}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	p.mu.Unlock()

	go p.drive(ctx, id, req, text)
	return nil
}

func (p *Provider) getModel(model string) string {
	if model == "" {
		return p.cfg.DefaultModel
	}
	return model
}

// drive issues the streaming request and converts SSE events into chunks,
// retrying the whole request with exponential backoff on transient stream
// failures the same way the teacher's Complete retries createStream.
func (p *Provider) drive(ctx context.Context, id string, req *provider.AnnotatedRequest, text string) {
	model := p.getModel(req.Model)

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		stream, err := p.createStream(ctx, req, text, model)
		if err != nil {
			p.fail(id, err)
			return
		}
		done, streamErr := p.processStream(id, stream, model)
		err = streamErr
		if done {
			return
		}
		if err == nil || !isRetryable(err) {
			p.fail(id, fmt.Errorf("claudeapi: %w", err))
			return
		}
		if attempt == p.cfg.MaxRetries {
			p.fail(id, fmt.Errorf("claudeapi: max retries exceeded: %w", err))
			return
		}
		backoff := p.cfg.RetryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			p.fail(id, ctx.Err())
			return
		case <-time.After(backoff):
		}
	}
}

func (p *Provider) createStream(ctx context.Context, req *provider.AnnotatedRequest, text string, model string) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	params := anthropic.MessageNewParams{
		Model: anthropic.Model(model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
		MaxTokens: int64(defaultMaxTokens(req.MaxContextTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("claudeapi: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

func defaultMaxTokens(contextTokens int) int {
	if contextTokens > 0 && contextTokens < 4096 {
		return contextTokens
	}
	return 4096
}

// convertTools mirrors the teacher's convertTools: round-trip the
// descriptor through JSON into Anthropic's schema param shape, then attach
// the tool name via ToolUnionParamOfTool.
func convertTools(tools []provider.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		raw, err := json.Marshal(t.Descriptor)
		if err != nil {
			return nil, fmt.Errorf("invalid tool descriptor for %s: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		out = append(out, anthropic.ToolUnionParamOfTool(schema, t.Name))
	}
	return out, nil
}

// processStream converts Anthropic's SSE event types into session chunks,
// following the teacher's processStream event switch (message_start for
// input tokens, content_block_start/delta/stop for text and tool_use
// accumulation, message_delta for output tokens, message_stop to finish).
// It returns done=true once message_stop or a clean end-of-stream without
// error has moved the session to Complete; otherwise it returns the
// observed error for drive to retry or fail on.
func (p *Provider) processStream(id string, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], model string) (done bool, err error) {
	var responseText strings.Builder
	var currentToolUseID, currentToolName string
	var currentToolInput strings.Builder
	inToolUse := false
	var usage provider.Usage

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			usage.InputTokens = ms.Message.Usage.InputTokens
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				currentToolUseID, currentToolName = tu.ID, tu.Name
				currentToolInput.Reset()
				inToolUse = true
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					responseText.WriteString(delta.Text)
					p.push(id, provider.Chunk{SessionID: id, Kind: provider.ChunkText, TextDelta: delta.Text})
				}
			case "input_json_delta":
				currentToolInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if inToolUse {
				p.push(id, provider.Chunk{SessionID: id, Kind: provider.ChunkToolStart, Tool: &provider.ToolEnvelope{Name: currentToolName, Params: currentToolInput.String()}})
				p.appendLog(id, provider.ToolLogEntry{ToolUseID: currentToolUseID, ToolName: currentToolName, Input: currentToolInput.String(), At: time.Now()})
				inToolUse = false
			}
		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = md.Usage.OutputTokens
			}
		case "message_stop":
			p.complete(id, responseText.String(), usage)
			return true, nil
		case "error":
			return false, fmt.Errorf("stream error event for model %s", model)
		}
	}
	if streamErr := stream.Err(); streamErr != nil {
		return false, streamErr
	}
	p.complete(id, responseText.String(), usage)
	return true, nil
}

func (p *Provider) complete(id, response string, usage provider.Usage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return
	}
	r.state = provider.State{
		Kind:         provider.StateComplete,
		Response:     response,
		LastResponse: response,
		Usage:        usage,
	}
	r.outbox = append(r.outbox, provider.Chunk{SessionID: id, Kind: provider.ChunkDone, Usage: &usage})
}

func (p *Provider) push(id string, c provider.Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.records[id]; ok {
		r.outbox = append(r.outbox, c)
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

// isRetryable treats rate-limit and server errors as transient, the same
// class the teacher's isRetryableError distinguishes.
func isRetryable(err error) bool {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == 429 || apierr.StatusCode >= 500
	}
	return false
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

// ApproveTool returns nil for a known session and an error for an unknown
// one. This provider never enters PendingApproval: streamed tool-use
// blocks are logged and emitted as ToolStart chunks, not executed.
func (p *Provider) ApproveTool(id string, approved bool) error {
	p.mu.RLock()
	_, ok := p.records[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("claudeapi: unknown session %s", id)
	}
	return nil
}

func (p *Provider) ForkSession(id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return "", fmt.Errorf("claudeapi: unknown session %s", id)
	}
	newID := uuid.NewString()
	p.records[newID] = &record{
		state:   provider.State{Kind: provider.StateReady},
		request: r.request,
	}
	return newID, nil
}

func (p *Provider) Stop(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return fmt.Errorf("claudeapi: unknown session %s", id)
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.state = provider.State{Kind: provider.StateFailed, FailError: "stopped", FailedAt: time.Now()}
	return nil
}

func (p *Provider) Pause(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return fmt.Errorf("claudeapi: unknown session %s", id)
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.state = provider.State{Kind: provider.StateIdle, LastResponse: r.state.LastResponse}
	return nil
}

func (p *Provider) Resume(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return fmt.Errorf("claudeapi: unknown session %s", id)
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

// PendingTool is always empty: this provider does not pause mid-stream for
// approval, it logs tool use as it streams.
func (p *Provider) PendingTool(id string) (*provider.PendingToolInfo, bool) {
	return nil, false
}
