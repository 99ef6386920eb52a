// Package bedrock implements a Provider backed by AWS Bedrock's Converse
// streaming API (github.com/aws/aws-sdk-go-v2/service/bedrockruntime),
// generalizing the teacher's single-shot BedrockProvider.Complete
// (internal/agent/providers/bedrock.go) into the long-lived session
// contract the same way internal/provider/claudeapi adapts the Anthropic
// provider: SendPrompt spawns a goroutine driving one ConverseStream call
// and drains its event channel into the session's outbox.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"

	"github.com/haasonsaas/csr/internal/provider"
)

// Config configures the Bedrock-backed provider. Region defaults to
// us-east-1; leaving AccessKeyID/SecretAccessKey empty uses the default AWS
// credential chain (env, IAM role), the same fallback the teacher's
// NewBedrockProvider implements.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
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

// Provider is a concrete Provider that drives AWS Bedrock's Converse API.
type Provider struct {
	client *bedrockruntime.Client
	cfg    Config

	mu      sync.RWMutex
	records map[string]*record
}

// New loads AWS configuration (explicit static credentials if both
// AccessKeyID and SecretAccessKey are set, else the default credential
// chain) and constructs a Bedrock runtime client.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	cfg = cfg.withDefaults()

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &Provider{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		cfg:     cfg,
		records: make(map[string]*record),
	}, nil
}

func (p *Provider) ID() string { return "bedrock" }

func (p *Provider) Info() provider.Info {
	return provider.Info{ID: p.ID(), Name: "AWS Bedrock"}
}

// Models mirrors the teacher's catalog: Bedrock hosts several model
// families, but only the actual account's enabled models are reachable at
// call time, so this listing is advertised capability, not verified access.
func (p *Provider) Models() []provider.Model {
	return []provider.Model{
		{ID: "anthropic.claude-3-opus-20240229-v1:0", Name: "Claude 3 Opus (Bedrock)", ContextSize: 200000},
		{ID: "anthropic.claude-3-sonnet-20240229-v1:0", Name: "Claude 3 Sonnet (Bedrock)", ContextSize: 200000},
		{ID: "anthropic.claude-3-haiku-20240307-v1:0", Name: "Claude 3 Haiku (Bedrock)", ContextSize: 200000},
		{ID: "amazon.titan-text-express-v1", Name: "Titan Text Express", ContextSize: 8192},
		{ID: "meta.llama3-70b-instruct-v1:0", Name: "Llama 3 70B (Bedrock)", ContextSize: 8192},
		{ID: "mistral.mixtral-8x7b-instruct-v0:1", Name: "Mixtral 8x7B (Bedrock)", ContextSize: 32768},
		{ID: "cohere.command-r-plus-v1:0", Name: "Command R+ (Bedrock)", ContextSize: 128000},
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
	if p.client == nil {
		return provider.Health{Status: "unavailable", Reason: "client not initialized"}
	}
	return provider.Health{Status: "available"}
}

func (p *Provider) CreateSession(req *provider.AnnotatedRequest) (string, error) {
	id := uuid.NewString()
	p.mu.Lock()
	p.records[id] = &record{state: provider.State{Kind: provider.StateReady}, request: req}
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

func (p *Provider) getModel(model string) string {
	if model == "" {
		return p.cfg.DefaultModel
	}
	return model
}

// SendPrompt starts a goroutine that issues one ConverseStream call with
// retry and exponential backoff, draining the event channel into the
// session's outbox.
func (p *Provider) SendPrompt(id string, text string) error {
	p.mu.Lock()
	r, ok := p.records[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("bedrock: unknown session %s", id)
	}
	req := r.request
	r.state = provider.State{Kind: provider.StateWorking}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	p.mu.Unlock()

	go p.drive(ctx, id, req, text)
	return nil
}

func (p *Provider) drive(ctx context.Context, id string, req *provider.AnnotatedRequest, text string) {
	model := p.getModel(req.Model)
	converseReq := p.buildRequest(req, model, text)

	var out *bedrockruntime.ConverseStreamOutput
	var err error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		out, err = p.client.ConverseStream(ctx, converseReq)
		if err == nil {
			break
		}
		if !isRetryable(err) {
			p.fail(id, fmt.Errorf("bedrock: %w", err))
			return
		}
		if attempt == p.cfg.MaxRetries {
			p.fail(id, fmt.Errorf("bedrock: max retries exceeded: %w", err))
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

	p.processStream(ctx, id, out)
}

func (p *Provider) buildRequest(req *provider.AnnotatedRequest, model, text string) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(model),
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: text}},
			},
		},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxContextTokens > 0 {
		maxTokens := req.MaxContextTokens
		if maxTokens > math.MaxInt32 {
			maxTokens = math.MaxInt32
		}
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	}
	return input
}

// processStream mirrors the teacher's event-channel drain: content block
// start/delta/stop for text and accumulated tool-use input, message stop to
// finish, and channel-close as the terminal signal (Bedrock's
// ConverseStream has no separate message_stop-shaped terminal chunk type
// beyond the typed event union, so closure is treated as success absent an
// explicit stream error).
func (p *Provider) processStream(ctx context.Context, id string, out *bedrockruntime.ConverseStreamOutput) {
	eventStream := out.GetStream()
	defer eventStream.Close()

	var responseText strings.Builder
	var currentToolUseID, currentToolName string
	var toolInput strings.Builder
	inToolUse := false
	eventChan := eventStream.Events()

	for {
		select {
		case <-ctx.Done():
			p.fail(id, ctx.Err())
			return
		case event, ok := <-eventChan:
			if !ok {
				if err := eventStream.Err(); err != nil {
					p.fail(id, fmt.Errorf("bedrock: stream error: %w", err))
					return
				}
				p.complete(id, responseText.String())
				return
			}
			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentToolUseID = aws.ToString(toolUse.Value.ToolUseId)
					currentToolName = aws.ToString(toolUse.Value.Name)
					toolInput.Reset()
					inToolUse = true
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						responseText.WriteString(delta.Value)
						p.push(id, provider.Chunk{SessionID: id, Kind: provider.ChunkText, TextDelta: delta.Value})
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}
			case *types.ConverseStreamOutputMemberContentBlockStop:
				if inToolUse {
					p.push(id, provider.Chunk{SessionID: id, Kind: provider.ChunkToolStart, Tool: &provider.ToolEnvelope{Name: currentToolName, Params: toolInput.String()}})
					p.appendLog(id, provider.ToolLogEntry{ToolUseID: currentToolUseID, ToolName: currentToolName, Input: toolInput.String(), At: time.Now()})
					inToolUse = false
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				p.complete(id, responseText.String())
				return
			}
		}
	}
}

func (p *Provider) complete(id, response string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return
	}
	r.state = provider.State{Kind: provider.StateComplete, Response: response, LastResponse: response}
	r.outbox = append(r.outbox, provider.Chunk{SessionID: id, Kind: provider.ChunkDone})
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

// isRetryable treats AWS SDK-reported throttling and server errors as
// transient, mirroring the teacher's isRetryableError.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var throttle *types.ThrottlingException
	if errors.As(err, &throttle) {
		return true
	}
	var internal *types.InternalServerException
	if errors.As(err, &internal) {
		return true
	}
	var unavailable *types.ServiceUnavailableException
	return errors.As(err, &unavailable)
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
// blocks are logged and emitted as ToolStart chunks, not executed, as
// with claudeapi.
func (p *Provider) ApproveTool(id string, approved bool) error {
	p.mu.RLock()
	_, ok := p.records[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("bedrock: unknown session %s", id)
	}
	return nil
}

func (p *Provider) ForkSession(id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return "", fmt.Errorf("bedrock: unknown session %s", id)
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
		return fmt.Errorf("bedrock: unknown session %s", id)
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
		return fmt.Errorf("bedrock: unknown session %s", id)
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
		return fmt.Errorf("bedrock: unknown session %s", id)
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
