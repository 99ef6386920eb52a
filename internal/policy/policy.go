// Package policy implements the PolicyEngine admission sequence applied to
// every new-session write before it reaches the Router and SessionManager.
// Grounded on the original runtime's submit_request() admission chain and
// the teacher's internal/tools/policy (tool allow/block-list shape) and
// internal/agent/approval.go (autonomy resolution), generalized from a
// single per-call approval decision into a nine-step request admission.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/csr/internal/provider"
	"github.com/haasonsaas/csr/internal/routing"
	"github.com/haasonsaas/csr/internal/runtimeerr"
)

var errEmptyToolName = errors.New("tool descriptor has no name")

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// Request is the raw, unvalidated new-session submission.
type Request struct {
	AgentID          string
	Model            string
	System           string
	InitialPrompt    string
	Tools            []provider.ToolDescriptor
	MaxContextTokens int // 0 = unset
	TunnelEndpointID string
	CeilingCostMicro *int64 // nil = unset
	IdempotencyKey   string
	ResumeSessionID  string
	Autonomy         provider.Autonomy // "" = unset, use policy default
}

// Config is the per-agent (or global default) Policy record.
type Config struct {
	AllowedProviderIDs   []string
	AllowedModels        []string
	BlockedModels        []string
	AllowedTunnels       []string
	AllowedTools         []string
	BlockedTools         []string
	ApprovalRequired     []string
	RequireIdempotency   bool
	DefaultAutonomy      provider.Autonomy
	MaxContextTokens     int // 0 = no cap
	DefaultCeilingMicro  int64
	RequireCeiling       bool
	PerTickCapMicro      int64
	PerDayCapMicro       int64
	MaxConcurrentSessions int
}

// ConcurrencyChecker reports how many non-terminal sessions an agent
// currently holds. Implemented by the SessionManager.
type ConcurrencyChecker interface {
	CountNonTerminal(agentID string) int
}

// TunnelChecker reports whether a tunnel endpoint is known and currently
// authorized. Implemented by the tunnel.Store.
type TunnelChecker interface {
	IsAuthorized(endpointID string) bool
}

// Engine is the PolicyEngine.
type Engine struct {
	concurrency ConcurrencyChecker
	tunnels     TunnelChecker
}

func New(concurrency ConcurrencyChecker, tunnels TunnelChecker) *Engine {
	return &Engine{concurrency: concurrency, tunnels: tunnels}
}

// Admit runs the nine-step sequence and returns an AnnotatedRequest on
// success; the resolved tool policy is carried in its fields.
func (e *Engine) Admit(req Request, cfg Config) (*provider.AnnotatedRequest, error) {
	// 1. Idempotency gate.
	if cfg.RequireIdempotency && req.IdempotencyKey == "" {
		return nil, runtimeerr.New(runtimeerr.KindIdempotencyRequired, "policy requires an idempotency key")
	}

	// 2. Autonomy resolution.
	autonomy := req.Autonomy
	if autonomy == "" {
		autonomy = cfg.DefaultAutonomy
	}

	// 3. Context-tokens clamp.
	maxContext := req.MaxContextTokens
	if cfg.MaxContextTokens > 0 {
		if maxContext == 0 || maxContext > cfg.MaxContextTokens {
			maxContext = cfg.MaxContextTokens
		}
	}

	// 4. Cost-ceiling resolution.
	ceiling, err := resolveCeiling(req.CeilingCostMicro, cfg)
	if err != nil {
		return nil, err
	}

	// 5. Model admission.
	if len(cfg.AllowedModels) > 0 && !routing.MatchAny(cfg.AllowedModels, req.Model) {
		return nil, runtimeerr.New(runtimeerr.KindInvalidRequest, "model not in allowed-models")
	}
	if routing.MatchAny(cfg.BlockedModels, req.Model) {
		return nil, runtimeerr.New(runtimeerr.KindInvalidRequest, "model is blocked")
	}

	// 6. Tunnel admission.
	if req.TunnelEndpointID != "" && len(cfg.AllowedTunnels) > 0 {
		if !containsStr(cfg.AllowedTunnels, req.TunnelEndpointID) {
			return nil, runtimeerr.New(runtimeerr.KindInvalidRequest, "tunnel endpoint not in allowed-tunnels")
		}
	}
	if req.TunnelEndpointID != "" {
		if e.tunnels == nil || !e.tunnels.IsAuthorized(req.TunnelEndpointID) {
			return nil, runtimeerr.New(runtimeerr.KindTunnelAuthRequired, "tunnel endpoint has no live authorized response")
		}
	}

	// 7. Concurrency.
	if cfg.MaxConcurrentSessions > 0 && e.concurrency != nil {
		if e.concurrency.CountNonTerminal(req.AgentID) >= cfg.MaxConcurrentSessions {
			return nil, runtimeerr.New(runtimeerr.KindInvalidRequest, "max concurrent sessions reached")
		}
	}

	// 8. Tool admission: schema validity, then allow/block lists.
	toolNames := make([]string, 0, len(req.Tools))
	for _, t := range req.Tools {
		if err := validateToolDescriptor(t); err != nil {
			return nil, runtimeerr.New(runtimeerr.KindInvalidRequest, "tool descriptor invalid for "+t.Name+": "+err.Error())
		}
		toolNames = append(toolNames, t.Name)
		if len(cfg.AllowedTools) > 0 && !routing.MatchAny(cfg.AllowedTools, t.Name) {
			return nil, runtimeerr.New(runtimeerr.KindInvalidRequest, "tool not in allowed-tools: "+t.Name)
		}
		if routing.MatchAny(cfg.BlockedTools, t.Name) {
			return nil, runtimeerr.New(runtimeerr.KindInvalidRequest, "tool is blocked: "+t.Name)
		}
	}

	// 9. Effective ToolPolicy.
	allowedTools := cfg.AllowedTools
	if len(allowedTools) == 0 {
		allowedTools = toolNames
	}

	return &provider.AnnotatedRequest{
		Model:            req.Model,
		System:           req.System,
		InitialPrompt:    req.InitialPrompt,
		Tools:            req.Tools,
		MaxContextTokens: maxContext,
		TunnelEndpointID: req.TunnelEndpointID,
		CeilingCostMicro: ceiling,
		IdempotencyKey:   req.IdempotencyKey,
		ResumeSessionID:  req.ResumeSessionID,
		Autonomy:         autonomy,
		AllowedTools:     allowedTools,
		BlockedTools:     cfg.BlockedTools,
		ApprovalRequired: cfg.ApprovalRequired,
	}, nil
}

// validateToolDescriptor compiles a tool's input schema against the JSON
// Schema meta-schema, rejecting malformed descriptors before any provider
// ever sees them.
func validateToolDescriptor(t provider.ToolDescriptor) error {
	if t.Name == "" {
		return errEmptyToolName
	}
	if len(t.Descriptor) == 0 {
		return nil
	}
	raw, err := json.Marshal(t.Descriptor)
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(t.Name, bytesReader(raw)); err != nil {
		return err
	}
	_, err = compiler.Compile(t.Name)
	return err
}

func resolveCeiling(requested *int64, cfg Config) (int64, error) {
	if requested != nil && *requested > 0 {
		return *requested, nil
	}
	if cfg.DefaultCeilingMicro > 0 {
		return cfg.DefaultCeilingMicro, nil
	}
	if cfg.RequireCeiling {
		return 0, runtimeerr.New(runtimeerr.KindMaxCostRequired, "policy requires an explicit cost ceiling")
	}
	if cfg.PerTickCapMicro > 0 {
		return cfg.PerTickCapMicro, nil
	}
	if cfg.PerDayCapMicro > 0 {
		return cfg.PerDayCapMicro, nil
	}
	return 0, runtimeerr.New(runtimeerr.KindMaxCostRequired, "no cost ceiling could be resolved")
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
