package policy

import (
	"testing"

	"github.com/haasonsaas/csr/internal/provider"
	"github.com/haasonsaas/csr/internal/runtimeerr"
)

type stubConcurrency struct{ count int }

func (s stubConcurrency) CountNonTerminal(agentID string) int { return s.count }

type stubTunnels struct{ authorized bool }

func (s stubTunnels) IsAuthorized(endpointID string) bool { return s.authorized }

func baseCfg() Config {
	return Config{DefaultCeilingMicro: 1_000_000}
}

func TestAdmitRequiresIdempotencyKey(t *testing.T) {
	e := New(stubConcurrency{}, stubTunnels{})
	cfg := baseCfg()
	cfg.RequireIdempotency = true

	_, err := e.Admit(Request{Model: "m1"}, cfg)
	if runtimeerr.KindOf(err) != runtimeerr.KindIdempotencyRequired {
		t.Fatalf("expected IdempotencyRequired, got %v", err)
	}

	_, err = e.Admit(Request{Model: "m1", IdempotencyKey: "k1"}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdmitAutonomyResolutionDefaultsToPolicy(t *testing.T) {
	e := New(stubConcurrency{}, stubTunnels{})
	cfg := baseCfg()
	cfg.DefaultAutonomy = provider.AutonomySupervised

	out, err := e.Admit(Request{Model: "m1"}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Autonomy != provider.AutonomySupervised {
		t.Fatalf("got %q, want supervised", out.Autonomy)
	}

	out, err = e.Admit(Request{Model: "m1", Autonomy: provider.AutonomyFull}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Autonomy != provider.AutonomyFull {
		t.Fatalf("request autonomy should override policy default")
	}
}

func TestAdmitContextTokensClamp(t *testing.T) {
	e := New(stubConcurrency{}, stubTunnels{})
	cfg := baseCfg()
	cfg.MaxContextTokens = 1000

	out, err := e.Admit(Request{Model: "m1", MaxContextTokens: 5000}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.MaxContextTokens != 1000 {
		t.Fatalf("got %d, want clamp to 1000", out.MaxContextTokens)
	}

	out, err = e.Admit(Request{Model: "m1", MaxContextTokens: 500}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.MaxContextTokens != 500 {
		t.Fatalf("got %d, want unclamped 500", out.MaxContextTokens)
	}
}

func TestAdmitCeilingResolutionOrder(t *testing.T) {
	e := New(stubConcurrency{}, stubTunnels{})

	requested := int64(50)
	out, err := e.Admit(Request{Model: "m1", CeilingCostMicro: &requested}, Config{DefaultCeilingMicro: 1000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.CeilingCostMicro != 50 {
		t.Fatalf("request ceiling should win, got %d", out.CeilingCostMicro)
	}

	out, err = e.Admit(Request{Model: "m1"}, Config{DefaultCeilingMicro: 1000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.CeilingCostMicro != 1000 {
		t.Fatalf("default ceiling should apply, got %d", out.CeilingCostMicro)
	}

	_, err = e.Admit(Request{Model: "m1"}, Config{RequireCeiling: true})
	if runtimeerr.KindOf(err) != runtimeerr.KindMaxCostRequired {
		t.Fatalf("expected MaxCostRequired, got %v", err)
	}

	out, err = e.Admit(Request{Model: "m1"}, Config{PerTickCapMicro: 200})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.CeilingCostMicro != 200 {
		t.Fatalf("expected fallback to per-tick cap, got %d", out.CeilingCostMicro)
	}
}

func TestAdmitModelAllowAndBlockLists(t *testing.T) {
	e := New(stubConcurrency{}, stubTunnels{})
	cfg := baseCfg()
	cfg.AllowedModels = []string{"claude-*"}

	_, err := e.Admit(Request{Model: "gpt-4"}, cfg)
	if err == nil {
		t.Fatal("expected rejection: not in allowed-models")
	}

	cfg2 := baseCfg()
	cfg2.BlockedModels = []string{"*-opus"}
	_, err = e.Admit(Request{Model: "claude-3-opus"}, cfg2)
	if err == nil {
		t.Fatal("expected rejection: blocked model")
	}
}

func TestAdmitTunnelRequiresAllowedListAndAuthorization(t *testing.T) {
	cfg := baseCfg()
	cfg.AllowedTunnels = []string{"e2"}

	e := New(stubConcurrency{}, stubTunnels{authorized: true})
	_, err := e.Admit(Request{Model: "m1", TunnelEndpointID: "e1"}, cfg)
	if err == nil {
		t.Fatal("expected rejection: tunnel not in allow-list")
	}

	eUnauth := New(stubConcurrency{}, stubTunnels{authorized: false})
	_, err = eUnauth.Admit(Request{Model: "m1", TunnelEndpointID: "e2"}, cfg)
	if runtimeerr.KindOf(err) != runtimeerr.KindTunnelAuthRequired {
		t.Fatalf("expected TunnelAuthRequired, got %v", err)
	}

	eAuth := New(stubConcurrency{}, stubTunnels{authorized: true})
	_, err = eAuth.Admit(Request{Model: "m1", TunnelEndpointID: "e2"}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdmitConcurrencyLimit(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxConcurrentSessions = 2

	e := New(stubConcurrency{count: 2}, stubTunnels{})
	_, err := e.Admit(Request{Model: "m1"}, cfg)
	if err == nil {
		t.Fatal("expected rejection: at concurrency limit")
	}

	e2 := New(stubConcurrency{count: 1}, stubTunnels{})
	_, err = e2.Admit(Request{Model: "m1"}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdmitToolAllowAndBlockLists(t *testing.T) {
	e := New(stubConcurrency{}, stubTunnels{})
	cfg := baseCfg()
	cfg.AllowedTools = []string{"read_*"}

	_, err := e.Admit(Request{Model: "m1", Tools: []provider.ToolDescriptor{{Name: "write_file"}}}, cfg)
	if err == nil {
		t.Fatal("expected rejection: tool not allowed")
	}

	cfg2 := baseCfg()
	cfg2.BlockedTools = []string{"dangerous_*"}
	_, err = e.Admit(Request{Model: "m1", Tools: []provider.ToolDescriptor{{Name: "dangerous_exec"}}}, cfg2)
	if err == nil {
		t.Fatal("expected rejection: tool blocked")
	}
}

func TestAdmitRejectsMalformedToolSchema(t *testing.T) {
	e := New(stubConcurrency{}, stubTunnels{})
	cfg := baseCfg()

	bad := provider.ToolDescriptor{Name: "broken", Descriptor: map[string]any{"type": "not-a-real-type"}}
	if _, err := e.Admit(Request{Model: "m1", Tools: []provider.ToolDescriptor{bad}}, cfg); err == nil {
		t.Fatal("expected rejection: malformed tool schema")
	}

	good := provider.ToolDescriptor{Name: "search", Descriptor: map[string]any{
		"type":       "object",
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
	}}
	if _, err := e.Admit(Request{Model: "m1", Tools: []provider.ToolDescriptor{good}}, cfg); err != nil {
		t.Fatalf("unexpected error for valid schema: %v", err)
	}
}

func TestAdmitEffectiveToolPolicyDefaultsToRequestTools(t *testing.T) {
	e := New(stubConcurrency{}, stubTunnels{})
	cfg := baseCfg()

	out, err := e.Admit(Request{Model: "m1", Tools: []provider.ToolDescriptor{{Name: "a"}, {Name: "b"}}}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.AllowedTools) != 2 {
		t.Fatalf("expected effective allow-list to default to request tool names, got %v", out.AllowedTools)
	}
}
