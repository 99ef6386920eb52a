package routing

import (
	"testing"

	"github.com/haasonsaas/csr/internal/provider"
	"github.com/haasonsaas/csr/internal/runtimeerr"
)

type fakeProvider struct {
	id        string
	models    []string
	available bool
}

func (f *fakeProvider) ID() string          { return f.id }
func (f *fakeProvider) Info() provider.Info { return provider.Info{ID: f.id, Name: f.id} }
func (f *fakeProvider) Models() []provider.Model {
	out := make([]provider.Model, len(f.models))
	for i, m := range f.models {
		out[i] = provider.Model{ID: m}
	}
	return out
}
func (f *fakeProvider) SupportsModel(model string) bool {
	for _, m := range f.models {
		if m == model {
			return true
		}
	}
	return false
}
func (f *fakeProvider) IsAvailable() provider.Health {
	if f.available {
		return provider.Health{Status: "available"}
	}
	return provider.Health{Status: "unavailable"}
}
func (f *fakeProvider) CreateSession(req *provider.AnnotatedRequest) (string, error) { return "", nil }
func (f *fakeProvider) GetSession(id string) (*provider.State, bool)                 { return nil, false }
func (f *fakeProvider) SendPrompt(id string, text string) error                      { return nil }
func (f *fakeProvider) PollOutput(id string) (*provider.Chunk, bool)                 { return nil, false }
func (f *fakeProvider) ApproveTool(id string, approved bool) error                   { return nil }
func (f *fakeProvider) ForkSession(id string) (string, error)                        { return "", nil }
func (f *fakeProvider) Stop(id string) error                                         { return nil }
func (f *fakeProvider) Pause(id string) error                                        { return nil }
func (f *fakeProvider) Resume(id string) error                                       { return nil }
func (f *fakeProvider) ToolLog(id string) []provider.ToolLogEntry                    { return nil }
func (f *fakeProvider) PendingTool(id string) (*provider.PendingToolInfo, bool)      { return nil, false }

func TestSelectDropsUnavailable(t *testing.T) {
	r := New()
	r.Register(&fakeProvider{id: "a", models: []string{"m1"}, available: false})
	r.Register(&fakeProvider{id: "b", models: []string{"m1"}, available: true})

	p, err := r.Select(Constraints{Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID() != "b" {
		t.Fatalf("got %q, want b", p.ID())
	}
}

func TestSelectDropsUnsupportedModel(t *testing.T) {
	r := New()
	r.Register(&fakeProvider{id: "a", models: []string{"other"}, available: true})

	_, err := r.Select(Constraints{Model: "m1"})
	if runtimeerr.KindOf(err) != runtimeerr.KindNoProviderAvailable {
		t.Fatalf("expected NoProviderAvailable, got %v", err)
	}
}

func TestSelectTunnelEndpointRestriction(t *testing.T) {
	r := New()
	r.Register(&fakeProvider{id: "local", models: []string{"m1"}, available: true})
	r.Register(&fakeProvider{id: "tunnel-1", models: []string{"m1"}, available: true})

	p, err := r.Select(Constraints{Model: "m1", TunnelEndpointID: "tunnel-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID() != "tunnel-1" {
		t.Fatalf("got %q, want tunnel-1", p.ID())
	}
}

func TestSelectAllowedModelsPattern(t *testing.T) {
	r := New()
	r.Register(&fakeProvider{id: "a", models: []string{"claude-3-sonnet"}, available: true})

	_, err := r.Select(Constraints{Model: "claude-3-sonnet", AllowedModels: []string{"gpt-*"}})
	if runtimeerr.KindOf(err) != runtimeerr.KindNoProviderAvailable {
		t.Fatalf("expected rejection via allow-list, got %v", err)
	}

	p, err := r.Select(Constraints{Model: "claude-3-sonnet", AllowedModels: []string{"claude-*"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID() != "a" {
		t.Fatalf("got %q, want a", p.ID())
	}
}

func TestSelectBlockedModelsPattern(t *testing.T) {
	r := New()
	r.Register(&fakeProvider{id: "a", models: []string{"claude-3-opus"}, available: true})

	_, err := r.Select(Constraints{Model: "claude-3-opus", BlockedModels: []string{"*-opus"}})
	if runtimeerr.KindOf(err) != runtimeerr.KindNoProviderAvailable {
		t.Fatalf("expected rejection via block-list, got %v", err)
	}
}

func TestSelectDeterministicFirstByRegistration(t *testing.T) {
	r := New()
	r.Register(&fakeProvider{id: "first", models: []string{"m1"}, available: true})
	r.Register(&fakeProvider{id: "second", models: []string{"m1"}, available: true})

	p, err := r.Select(Constraints{Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID() != "first" {
		t.Fatalf("got %q, want first", p.ID())
	}
}

func TestSelectNoProvidersRegistered(t *testing.T) {
	r := New()
	_, err := r.Select(Constraints{Model: "m1"})
	if runtimeerr.KindOf(err) != runtimeerr.KindNoProviderAvailable {
		t.Fatalf("expected NoProviderAvailable, got %v", err)
	}
}
