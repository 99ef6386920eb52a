package proxy

import "testing"

func TestProxyRecordsCounters(t *testing.T) {
	p := New()
	p.RecordForwarded()
	p.RecordForwarded()
	p.RecordFailed()
	p.SetActiveConnections(3)
	p.SetState(StateDegraded)

	s := p.Status()
	if s.State != StateDegraded {
		t.Fatalf("got %q, want degraded", s.State)
	}
	if s.Metrics.RequestsForwarded != 2 || s.Metrics.RequestsFailed != 1 || s.Metrics.ActiveConnections != 3 {
		t.Fatalf("unexpected metrics: %+v", s.Metrics)
	}
}

func TestProxyDefaultsToUp(t *testing.T) {
	p := New()
	if p.Status().State != StateUp {
		t.Fatal("expected default state up")
	}
}

func TestProxySetAllowlist(t *testing.T) {
	p := New()
	p.SetAllowlist([]string{"api.anthropic.com", "github.com"})

	s := p.Status()
	if len(s.Allowlist) != 2 || s.Allowlist[0] != "api.anthropic.com" || s.Allowlist[1] != "github.com" {
		t.Fatalf("unexpected allowlist: %+v", s.Allowlist)
	}
}
