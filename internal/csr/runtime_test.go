package csr

import (
	"context"
	"testing"

	"github.com/haasonsaas/csr/internal/config"
)

func localOnlyConfig() config.RuntimeConfig {
	cfg := config.RuntimeConfig{}
	cfg.Budget.PerTickCapUSD = 10
	cfg.Budget.PerDayCapUSD = 100
	cfg.IdempotencyTTLSeconds = 600
	cfg.Tunnels.ChallengeTTLSeconds = 300
	cfg.Providers.Entries = []config.ProviderConfig{
		{ID: "local", Kind: "local", Models: []string{"sim-1"}},
	}
	return cfg
}

func TestNewWiresLocalProvider(t *testing.T) {
	rt, err := New(context.Background(), localOnlyConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	providers := rt.Router.Providers()
	if len(providers) != 1 || providers[0].ID() != "local" {
		t.Fatalf("got providers %+v, want one provider named local", providers)
	}
}

func TestNewRejectsUnknownProviderKindGracefully(t *testing.T) {
	cfg := localOnlyConfig()
	cfg.Providers.Entries = append(cfg.Providers.Entries, config.ProviderConfig{ID: "mystery", Kind: "unsupported"})
	rt, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rt.Router.Providers()) != 1 {
		t.Fatalf("expected unknown-kind entry to be skipped, not fail construction")
	}
}

func TestStatusReportsAcrossSubsystems(t *testing.T) {
	rt, err := New(context.Background(), localOnlyConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	report := rt.Status()
	if len(report.Providers) != 1 {
		t.Fatalf("expected 1 provider in status report, got %d", len(report.Providers))
	}
	if report.Budget.Tick.Limit != config.MicroUSD(10) {
		t.Fatalf("got tick limit %d, want %d", report.Budget.Tick.Limit, config.MicroUSD(10))
	}
}

func TestReadWritePathsRouteThroughDispatcher(t *testing.T) {
	rt, err := New(context.Background(), localOnlyConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, err := rt.Read(context.Background(), "/policy")
	if err != nil {
		t.Fatalf("unexpected error reading /policy: %v", err)
	}
	if len(body) == 0 {
		t.Fatal("expected non-empty policy JSON")
	}
}

func TestStartAndStopHTTPServer(t *testing.T) {
	cfg := localOnlyConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	rt, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rt.StartHTTPServer(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rt.StopHTTPServer(context.Background())
}

func TestStartHTTPServerSkippedWhenNoListenAddrConfigured(t *testing.T) {
	rt, err := New(context.Background(), localOnlyConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rt.StartHTTPServer(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt.httpServer != nil {
		t.Fatal("expected no http server to be started without a configured listen_addr")
	}
}

func TestStartAndStopScheduler(t *testing.T) {
	rt, err := New(context.Background(), localOnlyConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rt.StartScheduler(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rt.StopScheduler(context.Background())
}
