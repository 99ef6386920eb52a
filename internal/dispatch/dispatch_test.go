package dispatch

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/csr/internal/budget"
	"github.com/haasonsaas/csr/internal/journal"
	"github.com/haasonsaas/csr/internal/policy"
	"github.com/haasonsaas/csr/internal/pool"
	"github.com/haasonsaas/csr/internal/provider"
	"github.com/haasonsaas/csr/internal/provider/memoryprov"
	"github.com/haasonsaas/csr/internal/proxy"
	"github.com/haasonsaas/csr/internal/routing"
	"github.com/haasonsaas/csr/internal/session"
	"github.com/haasonsaas/csr/internal/tunnel"
)

func newTestDispatcher() (*Dispatcher, *memoryprov.Provider) {
	bt := budget.New(budget.Config{PerTickCapMicro: 1_000_000, PerDayCapMicro: 10_000_000})
	j := journal.New()
	router := routing.New()
	mp := memoryprov.New("local", []provider.Model{{ID: "claude-sonnet"}})
	router.Register(mp)

	mgr := session.New(bt, j, router)
	tunnels := tunnel.New(nil, nil, time.Minute)
	engine := policy.New(mgr, tunnels)

	d := New(router, mgr, bt, tunnels, engine, policy.Config{DefaultCeilingMicro: 10_000}, time.Minute, pool.New(), proxy.New())
	return d, mp
}

func TestHappyPathNewThenPollUntilComplete(t *testing.T) {
	d, _ := newTestDispatcher()

	body, _ := json.Marshal(map[string]any{
		"agent_id":       "agent1",
		"model":          "claude-sonnet",
		"initial_prompt": "hi",
		"max_cost_micro": 10_000,
	})
	resp, err := d.Write("/new", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var created struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(resp, &created); err != nil {
		t.Fatalf("bad response JSON: %v", err)
	}
	if created.Status != "creating" {
		t.Fatalf("got status %q, want creating", created.Status)
	}

	if err := d.writePrompt(created.SessionID, []byte("hi")); err != nil {
		t.Fatalf("unexpected error sending prompt: %v", err)
	}

	statusBytes, err := d.Read("/sessions/" + created.SessionID + "/status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var status struct {
		Status string `json:"status"`
	}
	json.Unmarshal(statusBytes, &status)
	if status.Status != "complete" {
		t.Fatalf("got %q, want complete", status.Status)
	}

	usageBytes, err := d.Read("/usage")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var usage budget.Usage
	json.Unmarshal(usageBytes, &usage)
	if usage.Tick.Reserved != 0 {
		t.Fatalf("expected reservation released after reconcile, got %d", usage.Tick.Reserved)
	}
}

func TestIdempotencyReplayNoExtraReservation(t *testing.T) {
	d, _ := newTestDispatcher()
	body, _ := json.Marshal(map[string]any{
		"agent_id":        "agent1",
		"model":           "claude-sonnet",
		"initial_prompt":  "hi",
		"max_cost_micro":  10_000,
		"idempotency_key": "k1",
	})

	resp1, err := d.Write("/new", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp2, err := d.Write("/new", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp1) != string(resp2) {
		t.Fatal("expected byte-identical replay")
	}

	usageBytes, err := d.Read("/usage")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var usage budget.Usage
	json.Unmarshal(usageBytes, &usage)
	if usage.Tick.Reserved != 10_000 {
		t.Fatalf("got tick reserved %d, want 10000 (one reservation only)", usage.Tick.Reserved)
	}
}

func TestSessionsDirListsCreatedSessionIDs(t *testing.T) {
	d, _ := newTestDispatcher()
	body, _ := json.Marshal(map[string]any{
		"agent_id":       "agent1",
		"model":          "claude-sonnet",
		"initial_prompt": "hi",
		"max_cost_micro": 10_000,
	})
	resp, err := d.Write("/new", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var created struct {
		SessionID string `json:"session_id"`
	}
	json.Unmarshal(resp, &created)

	listBytes, err := d.Read("/sessions")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ids []string
	json.Unmarshal(listBytes, &ids)
	if len(ids) != 1 || ids[0] != created.SessionID {
		t.Fatalf("got %v, want [%s]", ids, created.SessionID)
	}
}

func TestPoolAndProxyStatusReadable(t *testing.T) {
	d, _ := newTestDispatcher()

	if _, err := d.Read("/pool/status"); err != nil {
		t.Fatalf("unexpected error reading /pool/status: %v", err)
	}
	if _, err := d.Read("/pool/workers"); err != nil {
		t.Fatalf("unexpected error reading /pool/workers: %v", err)
	}
	if _, err := d.Read("/proxy/status"); err != nil {
		t.Fatalf("unexpected error reading /proxy/status: %v", err)
	}
}

func TestUnknownPathReturnsInvalidRequest(t *testing.T) {
	d, _ := newTestDispatcher()
	_, err := d.Read("/nonexistent")
	if err == nil {
		t.Fatal("expected error for unknown path")
	}
}

func TestCtlStopMovesSessionToFailed(t *testing.T) {
	d, _ := newTestDispatcher()
	body, _ := json.Marshal(map[string]any{
		"agent_id":       "agent1",
		"model":          "claude-sonnet",
		"initial_prompt": "hi",
		"max_cost_micro": 10_000,
	})
	resp, _ := d.Write("/new", body)
	var created struct {
		SessionID string `json:"session_id"`
	}
	json.Unmarshal(resp, &created)

	if err := d.writeCtl(created.SessionID, []byte("stop")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	statusBytes, _ := d.Read("/sessions/" + created.SessionID + "/status")
	var status struct {
		Status string `json:"status"`
	}
	json.Unmarshal(statusBytes, &status)
	if status.Status != "failed" {
		t.Fatalf("got %q, want failed", status.Status)
	}
}
