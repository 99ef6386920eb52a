package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/csr/internal/policy"
	"github.com/haasonsaas/csr/internal/provider"
	"github.com/haasonsaas/csr/internal/routing"
	"github.com/haasonsaas/csr/internal/runtimeerr"
	"github.com/haasonsaas/csr/internal/signing"
	"github.com/haasonsaas/csr/internal/tunnel"
)

// requestWire is the /new write body shape.
type requestWire struct {
	AgentID          string                     `json:"agent_id"`
	Model            string                     `json:"model"`
	System           string                     `json:"system"`
	InitialPrompt    string                     `json:"initial_prompt"`
	Tools            []provider.ToolDescriptor  `json:"tools"`
	MaxContextTokens int                        `json:"max_context_tokens"`
	TunnelEndpoint   string                     `json:"tunnel_endpoint"`
	MaxCostMicro     *int64                     `json:"max_cost_micro"`
	IdempotencyKey   string                     `json:"idempotency_key"`
	ResumeSessionID  string                     `json:"resume_session_id"`
	Autonomy         string                     `json:"autonomy"`
}

func policyRequestFrom(wire requestWire) policy.Request {
	return policy.Request{
		AgentID:          wire.AgentID,
		Model:            wire.Model,
		System:           wire.System,
		InitialPrompt:    wire.InitialPrompt,
		Tools:            wire.Tools,
		MaxContextTokens: wire.MaxContextTokens,
		TunnelEndpointID: wire.TunnelEndpoint,
		CeilingCostMicro: wire.MaxCostMicro,
		IdempotencyKey:   wire.IdempotencyKey,
		ResumeSessionID:  wire.ResumeSessionID,
		Autonomy:         provider.Autonomy(wire.Autonomy),
	}
}

func (d *Dispatcher) writeNew(body []byte) ([]byte, error) {
	var wire requestWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.KindInvalidRequest, "malformed request JSON", err)
	}

	cfg := d.currentPolicy()
	req := policyRequestFrom(wire)

	annotated, err := d.policyEngine.Admit(req, cfg)
	if err != nil {
		return nil, err
	}

	p, err := d.router.Select(routing.Constraints{
		Model:              annotated.Model,
		TunnelEndpointID:   annotated.TunnelEndpointID,
		AllowedProviderIDs: cfg.AllowedProviderIDs,
		AllowedModels:      cfg.AllowedModels,
		BlockedModels:      cfg.BlockedModels,
	})
	if err != nil {
		return nil, err
	}

	return d.sessions.Create(wire.AgentID, annotated, p, int64(d.journalTTL.Seconds()))
}

func (d *Dispatcher) writePolicy(body []byte) error {
	var cfg policy.Config
	if err := json.Unmarshal(body, &cfg); err != nil {
		return runtimeerr.Wrap(runtimeerr.KindInvalidRequest, "malformed policy JSON", err)
	}
	d.policyMu.Lock()
	defer d.policyMu.Unlock()
	d.policyCfg = cfg
	return nil
}

func (d *Dispatcher) readTunnelEndpoints() ([]byte, error) {
	type endpointSummary struct {
		ID       string `json:"id"`
		URL      string `json:"url"`
		AuthType string `json:"auth_type"`
	}
	statuses := d.tunnels.Status()
	out := make([]endpointSummary, 0, len(statuses))
	for _, s := range statuses {
		ep, _ := d.tunnels.Endpoint(s.EndpointID)
		out = append(out, endpointSummary{ID: s.EndpointID, URL: ep.URL, AuthType: string(s.AuthKind)})
	}
	return json.Marshal(out)
}

func (d *Dispatcher) writeTunnelEndpoints(body []byte) error {
	var endpoints []tunnel.Endpoint
	if err := json.Unmarshal(body, &endpoints); err != nil {
		return runtimeerr.Wrap(runtimeerr.KindInvalidRequest, "malformed endpoints JSON", err)
	}
	for _, ep := range endpoints {
		d.tunnels.Register(ep)
	}
	return nil
}

func (d *Dispatcher) readAuthChallenge() ([]byte, error) {
	type challengeWire struct {
		Challenge string `json:"challenge"`
		ExpiresAt int64  `json:"expires_at"`
		TunnelID  string `json:"tunnel_id"`
	}
	statuses := d.tunnels.Status()
	out := make([]challengeWire, 0, len(statuses))
	for _, s := range statuses {
		c, err := d.tunnels.Challenge(s.EndpointID)
		if err != nil {
			continue
		}
		out = append(out, challengeWire{Challenge: c.Nonce, ExpiresAt: c.ExpiresAt.Unix(), TunnelID: s.EndpointID})
	}
	return json.Marshal(out)
}

func (d *Dispatcher) writeAuthResponse(body []byte) error {
	var wire struct {
		Challenge string `json:"challenge"`
		Signature string `json:"signature"`
		Pubkey    string `json:"pubkey"`
		TunnelID  string `json:"tunnel_id"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return runtimeerr.Wrap(runtimeerr.KindInvalidRequest, "malformed auth response JSON", err)
	}

	pubkeyHex, err := signing.ParsePubkey(wire.Pubkey)
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.KindTunnelAuthRequired, "invalid pubkey encoding", err)
	}

	return d.tunnels.SubmitResponse(tunnel.Response{
		Nonce:      wire.Challenge,
		Signature:  wire.Signature,
		Pubkey:     pubkeyHex,
		EndpointID: wire.TunnelID,
	})
}

func (d *Dispatcher) readSessionStatus(sessionID string) ([]byte, error) {
	st, err := d.observeByID(sessionID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Status string `json:"status"`
	}{Status: string(st.Kind)})
}

func (d *Dispatcher) readSessionResponse(sessionID string) ([]byte, error) {
	rec, ok := d.sessions.Get(sessionID)
	if !ok {
		return nil, runtimeerr.New(runtimeerr.KindSessionNotFound, sessionID)
	}
	p, err := d.provider(rec.ProviderID)
	if err != nil {
		return nil, err
	}
	st, err := d.sessions.Observe(sessionID, p)
	if err != nil {
		return nil, err
	}

	reserved := int64(0)
	if rec.Reservation != nil {
		reserved = rec.Reservation.AmountMicro
	}

	switch st.Kind {
	case provider.StateComplete:
		model, tunnelEndpoint := "", ""
		if rec.Request != nil {
			model = rec.Request.Model
			tunnelEndpoint = rec.Request.TunnelEndpointID
		}
		return json.Marshal(struct {
			SessionID      string         `json:"session_id"`
			Status         string         `json:"status"`
			Response       string         `json:"response"`
			Usage          provider.Usage `json:"usage"`
			CostMicro      int64          `json:"cost_usd"`
			ReservedMicro  int64          `json:"reserved_usd"`
			ProviderID     string         `json:"provider_id"`
			Model          string         `json:"model"`
			TunnelEndpoint string         `json:"tunnel_endpoint"`
		}{
			SessionID:      sessionID,
			Status:         string(st.Kind),
			Response:       st.Response,
			Usage:          st.Usage,
			CostMicro:      st.CostMicro,
			ReservedMicro:  reserved,
			ProviderID:     rec.ProviderID,
			Model:          model,
			TunnelEndpoint: tunnelEndpoint,
		})
	case provider.StateIdle:
		return json.Marshal(struct {
			SessionID string `json:"session_id"`
			Status    string `json:"status"`
			Response  string `json:"response"`
		}{SessionID: sessionID, Status: string(st.Kind), Response: st.LastResponse})
	default:
		return nil, runtimeerr.New(runtimeerr.KindNotReady, "session has not reached a terminal or idle state")
	}
}

func (d *Dispatcher) readSessionContext(sessionID string) ([]byte, error) {
	st, err := d.observeByID(sessionID)
	if err != nil {
		return nil, err
	}
	text := st.Response
	if text == "" {
		text = st.LastResponse
	}
	return json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})
}

func (d *Dispatcher) readSessionUsage(sessionID string) ([]byte, error) {
	rec, ok := d.sessions.Get(sessionID)
	if !ok {
		return nil, runtimeerr.New(runtimeerr.KindSessionNotFound, sessionID)
	}
	p, err := d.provider(rec.ProviderID)
	if err != nil {
		return nil, err
	}
	st, err := d.sessions.Observe(sessionID, p)
	if err != nil {
		return nil, err
	}
	reserved := int64(0)
	if rec.Reservation != nil {
		reserved = rec.Reservation.AmountMicro
	}
	return json.Marshal(struct {
		ReservedMicro int64          `json:"reserved_usd"`
		CostMicro     int64          `json:"cost_usd"`
		Usage         provider.Usage `json:"usage"`
	}{ReservedMicro: reserved, CostMicro: st.CostMicro, Usage: st.Usage})
}

func (d *Dispatcher) readToolLog(sessionID string) ([]byte, error) {
	rec, ok := d.sessions.Get(sessionID)
	if !ok {
		return nil, runtimeerr.New(runtimeerr.KindSessionNotFound, sessionID)
	}
	p, err := d.provider(rec.ProviderID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(p.ToolLog(sessionID))
}

func (d *Dispatcher) readPendingTool(sessionID string) ([]byte, error) {
	rec, ok := d.sessions.Get(sessionID)
	if !ok {
		return nil, runtimeerr.New(runtimeerr.KindSessionNotFound, sessionID)
	}
	p, err := d.provider(rec.ProviderID)
	if err != nil {
		return nil, err
	}
	pending, ok := p.PendingTool(sessionID)
	if !ok {
		return []byte("null"), nil
	}
	return json.Marshal(pending)
}

func (d *Dispatcher) writePrompt(sessionID string, body []byte) error {
	rec, ok := d.sessions.Get(sessionID)
	if !ok {
		return runtimeerr.New(runtimeerr.KindSessionNotFound, sessionID)
	}
	p, err := d.provider(rec.ProviderID)
	if err != nil {
		return err
	}
	return p.SendPrompt(sessionID, string(body))
}

func (d *Dispatcher) writeToolApprove(sessionID string, body []byte) error {
	var wire struct {
		Approved bool `json:"approved"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return runtimeerr.Wrap(runtimeerr.KindInvalidRequest, "malformed approval JSON", err)
	}
	rec, ok := d.sessions.Get(sessionID)
	if !ok {
		return runtimeerr.New(runtimeerr.KindSessionNotFound, sessionID)
	}
	p, err := d.provider(rec.ProviderID)
	if err != nil {
		return err
	}
	return p.ApproveTool(sessionID, wire.Approved)
}

func (d *Dispatcher) writeFork(sessionID string) ([]byte, error) {
	rec, ok := d.sessions.Get(sessionID)
	if !ok {
		return nil, runtimeerr.New(runtimeerr.KindSessionNotFound, sessionID)
	}
	p, err := d.provider(rec.ProviderID)
	if err != nil {
		return nil, err
	}
	newID, err := d.sessions.Fork(sessionID, p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		SessionID string `json:"session_id"`
	}{SessionID: newID})
}

func (d *Dispatcher) writeCtl(sessionID string, body []byte) error {
	rec, ok := d.sessions.Get(sessionID)
	if !ok {
		return runtimeerr.New(runtimeerr.KindSessionNotFound, sessionID)
	}
	p, err := d.provider(rec.ProviderID)
	if err != nil {
		return err
	}
	switch strings.TrimSpace(string(body)) {
	case "stop":
		return p.Stop(sessionID)
	case "pause":
		return p.Pause(sessionID)
	case "resume":
		return p.Resume(sessionID)
	default:
		return runtimeerr.New(runtimeerr.KindInvalidRequest, "ctl must be one of stop|pause|resume")
	}
}

func (d *Dispatcher) observeByID(sessionID string) (*provider.State, error) {
	rec, ok := d.sessions.Get(sessionID)
	if !ok {
		return nil, runtimeerr.New(runtimeerr.KindSessionNotFound, sessionID)
	}
	p, err := d.provider(rec.ProviderID)
	if err != nil {
		return nil, err
	}
	return d.sessions.Observe(sessionID, p)
}
