// Package session implements the SessionManager: create (with idempotency
// rehydration and budget reservation), observe-and-reconcile, and fork.
// Grounded on the teacher's internal/sessions/memory.go MemoryStore
// (RWMutex-guarded map, deep clone on read/write) generalized from storing
// chat messages to owning a SessionRecord's provider binding and budget
// reservation lifecycle.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/haasonsaas/csr/internal/budget"
	"github.com/haasonsaas/csr/internal/journal"
	"github.com/haasonsaas/csr/internal/provider"
	"github.com/haasonsaas/csr/internal/routing"
	"github.com/haasonsaas/csr/internal/runtimeerr"
)

// Record is the SessionManager's bookkeeping for one session, distinct
// from the provider's own SessionState.
type Record struct {
	SessionID   string
	AgentID     string
	ProviderID  string
	Reservation *budget.Reservation
	Reconciled  bool
	ParentID    string // set for forks
	Request     *provider.AnnotatedRequest
}

func (r Record) clone() Record {
	cloned := r
	if r.Reservation != nil {
		amt := *r.Reservation
		cloned.Reservation = &amt
	}
	return cloned
}

type createResponse struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	StatusPath   string `json:"status_path"`
	OutputPath   string `json:"output_path"`
	ResponsePath string `json:"response_path"`
	PromptPath   string `json:"prompt_path"`
}

// Manager is the SessionManager.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*Record
	budget  *budget.Tracker
	journal *journal.Journal
	router  *routing.Router
}

func New(tracker *budget.Tracker, j *journal.Journal, router *routing.Router) *Manager {
	return &Manager{
		records: make(map[string]*Record),
		budget:  tracker,
		journal: j,
		router:  router,
	}
}

// CountNonTerminal implements policy.ConcurrencyChecker: it counts only
// sessions whose provider still reports a non-terminal state, matching the
// original's active_sessions filter (provider_by_id + get_session, skipping
// anything the provider no longer recognizes). Records for sessions that
// completed or failed drop out of the count as soon as the provider
// reflects it, so an agent's concurrency slots free up on completion
// instead of staying permanently consumed.
func (m *Manager) CountNonTerminal(agentID string) int {
	m.mu.RLock()
	matching := make([]*Record, 0)
	for _, r := range m.records {
		if r.AgentID == agentID {
			matching = append(matching, r)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, r := range matching {
		p, ok := m.router.ProviderByID(r.ProviderID)
		if !ok {
			continue
		}
		st, ok := p.GetSession(r.SessionID)
		if !ok {
			continue
		}
		if !st.Kind.IsTerminal() {
			n++
		}
	}
	return n
}

// IDs returns every known session id, in no particular order. Backs the
// /sessions directory listing.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	return ids
}

// StateFetcher is the shape of a lookup of a provider's current
// SessionState. Manager methods take the provider directly, and nothing
// in the module constructs or calls a StateFetcher.
type StateFetcher func(providerID, sessionID string) (*provider.State, bool)

// Create runs the SessionManager's create sequence: idempotency
// rehydration, budget reservation, provider.create_session, and record
// persistence.
func (m *Manager) Create(agentID string, annotated *provider.AnnotatedRequest, p provider.Provider, ttlSeconds int64) ([]byte, error) {
	scopedKey := ""
	if annotated.IdempotencyKey != "" {
		scopedKey = journal.Scope(agentID, p.ID(), annotated.IdempotencyKey)
	}

	if scopedKey != "" {
		if cached, ok := m.journal.Get(scopedKey); ok {
			var resp createResponse
			if err := json.Unmarshal(cached, &resp); err == nil && resp.SessionID != "" {
				m.rehydrate(agentID, p.ID(), resp.SessionID)
			}
			return cached, nil
		}
	}

	reservation, err := m.budget.Reserve(annotated.CeilingCostMicro)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.KindBudgetExceeded, "budget reservation failed", err)
	}
	if !m.budget.Recheck() {
		m.budget.Release(reservation)
		return nil, runtimeerr.New(runtimeerr.KindBudgetExceeded, "post-reservation window cap breached")
	}

	sessionID, err := p.CreateSession(annotated)
	if err != nil {
		m.budget.Release(reservation)
		return nil, runtimeerr.Wrap(runtimeerr.KindProviderError, "provider create_session failed", err)
	}

	m.mu.Lock()
	m.records[sessionID] = &Record{
		SessionID:   sessionID,
		AgentID:     agentID,
		ProviderID:  p.ID(),
		Reservation: reservation,
		Request:     annotated,
	}
	m.mu.Unlock()

	resp := createResponse{
		SessionID:    sessionID,
		Status:       "creating",
		StatusPath:   "/sessions/" + sessionID + "/status",
		OutputPath:   "/sessions/" + sessionID + "/output",
		ResponsePath: "/sessions/" + sessionID + "/response",
		PromptPath:   "/sessions/" + sessionID + "/prompt",
	}
	body, _ := json.Marshal(resp)

	if scopedKey != "" {
		m.journal.PutWithTTL(scopedKey, body, time.Duration(ttlSeconds)*time.Second)
	}
	return body, nil
}

// rehydrate ensures a record exists for a session id named by a cached
// idempotency payload: a zero-cost, already-reconciled reservation, no
// budget touched.
func (m *Manager) rehydrate(agentID, providerID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[sessionID]; ok {
		return
	}
	m.records[sessionID] = &Record{
		SessionID:   sessionID,
		AgentID:     agentID,
		ProviderID:  providerID,
		Reservation: &budget.Reservation{AmountMicro: 0},
		Reconciled:  true,
	}
}

// Observe reads the provider's live state for sessionID and, if it has
// reached a terminal state and has not yet been reconciled, reconciles or
// releases the budget reservation exactly once.
func (m *Manager) Observe(sessionID string, p provider.Provider) (*provider.State, error) {
	st, ok := p.GetSession(sessionID)
	if !ok {
		return nil, runtimeerr.New(runtimeerr.KindSessionNotFound, sessionID)
	}

	if st.Kind.IsTerminal() {
		m.mu.Lock()
		rec, ok := m.records[sessionID]
		if ok && !rec.Reconciled {
			switch st.Kind {
			case provider.StateComplete:
				_ = m.budget.Reconcile(rec.Reservation, st.CostMicro)
			case provider.StateFailed:
				m.budget.Release(rec.Reservation)
			}
			rec.Reconciled = true
		}
		m.mu.Unlock()
	}
	return st, nil
}

// Fork creates a new record for a provider-chosen new session id: a fresh
// reservation equal to the parent's ceiling, no idempotency entry.
func (m *Manager) Fork(parentID string, p provider.Provider) (string, error) {
	m.mu.RLock()
	parent, ok := m.records[parentID]
	m.mu.RUnlock()
	if !ok {
		return "", runtimeerr.New(runtimeerr.KindSessionNotFound, parentID)
	}

	newID, err := p.ForkSession(parentID)
	if err != nil {
		return "", runtimeerr.Wrap(runtimeerr.KindProviderError, "provider fork_session failed", err)
	}

	ceiling := int64(0)
	if parent.Reservation != nil {
		ceiling = parent.Reservation.AmountMicro
	}
	reservation, err := m.budget.Reserve(ceiling)
	if err != nil {
		return "", runtimeerr.Wrap(runtimeerr.KindBudgetExceeded, "fork budget reservation failed", err)
	}

	m.mu.Lock()
	m.records[newID] = &Record{
		SessionID:   newID,
		AgentID:     parent.AgentID,
		ProviderID:  parent.ProviderID,
		Reservation: reservation,
		ParentID:    parentID,
		Request:     parent.Request,
	}
	m.mu.Unlock()
	return newID, nil
}

// Get returns a defensive copy of the record, if any.
func (m *Manager) Get(sessionID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[sessionID]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

