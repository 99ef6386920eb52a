// Package dispatch implements the Dispatcher: a flat match over tokenized
// virtual paths, not a pointer-graph tree, per the design note that the
// path space is the user-visible protocol. Grounded on the original
// runtime's FileService path-match table, reshaped into Go as a switch
// over the path's tokens, cases tried in order -- the same shape the teacher
// uses for its HTTP mux route tables, generalized from net/http handlers
// to read/write/watch virtual-file operations.
package dispatch

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/csr/internal/budget"
	"github.com/haasonsaas/csr/internal/policy"
	"github.com/haasonsaas/csr/internal/pool"
	"github.com/haasonsaas/csr/internal/provider"
	"github.com/haasonsaas/csr/internal/proxy"
	"github.com/haasonsaas/csr/internal/routing"
	"github.com/haasonsaas/csr/internal/runtimeerr"
	"github.com/haasonsaas/csr/internal/session"
	"github.com/haasonsaas/csr/internal/tunnel"
)

// Dispatcher serves the canonical virtual-path surface. There is no
// buffering handle type here: callers (the outer HTTP/WebSocket boundary)
// own accumulation and call Write once per flush with the accumulated
// bytes.
type Dispatcher struct {
	router     *routing.Router
	sessions   *session.Manager
	budget     *budget.Tracker
	tunnels    *tunnel.Store
	providers  map[string]provider.Provider
	pool       *pool.Pool
	proxy      *proxy.Proxy

	policyMu     sync.RWMutex
	policyEngine *policy.Engine
	policyCfg    policy.Config

	journalTTL time.Duration
}

func New(router *routing.Router, sessions *session.Manager, bt *budget.Tracker, tunnels *tunnel.Store, policyEngine *policy.Engine, initialPolicy policy.Config, journalTTL time.Duration, workerPool *pool.Pool, forwardingProxy *proxy.Proxy) *Dispatcher {
	providers := make(map[string]provider.Provider)
	for _, p := range router.Providers() {
		providers[p.ID()] = p
	}
	return &Dispatcher{
		router:       router,
		sessions:     sessions,
		budget:       bt,
		tunnels:      tunnels,
		providers:    providers,
		pool:         workerPool,
		proxy:        forwardingProxy,
		policyEngine: policyEngine,
		policyCfg:    initialPolicy,
		journalTTL:   journalTTL,
	}
}

func (d *Dispatcher) currentPolicy() policy.Config {
	d.policyMu.RLock()
	defer d.policyMu.RUnlock()
	return d.policyCfg
}

// Read handles every GET-shaped leaf.
func (d *Dispatcher) Read(path string) ([]byte, error) {
	tokens := tokenize(path)

	switch {
	case len(tokens) == 1 && tokens[0] == "policy":
		d.policyMu.RLock()
		defer d.policyMu.RUnlock()
		return json.Marshal(d.policyCfg)

	case len(tokens) == 1 && tokens[0] == "usage":
		return json.Marshal(d.budget.Snapshot())

	case len(tokens) == 1 && tokens[0] == "providers":
		infos := make([]provider.Info, 0, len(d.providers))
		for _, p := range d.router.Providers() {
			infos = append(infos, p.Info())
		}
		return json.Marshal(infos)

	case len(tokens) == 1 && tokens[0] == "sessions":
		return json.Marshal(d.sessions.IDs())

	case len(tokens) == 2 && tokens[0] == "pool" && tokens[1] == "status":
		return json.Marshal(d.pool.Status())

	case len(tokens) == 2 && tokens[0] == "pool" && tokens[1] == "workers":
		return json.Marshal(d.pool.Workers())

	case len(tokens) == 2 && tokens[0] == "proxy" && tokens[1] == "status":
		return json.Marshal(d.proxy.Status())

	case len(tokens) == 3 && tokens[0] == "providers" && tokens[2] == "info":
		p, err := d.provider(tokens[1])
		if err != nil {
			return nil, err
		}
		return json.Marshal(p.Info())

	case len(tokens) == 3 && tokens[0] == "providers" && tokens[2] == "models":
		p, err := d.provider(tokens[1])
		if err != nil {
			return nil, err
		}
		return json.Marshal(p.Models())

	case len(tokens) == 3 && tokens[0] == "providers" && tokens[2] == "health":
		p, err := d.provider(tokens[1])
		if err != nil {
			return nil, err
		}
		return json.Marshal(p.IsAvailable())

	case len(tokens) == 3 && tokens[0] == "providers" && tokens[1] == "tunnel" && tokens[2] == "endpoints":
		return d.readTunnelEndpoints()

	case len(tokens) == 2 && tokens[0] == "auth" && tokens[1] == "tunnels":
		return d.readTunnelEndpoints()

	case len(tokens) == 2 && tokens[0] == "auth" && tokens[1] == "challenge":
		return d.readAuthChallenge()

	case len(tokens) == 2 && tokens[0] == "auth" && tokens[1] == "status":
		return json.Marshal(d.tunnels.Status())

	case len(tokens) == 3 && tokens[0] == "sessions" && tokens[2] == "status":
		return d.readSessionStatus(tokens[1])

	case len(tokens) == 3 && tokens[0] == "sessions" && tokens[2] == "response":
		return d.readSessionResponse(tokens[1])

	case len(tokens) == 3 && tokens[0] == "sessions" && tokens[2] == "context":
		return d.readSessionContext(tokens[1])

	case len(tokens) == 3 && tokens[0] == "sessions" && tokens[2] == "usage":
		return d.readSessionUsage(tokens[1])

	case len(tokens) == 4 && tokens[0] == "sessions" && tokens[2] == "tools" && tokens[3] == "log":
		return d.readToolLog(tokens[1])

	case len(tokens) == 4 && tokens[0] == "sessions" && tokens[2] == "tools" && tokens[3] == "pending":
		return d.readPendingTool(tokens[1])
	}

	return nil, runtimeerr.New(runtimeerr.KindInvalidRequest, "no such readable path: "+path)
}

// Write handles every flush-shaped leaf: body is the fully accumulated
// bytes for the handle being flushed.
func (d *Dispatcher) Write(path string, body []byte) ([]byte, error) {
	tokens := tokenize(path)

	switch {
	case len(tokens) == 1 && tokens[0] == "new":
		return d.writeNew(body)

	case len(tokens) == 1 && tokens[0] == "policy":
		return nil, d.writePolicy(body)

	case len(tokens) == 2 && tokens[0] == "auth" && tokens[1] == "tunnels":
		return nil, d.writeTunnelEndpoints(body)

	case len(tokens) == 2 && tokens[0] == "auth" && tokens[1] == "challenge":
		return nil, d.writeAuthResponse(body)

	case len(tokens) == 3 && tokens[0] == "sessions" && tokens[2] == "prompt":
		return nil, d.writePrompt(tokens[1], body)

	case len(tokens) == 4 && tokens[0] == "sessions" && tokens[2] == "tools" && tokens[3] == "approve":
		return nil, d.writeToolApprove(tokens[1], body)

	case len(tokens) == 3 && tokens[0] == "sessions" && tokens[2] == "fork":
		return d.writeFork(tokens[1])

	case len(tokens) == 3 && tokens[0] == "sessions" && tokens[2] == "ctl":
		return nil, d.writeCtl(tokens[1], body)
	}

	return nil, runtimeerr.New(runtimeerr.KindInvalidRequest, "no such writable path: "+path)
}

// Watch implements the output leaf's next(timeout) -> Option<Event>
// contract: it polls the provider for the next buffered chunk, and on
// the terminal chunk reconciles the session's budget reservation before
// reporting end-of-stream on the following call.
func (d *Dispatcher) Watch(sessionID string, timeout time.Duration) (*provider.Chunk, bool, error) {
	rec, ok := d.sessions.Get(sessionID)
	if !ok {
		return nil, false, runtimeerr.New(runtimeerr.KindSessionNotFound, sessionID)
	}
	p, err := d.provider(rec.ProviderID)
	if err != nil {
		return nil, false, err
	}

	deadline := time.Now().Add(timeout)
	for {
		if chunk, ok := p.PollOutput(sessionID); ok {
			if chunk.Kind == provider.ChunkDone || chunk.Kind == provider.ChunkError {
				_, _ = d.sessions.Observe(sessionID, p)
			}
			return chunk, true, nil
		}
		if st, ok := p.GetSession(sessionID); ok && st.Kind.IsTerminal() {
			_, _ = d.sessions.Observe(sessionID, p)
			return nil, false, nil
		}
		if time.Now().After(deadline) {
			return nil, false, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (d *Dispatcher) provider(id string) (provider.Provider, error) {
	p, ok := d.providers[id]
	if !ok {
		return nil, runtimeerr.New(runtimeerr.KindInvalidRequest, "unknown provider: "+id)
	}
	return p, nil
}

func tokenize(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
