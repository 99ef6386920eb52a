package csr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/csr/internal/runtimeerr"
)

const defaultWatchTimeout = 25 * time.Second

// StartHTTPServer binds the listener named by cfg.Server.ListenAddr and
// begins serving the Dispatcher's path tree over HTTP (GET -> Read, PUT/POST
// -> Write, GET .../output -> Watch), plus /healthz and /metrics. Grounded on
// the teacher's gateway.startHTTPServer: a plain http.ServeMux, a listener
// created before the goroutine starts so bind errors surface synchronously,
// and a background Serve loop that only logs on unexpected shutdown.
func (rt *Runtime) StartHTTPServer() error {
	if rt.cfg.Server.ListenAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", rt.handleHealthz)
	mux.HandleFunc("/", rt.handleDispatch)

	listener, err := net.Listen("tcp", rt.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("csr: http listen: %w", err)
	}

	server := &http.Server{
		Addr:              rt.cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	rt.httpServer = server
	rt.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("csr: http server error", "error", err)
		}
	}()

	rt.logger.Info("csr: http boundary listening", "addr", rt.cfg.Server.ListenAddr)
	return nil
}

// StopHTTPServer gracefully shuts down the HTTP boundary, if one was
// started.
func (rt *Runtime) StopHTTPServer(ctx context.Context) {
	if rt.httpServer == nil {
		return
	}
	if err := rt.httpServer.Shutdown(ctx); err != nil {
		rt.logger.Warn("csr: http server shutdown error", "error", err)
	}
	rt.httpServer = nil
	rt.httpListener = nil
}

func (rt *Runtime) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleDispatch maps one HTTP request onto the Dispatcher's virtual
// path tree: GET reads a leaf, PUT/POST flushes a write to one, and GET on
// a path ending in /output long-polls Watch for the next streamed chunk.
func (rt *Runtime) handleDispatch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/output"):
		rt.handleWatch(w, r, path)

	case r.Method == http.MethodGet:
		body, err := rt.Read(r.Context(), path)
		writeResult(w, body, err)

	case r.Method == http.MethodPut || r.Method == http.MethodPost:
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			writeError(w, runtimeerr.InvalidRequest("could not read request body"))
			return
		}
		out, err := rt.Write(r.Context(), path, body)
		writeResult(w, out, err)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (rt *Runtime) handleWatch(w http.ResponseWriter, r *http.Request, path string) {
	trimmed := strings.Trim(path, "/")
	tokens := strings.Split(trimmed, "/")
	if len(tokens) != 3 || tokens[0] != "sessions" {
		writeError(w, runtimeerr.InvalidRequest("not a watchable path: "+path))
		return
	}

	timeout := defaultWatchTimeout
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	chunk, ok, err := rt.Watch(r.Context(), tokens[1], timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		_ = json.NewEncoder(w).Encode(map[string]bool{"done": true})
		return
	}
	_ = json.NewEncoder(w).Encode(chunk)
}

func writeResult(w http.ResponseWriter, body []byte, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if len(body) == 0 {
		w.Write([]byte("null"))
		return
	}
	w.Write(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := runtimeerr.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(kind))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}

func statusForKind(kind runtimeerr.Kind) int {
	switch kind {
	case runtimeerr.KindInvalidRequest, runtimeerr.KindIdempotencyRequired, runtimeerr.KindMaxCostRequired:
		return http.StatusBadRequest
	case runtimeerr.KindSessionNotFound:
		return http.StatusNotFound
	case runtimeerr.KindNoProviderAvailable:
		return http.StatusServiceUnavailable
	case runtimeerr.KindBudgetExceeded:
		return http.StatusPaymentRequired
	case runtimeerr.KindNotReady:
		return http.StatusAccepted
	case runtimeerr.KindTunnelRequired, runtimeerr.KindTunnelAuthRequired:
		return http.StatusUnauthorized
	case runtimeerr.KindProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
