// Package csr assembles every subsystem package into the running Claude
// Session Runtime, the way the teacher's cmd/nexus/main.go wires its
// gateway/agent/channels packages together in one place rather than
// scattering construction across main(). Runtime owns the wiring; main()
// only owns process lifecycle (signals, listeners, exit codes).
package csr

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/haasonsaas/csr/internal/budget"
	"github.com/haasonsaas/csr/internal/config"
	"github.com/haasonsaas/csr/internal/dispatch"
	"github.com/haasonsaas/csr/internal/journal"
	"github.com/haasonsaas/csr/internal/observability"
	"github.com/haasonsaas/csr/internal/policy"
	"github.com/haasonsaas/csr/internal/pool"
	"github.com/haasonsaas/csr/internal/provider"
	"github.com/haasonsaas/csr/internal/provider/bedrock"
	"github.com/haasonsaas/csr/internal/provider/claudeapi"
	"github.com/haasonsaas/csr/internal/provider/memoryprov"
	"github.com/haasonsaas/csr/internal/proxy"
	"github.com/haasonsaas/csr/internal/routing"
	"github.com/haasonsaas/csr/internal/session"
	"github.com/haasonsaas/csr/internal/signing"
	"github.com/haasonsaas/csr/internal/tunnel"
	"github.com/haasonsaas/csr/internal/tunnelws"
)

// Runtime holds every wired subsystem for one running instance.
type Runtime struct {
	cfg    config.RuntimeConfig
	logger *slog.Logger

	Budget     *budget.Tracker
	Journal    *journal.Journal
	Router     *routing.Router
	Tunnels    *tunnel.Store
	Policy     *policy.Engine
	Sessions   *session.Manager
	Dispatcher *dispatch.Dispatcher

	Metrics        *observability.Metrics
	TracerProvider *trace.TracerProvider

	Pool  *pool.Pool
	Proxy *proxy.Proxy

	cron     *cron.Cron
	registry *prometheus.Registry

	httpServer   *http.Server
	httpListener net.Listener
}

// New constructs a Runtime from a loaded RuntimeConfig. It registers every
// provider named in cfg.Providers, every tunnel endpoint in cfg.Tunnels,
// and creates (without starting) the cron scheduler for budget rollover;
// StartScheduler starts it.
func New(ctx context.Context, cfg config.RuntimeConfig, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bt := budget.New(budget.Config{
		PerTickCapMicro: config.MicroUSD(cfg.Budget.PerTickCapUSD),
		PerDayCapMicro:  config.MicroUSD(cfg.Budget.PerDayCapUSD),
	})
	j := journal.New()
	router := routing.New()

	identity := signing.New(signing.NewNostrVerifier())
	psk := tunnel.NewJWTPreSharedKeyVerifier(secretResolver(cfg.Tunnels))
	tunnels := tunnel.New(identity, psk, cfg.Tunnels.ChallengeTTL())
	for _, ep := range cfg.Tunnels.Endpoints {
		tunnels.Register(tunnel.Endpoint{
			ID:            ep.ID,
			URL:           ep.URL,
			Auth:          tunnel.AuthKind(ep.Auth),
			Relay:         ep.Relay,
			SecretRef:     ep.SecretRef,
			AllowedAgents: ep.AllowedAgents,
			RateLimitRPS:  ep.RateLimitRPS,
		})
	}

	if err := registerProviders(ctx, router, tunnels, cfg.Providers, logger); err != nil {
		return nil, fmt.Errorf("csr: registering providers: %w", err)
	}

	sessions := session.New(bt, j, router)
	policyEngine := policy.New(sessions, tunnels)
	policyCfg := policyConfigFrom(cfg.Policy)
	policyCfg.DefaultCeilingMicro = config.MicroUSD(cfg.Budget.DefaultCeilingUSD)
	policyCfg.RequireCeiling = cfg.Budget.RequireCeiling
	policyCfg.PerTickCapMicro = config.MicroUSD(cfg.Budget.PerTickCapUSD)
	policyCfg.PerDayCapMicro = config.MicroUSD(cfg.Budget.PerDayCapUSD)
	workerPool := pool.New()
	forwardingProxy := proxy.New()
	dispatcher := dispatch.New(router, sessions, bt, tunnels, policyEngine, policyCfg, cfg.IdempotencyTTL(), workerPool, forwardingProxy)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	tp := observability.NewTracerProvider()

	rt := &Runtime{
		cfg:            cfg,
		logger:         logger,
		Budget:         bt,
		Journal:        j,
		Router:         router,
		Tunnels:        tunnels,
		Policy:         policyEngine,
		Sessions:       sessions,
		Dispatcher:     dispatcher,
		Metrics:        metrics,
		TracerProvider: tp,
		Pool:           workerPool,
		Proxy:          forwardingProxy,
		cron:           cron.New(),
		registry:       reg,
	}
	return rt, nil
}

// registerProviders constructs and registers one Provider per configured
// entry, matching ProviderConfig.Kind against the four concrete
// implementations the runtime ships.
func registerProviders(ctx context.Context, router *routing.Router, tunnels *tunnel.Store, cfg config.ProvidersConfig, logger *slog.Logger) error {
	for _, entry := range cfg.Entries {
		switch entry.Kind {
		case "local":
			models := make([]provider.Model, 0, len(entry.Models))
			for _, id := range entry.Models {
				models = append(models, provider.Model{ID: id, Name: id, ContextSize: 200000})
			}
			router.Register(memoryprov.New(entry.ID, models))

		case "claude_api":
			p, err := claudeapi.New(claudeapi.Config{
				APIKey:  entry.Extra["api_key"],
				BaseURL: entry.Extra["base_url"],
			})
			if err != nil {
				return fmt.Errorf("provider %s: %w", entry.ID, err)
			}
			router.Register(p)

		case "bedrock":
			p, err := bedrock.New(ctx, bedrock.Config{
				Region:          entry.Extra["region"],
				AccessKeyID:     entry.Extra["access_key_id"],
				SecretAccessKey: entry.Extra["secret_access_key"],
				SessionToken:    entry.Extra["session_token"],
			})
			if err != nil {
				return fmt.Errorf("provider %s: %w", entry.ID, err)
			}
			router.Register(p)

		case "tunnel":
			router.Register(tunnelws.New(tunnels, nil))

		default:
			logger.Warn("csr: unknown provider kind, skipping", "id", entry.ID, "kind", entry.Kind)
		}
	}
	return nil
}

func policyConfigFrom(c config.PolicyConfig) policy.Config {
	return policy.Config{
		AllowedProviderIDs:    c.AllowedProviderIDs,
		AllowedModels:         c.AllowedModels,
		BlockedModels:         c.BlockedModels,
		AllowedTunnels:        c.AllowedTunnels,
		AllowedTools:          c.AllowedTools,
		BlockedTools:          c.BlockedTools,
		ApprovalRequired:      c.ApprovalRequired,
		RequireIdempotency:    c.RequireIdempotency,
		DefaultAutonomy:       provider.Autonomy(c.DefaultAutonomy),
		MaxContextTokens:      c.MaxContextTokens,
		MaxConcurrentSessions: c.MaxConcurrentSessions,
	}
}

func secretResolver(cfg config.TunnelsConfig) func(string) ([]byte, error) {
	refs := make(map[string]string, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		if ep.SecretRef != "" {
			refs[ep.SecretRef] = ep.SecretRef
		}
	}
	return func(secretRef string) ([]byte, error) {
		if _, ok := refs[secretRef]; !ok {
			return nil, fmt.Errorf("csr: unknown secret ref %s", secretRef)
		}
		return []byte(secretRef), nil
	}
}

// Read wraps Dispatcher.Read with a trace span and duration metric, the
// same ObserveDispatch/StartDispatchSpan pairing every dispatch entrypoint
// uses.
func (rt *Runtime) Read(ctx context.Context, path string) ([]byte, error) {
	ctx, span := observability.StartDispatchSpan(ctx, path, "read")
	defer span.End()
	start := time.Now()
	out, err := rt.Dispatcher.Read(path)
	rt.Metrics.ObserveDispatch(path, "read", time.Since(start).Seconds())
	return out, err
}

// Write wraps Dispatcher.Write the same way Read wraps Dispatcher.Read.
func (rt *Runtime) Write(ctx context.Context, path string, body []byte) ([]byte, error) {
	ctx, span := observability.StartDispatchSpan(ctx, path, "write")
	defer span.End()
	start := time.Now()
	out, err := rt.Dispatcher.Write(path, body)
	rt.Metrics.ObserveDispatch(path, "write", time.Since(start).Seconds())
	return out, err
}

// Watch wraps Dispatcher.Watch in a trace span; unlike Read and Write it
// records no duration metric.
func (rt *Runtime) Watch(ctx context.Context, sessionID string, timeout time.Duration) (*provider.Chunk, bool, error) {
	ctx, span := observability.StartDispatchSpan(ctx, "sessions/"+sessionID+"/output", "watch")
	defer span.End()
	return rt.Dispatcher.Watch(sessionID, timeout)
}

// StartScheduler arms the cron-driven window rollover and begins running
// it in the background; callers stop it via StopScheduler during shutdown.
func (rt *Runtime) StartScheduler() error {
	if _, err := rt.cron.AddFunc("@every 1m", rt.Budget.RolloverTick); err != nil {
		return fmt.Errorf("csr: scheduling tick rollover: %w", err)
	}
	if _, err := rt.cron.AddFunc("@daily", rt.Budget.RolloverDay); err != nil {
		return fmt.Errorf("csr: scheduling day rollover: %w", err)
	}
	rt.cron.Start()
	return nil
}

// StopScheduler stops the cron scheduler, blocking until its running jobs
// finish.
func (rt *Runtime) StopScheduler(ctx context.Context) {
	stopped := rt.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}

// Shutdown releases resources that outlive a single request: the HTTP
// listener, the cron scheduler, and the tracer provider's exporters.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.StopHTTPServer(ctx)
	rt.StopScheduler(ctx)
	return rt.TracerProvider.Shutdown(ctx)
}

// StatusReport is the full cross-subsystem snapshot the CLI's status
// subcommand prints.
type StatusReport struct {
	Budget    budget.Usage
	Providers []provider.Info
	Tunnels   []tunnel.Status
	Pool      pool.Status
	Proxy     proxy.Status
}

// Status gathers a point-in-time report across every subsystem.
func (rt *Runtime) Status() StatusReport {
	infos := make([]provider.Info, 0, len(rt.Router.Providers()))
	for _, p := range rt.Router.Providers() {
		infos = append(infos, p.Info())
	}
	return StatusReport{
		Budget:    rt.Budget.Snapshot(),
		Providers: infos,
		Tunnels:   rt.Tunnels.Status(),
		Pool:      rt.Pool.Status(),
		Proxy:     rt.Proxy.Status(),
	}
}
