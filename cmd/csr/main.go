// Command csr runs the Claude Session Runtime: a single process exposing
// the virtual dispatch surface (new/read/write/watch over session, policy,
// budget, and tunnel-auth paths) described in this repository's design
// docs. Usage:
//
//	csr serve --config csr.yaml
//	csr status --config csr.yaml --json
//
// Configuration is a single YAML file (see internal/config). There are no
// required environment variables; secrets referenced from config (cloud
// API keys, tunnel pre-shared secrets) are read from the config file's
// "extra"/"secret_ref" fields at startup.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/csr/internal/config"
	"github.com/haasonsaas/csr/internal/csr"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("csr: fatal", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "csr",
		Short:        "Claude Session Runtime",
		Long:         "csr multiplexes long-running streaming model sessions across providers behind a single admission-policed virtual filesystem surface.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildStatusCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "csr.yaml", "path to runtime config")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("csr: starting", "version", version, "commit", commit, "listen", cfg.Server.ListenAddr)

	rt, err := csr.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	if err := rt.StartScheduler(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := rt.StartHTTPServer(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-runCtx.Done()

	logger.Info("csr: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Warn("csr: shutdown reported an error", "error", err)
	}
	return nil
}

func buildStatusCmd() *cobra.Command {
	var configPath string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report runtime subsystem status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), configPath, asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "csr.yaml", "path to runtime config")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}

func runStatus(ctx context.Context, configPath string, asJSON bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := csr.New(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	report := rt.Status()

	if asJSON {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("csr %s (commit: %s, built: %s)\n\n", version, commit, date)
	fmt.Printf("Budget:\n  tick  reserved=%d spent=%d limit=%d\n  day   reserved=%d spent=%d limit=%d\n\n",
		report.Budget.Tick.Reserved, report.Budget.Tick.Spent, report.Budget.Tick.Limit,
		report.Budget.Day.Reserved, report.Budget.Day.Spent, report.Budget.Day.Limit)

	fmt.Println("Providers:")
	for _, p := range report.Providers {
		fmt.Printf("  %s (%s)\n", p.ID, p.Name)
	}

	fmt.Println("\nTunnels:")
	for _, t := range report.Tunnels {
		fmt.Printf("  %s auth=%s authorized=%v\n", t.EndpointID, t.AuthKind, t.Authorized)
	}

	fmt.Printf("\nPool: total=%d idle=%d busy=%d unhealthy=%d\n",
		report.Pool.TotalWorkers, report.Pool.IdleWorkers, report.Pool.BusyWorkers, report.Pool.UnhealthyCount)
	fmt.Printf("Proxy: state=%s forwarded=%d failed=%d active=%d\n",
		report.Proxy.State, report.Proxy.Metrics.RequestsForwarded, report.Proxy.Metrics.RequestsFailed, report.Proxy.Metrics.ActiveConnections)
	return nil
}
