// Package config loads the runtime's YAML configuration, following the
// teacher's nested-struct-with-yaml-tags convention rather than hand
// rolling a flag-only setup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BudgetConfig configures BudgetTracker's per-window caps and the
// default/require-ceiling admission behavior.
type BudgetConfig struct {
	PerTickCapUSD    float64 `yaml:"per_tick_cap_usd"`
	PerDayCapUSD     float64 `yaml:"per_day_cap_usd"`
	DefaultCeilingUSD float64 `yaml:"default_ceiling_usd"`
	RequireCeiling   bool    `yaml:"require_ceiling"`
}

// PolicyConfig is the on-disk shape of the default Policy record.
type PolicyConfig struct {
	AllowedProviderIDs    []string `yaml:"allowed_providers"`
	AllowedModels         []string `yaml:"allowed_models"`
	BlockedModels         []string `yaml:"blocked_models"`
	AllowedTunnels        []string `yaml:"allowed_tunnels"`
	AllowedTools          []string `yaml:"allowed_tools"`
	BlockedTools          []string `yaml:"blocked_tools"`
	ApprovalRequired      []string `yaml:"approval_required"`
	RequireIdempotency    bool     `yaml:"require_idempotency"`
	DefaultAutonomy       string   `yaml:"default_autonomy"`
	MaxContextTokens      int      `yaml:"max_context_tokens"`
	MaxConcurrentSessions int      `yaml:"max_concurrent_sessions"`
}

// ProviderConfig configures one registered provider instance.
type ProviderConfig struct {
	ID     string            `yaml:"id"`
	Kind   string            `yaml:"kind"` // "local" | "claude_api" | "bedrock" | "tunnel"
	Models []string          `yaml:"models"`
	Extra  map[string]string `yaml:"extra"`
}

// ProvidersConfig lists every provider the runtime registers at startup.
type ProvidersConfig struct {
	Entries []ProviderConfig `yaml:"entries"`
}

// TunnelEndpointConfig is the on-disk shape of one tunnel.Endpoint.
type TunnelEndpointConfig struct {
	ID            string   `yaml:"id"`
	URL           string   `yaml:"url"`
	Auth          string   `yaml:"auth"` // "none" | "signed_identity" | "pre_shared_key"
	Relay         string   `yaml:"relay"`
	SecretRef     string   `yaml:"secret_ref"`
	AllowedAgents []string `yaml:"allowed_agents"`
	RateLimitRPS  float64  `yaml:"rate_limit_rps"`
}

// TunnelsConfig lists every tunnel endpoint plus the shared challenge TTL.
type TunnelsConfig struct {
	ChallengeTTLSeconds int                    `yaml:"challenge_ttl_seconds"`
	Endpoints           []TunnelEndpointConfig `yaml:"endpoints"`
}

// ServerConfig configures the outer HTTP listener. MetricsAddr is loaded
// but no listener binds it; /metrics is served on ListenAddr.
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// RuntimeConfig is the top-level csr.yaml shape.
type RuntimeConfig struct {
	Server              ServerConfig    `yaml:"server"`
	Budget              BudgetConfig    `yaml:"budget"`
	Policy              PolicyConfig    `yaml:"policy"`
	Providers           ProvidersConfig `yaml:"providers"`
	Tunnels             TunnelsConfig   `yaml:"tunnels"`
	IdempotencyTTLSeconds int           `yaml:"idempotency_ttl_seconds"`
}

func defaults() RuntimeConfig {
	return RuntimeConfig{
		Server: ServerConfig{
			ListenAddr:  ":8443",
			MetricsAddr: ":9090",
		},
		Budget: BudgetConfig{
			PerTickCapUSD: 10,
			PerDayCapUSD:  200,
		},
		IdempotencyTTLSeconds: 600,
		Tunnels: TunnelsConfig{
			ChallengeTTLSeconds: 300,
		},
	}
}

// Load reads and parses path, filling unset fields with defaults().
func Load(path string) (RuntimeConfig, error) {
	cfg := defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// IdempotencyTTL returns the configured TTL as a time.Duration.
func (c RuntimeConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}

// ChallengeTTL returns the configured tunnel challenge TTL as a
// time.Duration.
func (c TunnelsConfig) ChallengeTTL() time.Duration {
	return time.Duration(c.ChallengeTTLSeconds) * time.Second
}

// MicroUSD converts a floating USD amount to integer micro-units, the unit
// every budget and ceiling field uses internally.
func MicroUSD(usd float64) int64 {
	return int64(usd * 1_000_000)
}
