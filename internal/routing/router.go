// Package routing selects a provider for an admitted request. Grounded on
// the teacher's internal/agent/routing/router.go ordered-candidate-list
// shape and internal/agent/failover.go circuit-breaker-style availability
// check, generalized from HTTP backend selection to provider selection.
package routing

import (
	"fmt"

	"github.com/haasonsaas/csr/internal/provider"
	"github.com/haasonsaas/csr/internal/runtimeerr"
)

// Constraints carries the subset of an annotated request and resolved
// policy the Router needs to filter candidates. Kept separate from the
// policy package's types to avoid an import cycle (policy depends on
// routing for glob matching, not the reverse).
type Constraints struct {
	Model              string
	TunnelEndpointID   string
	AllowedProviderIDs []string
	AllowedModels      []string
	BlockedModels      []string
}

// Router holds providers in deterministic registration order.
type Router struct {
	providers []provider.Provider
}

func New() *Router {
	return &Router{}
}

// Register appends a provider, fixing its position in the deterministic
// ordering used as the final tie-break.
func (r *Router) Register(p provider.Provider) {
	r.providers = append(r.providers, p)
}

// Providers returns the registered providers in registration order.
func (r *Router) Providers() []provider.Provider {
	out := make([]provider.Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// ProviderByID returns the registered provider with the given id, if any.
func (r *Router) ProviderByID(id string) (provider.Provider, bool) {
	for _, p := range r.providers {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

// Select runs the filter pipeline and returns the first remaining
// provider by registration order.
func (r *Router) Select(c Constraints) (provider.Provider, error) {
	candidates := r.providers

	candidates = filter(candidates, func(p provider.Provider) bool {
		return p.IsAvailable().Status == "available"
	})

	candidates = filter(candidates, func(p provider.Provider) bool {
		return p.SupportsModel(c.Model)
	})

	if c.TunnelEndpointID != "" {
		candidates = filter(candidates, func(p provider.Provider) bool {
			return p.ID() == c.TunnelEndpointID
		})
	}

	if len(c.AllowedProviderIDs) > 0 {
		candidates = filter(candidates, func(p provider.Provider) bool {
			for _, id := range c.AllowedProviderIDs {
				if id == p.ID() {
					return true
				}
			}
			return false
		})
	}

	if len(c.AllowedModels) > 0 {
		candidates = filter(candidates, func(p provider.Provider) bool {
			return MatchAny(c.AllowedModels, c.Model)
		})
	}
	if len(c.BlockedModels) > 0 {
		candidates = filter(candidates, func(p provider.Provider) bool {
			return !MatchAny(c.BlockedModels, c.Model)
		})
	}

	if len(candidates) == 0 {
		return nil, runtimeerr.NoProviderAvailable(c.Model, noProviderReason(r.providers, c))
	}
	return candidates[0], nil
}

func filter(in []provider.Provider, keep func(provider.Provider) bool) []provider.Provider {
	out := make([]provider.Provider, 0, len(in))
	for _, p := range in {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// noProviderReason produces a human-readable diagnosis of why every
// provider was filtered out, to populate RuntimeError.Reason.
func noProviderReason(all []provider.Provider, c Constraints) string {
	if len(all) == 0 {
		return "no providers registered"
	}
	anySupports := false
	for _, p := range all {
		if p.SupportsModel(c.Model) {
			anySupports = true
			break
		}
	}
	if !anySupports {
		return fmt.Sprintf("no registered provider supports model %q", c.Model)
	}
	if c.TunnelEndpointID != "" {
		return fmt.Sprintf("tunnel endpoint %q is not a registered provider or is unavailable", c.TunnelEndpointID)
	}
	return "all supporting providers were excluded by policy or are unavailable"
}
