package routing

import (
	"time"

	"github.com/tributary-ai/provider-router/internal/types"
)

// RoutingDecision contains information about a routing decision.
// Decisions are values and are never mutated once returned.
type RoutingDecision struct {
	// The selected provider name and instance
	Provider   string `json:"provider"`
	InstanceID string `json:"instance_id"`

	// Human-readable reasoning for the decision
	Reasoning []string `json:"reason"`

	// Cost and performance estimates
	EstimatedCost      float64 `json:"estimated_cost"`
	EstimatedLatencyMs float64 `json:"estimated_latency"`

	// Second best candidate and the full ranked remainder
	Fallback      string   `json:"fallback_provider,omitempty"`
	FallbackChain []string `json:"fallback_chain,omitempty"`

	Confidence float64        `json:"confidence"`
	Strategy   types.Strategy `json:"strategy"`

	// Set when the request was served by a fallback
	FailoverFrom string `json:"failover_from,omitempty"`

	RoutingContext RoutingContext `json:"routing_context"`
}

// RoutingContext contains additional context about the routing decision
type RoutingContext struct {
	// Candidates that passed eligibility and preference filtering
	ConsideredProviders []string `json:"considered_providers"`

	// Score per considered provider
	Scores map[string]float64 `json:"scores"`

	// Provider health at time of routing
	ProviderHealth map[string]types.HealthState `json:"provider_health"`

	Preferences *types.Preferences `json:"preferences,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// servedBy returns a copy of d rewritten for a fallback provider
func (d RoutingDecision) servedBy(state types.ProviderState, maxTokens int) RoutingDecision {
	out := d
	out.FailoverFrom = d.Provider
	out.Provider = state.Config.Name
	out.InstanceID = state.Metrics.InstanceID
	out.EstimatedCost = state.Config.CostPerToken * float64(maxTokens)
	out.EstimatedLatencyMs = state.Config.LatencyMs
	out.Reasoning = append(append([]string(nil), d.Reasoning...), "failover from "+d.Provider)
	out.Fallback = ""
	out.FallbackChain = nil
	for _, name := range d.FallbackChain {
		if name != state.Config.Name {
			out.FallbackChain = append(out.FallbackChain, name)
		}
	}
	if len(out.FallbackChain) > 0 {
		out.Fallback = out.FallbackChain[0]
	}
	return out
}
