package routing

import (
	"fmt"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-router/internal/registry"
	"github.com/tributary-ai/provider-router/internal/types"
)

// DefaultMaxTokens is used when a request does not state a token budget
const DefaultMaxTokens = 1000

// Router picks the provider that should serve a request
type Router struct {
	registry        *registry.Registry
	defaultStrategy types.Strategy
	clock           clock.Clock
	logger          *logrus.Logger
}

// SelectRequest is the input to Select
type SelectRequest struct {
	Query       string
	MaxTokens   int
	Strategy    types.Strategy
	Preferences types.Preferences

	// Provider pins a provider by name when it is eligible
	Provider string

	// Exclude removes providers from consideration, e.g. ones that just failed
	Exclude []string
}

type candidate struct {
	state types.ProviderState
	score float64
}

// NewRouter creates a new router instance
func NewRouter(reg *registry.Registry, defaultStrategy types.Strategy, clk clock.Clock, logger *logrus.Logger) *Router {
	if defaultStrategy == "" {
		defaultStrategy = types.StrategyHybrid
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Router{
		registry:        reg,
		defaultStrategy: defaultStrategy,
		clock:           clk,
		logger:          logger,
	}
}

// DefaultStrategy returns the strategy used when a request names none
func (r *Router) DefaultStrategy() types.Strategy {
	return r.defaultStrategy
}

// Select ranks eligible providers and returns the winner with its fallbacks
func (r *Router) Select(req SelectRequest) (*RoutingDecision, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = r.defaultStrategy
	}
	if strategy != types.StrategyBasic {
		if _, ok := WeightsFor(strategy); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	snapshot := r.registry.Snapshot()
	healthMap := make(map[string]types.HealthState, len(snapshot))
	excluded := make(map[string]bool, len(req.Exclude))
	for _, name := range req.Exclude {
		excluded[name] = true
	}

	var eligible []types.ProviderState
	for _, state := range snapshot {
		healthMap[state.Config.Name] = state.Config.Health
		if excluded[state.Config.Name] {
			continue
		}
		if state.Config.Health != types.HealthHealthy || state.Config.MaxTokens < maxTokens {
			continue
		}
		eligible = append(eligible, state)
	}

	if len(eligible) == 0 {
		return nil, &NoHealthyProviderError{MaxTokens: maxTokens, Excluded: req.Exclude, Health: healthMap}
	}

	filtered := eligible
	if !req.Preferences.IsZero() {
		filtered = filtered[:0:0]
		for _, state := range eligible {
			if satisfies(state, req.Preferences) {
				filtered = append(filtered, state)
			}
		}
		if len(filtered) == 0 {
			names := make([]string, 0, len(eligible))
			for _, state := range eligible {
				names = append(names, state.Config.Name)
			}
			return nil, &PreferenceMismatchError{Preferences: req.Preferences, Eligible: names}
		}
	}

	ranked := r.rank(filtered, strategy, maxTokens, req.Preferences)

	var reasoning []string
	if req.Provider != "" {
		if idx := indexOf(ranked, req.Provider); idx > 0 {
			pinned := ranked[idx]
			ranked = append([]candidate{pinned}, append(ranked[:idx:idx], ranked[idx+1:]...)...)
		}
		if ranked[0].state.Config.Name == req.Provider {
			reasoning = append(reasoning, "requested provider "+req.Provider)
		} else {
			reasoning = append(reasoning, "requested provider "+req.Provider+" unavailable")
		}
	}

	decision := r.buildDecision(ranked, strategy, maxTokens, req, healthMap, reasoning)

	r.logger.WithFields(logrus.Fields{
		"provider":   decision.Provider,
		"fallback":   decision.Fallback,
		"strategy":   strategy,
		"confidence": decision.Confidence,
		"candidates": len(ranked),
	}).Debug("Routing decision made")

	return decision, nil
}

func (r *Router) rank(states []types.ProviderState, strategy types.Strategy, maxTokens int, prefs types.Preferences) []candidate {
	weights, _ := WeightsFor(strategy)

	ranked := make([]candidate, 0, len(states))
	for _, state := range states {
		var score float64
		if strategy == types.StrategyBasic {
			score = basicScore(state.Config, maxTokens)
		} else {
			score = strategyScore(state, weights, prefs)
		}
		ranked = append(ranked, candidate{state: state, score: score})
	}

	// stable keeps registration order on ties
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	return ranked
}

func (r *Router) buildDecision(ranked []candidate, strategy types.Strategy, maxTokens int, req SelectRequest, health map[string]types.HealthState, reasoning []string) *RoutingDecision {
	best := ranked[0]

	scores := make([]float64, len(ranked))
	scoreMap := make(map[string]float64, len(ranked))
	considered := make([]string, len(ranked))
	for i, c := range ranked {
		scores[i] = c.score
		scoreMap[c.state.Config.Name] = c.score
		considered[i] = c.state.Config.Name
	}

	var chain []string
	for _, c := range ranked[1:] {
		chain = append(chain, c.state.Config.Name)
	}
	fallback := ""
	if len(chain) > 0 {
		fallback = chain[0]
	}

	reasoning = append(reasoning,
		fmt.Sprintf("strategy %s", strategy),
		fmt.Sprintf("score %.2f across %d candidate(s)", best.score, len(ranked)),
	)
	if regionMatches(best.state.Metrics.InstanceID, req.Preferences.PreferredRegion) {
		reasoning = append(reasoning, "instance matches preferred region "+req.Preferences.PreferredRegion)
	}

	var prefs *types.Preferences
	if !req.Preferences.IsZero() {
		p := req.Preferences
		prefs = &p
	}

	return &RoutingDecision{
		Provider:           best.state.Config.Name,
		InstanceID:         best.state.Metrics.InstanceID,
		Reasoning:          reasoning,
		EstimatedCost:      best.state.Config.CostPerToken * float64(maxTokens),
		EstimatedLatencyMs: best.state.Config.LatencyMs,
		Fallback:           fallback,
		FallbackChain:      chain,
		Confidence:         confidence(scores),
		Strategy:           strategy,
		RoutingContext: RoutingContext{
			ConsideredProviders: considered,
			Scores:              scoreMap,
			ProviderHealth:      health,
			Preferences:         prefs,
			Timestamp:           r.clock.Now(),
		},
	}
}

func indexOf(ranked []candidate, name string) int {
	for i, c := range ranked {
		if c.state.Config.Name == name {
			return i
		}
	}
	return -1
}
