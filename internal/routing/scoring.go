package routing

import (
	"math"
	"strings"

	"github.com/tributary-ai/provider-router/internal/types"
)

// Weights are the per-dimension multipliers of a strategy
type Weights struct {
	Performance float64
	Cost        float64
	Quality     float64
	Consensus   float64
}

var strategyWeights = map[types.Strategy]Weights{
	types.StrategyPerformance: {Performance: 0.4, Cost: 0.1, Quality: 0.3, Consensus: 0.2},
	types.StrategyCost:        {Performance: 0.1, Cost: 0.5, Quality: 0.2, Consensus: 0.2},
	types.StrategyQuality:     {Performance: 0.2, Cost: 0.1, Quality: 0.5, Consensus: 0.2},
	types.StrategyConsensus:   {Performance: 0.2, Cost: 0.1, Quality: 0.2, Consensus: 0.5},
	types.StrategyHybrid:      {Performance: 0.25, Cost: 0.25, Quality: 0.25, Consensus: 0.25},
}

const (
	regionBonus          = 20.0
	availabilityBaseline = 95.0
	minLatencyMs         = 1.0
	minCostProduct       = 1e-9
)

// WeightsFor returns the weight table row for a strategy
func WeightsFor(s types.Strategy) (Weights, bool) {
	w, ok := strategyWeights[s]
	return w, ok
}

// basicScore is 0.4*latencyScore + 0.3*costScore + 0.3*quotaScore
func basicScore(cfg types.ProviderConfig, maxTokens int) float64 {
	latency := math.Max(cfg.LatencyMs, minLatencyMs)
	latencyScore := 1 / (latency / 1000)

	costProduct := math.Max(cfg.CostPerToken*float64(maxTokens), minCostProduct)
	costScore := 1 / costProduct

	return latencyScore*0.4 + costScore*0.3 + cfg.Quota.Remaining()*0.3
}

func performanceComponent(latencyMs float64) float64 {
	return math.Max(0, 100-latencyMs/10)
}

func costComponent(costPerToken float64) float64 {
	return math.Max(0, 100-costPerToken*1000)
}

// strategyScore applies the strategy weights and bonuses, clamped to [0,100]
func strategyScore(state types.ProviderState, w Weights, prefs types.Preferences) float64 {
	score := w.Performance*performanceComponent(state.Config.LatencyMs) +
		w.Cost*costComponent(state.Config.CostPerToken) +
		w.Quality*state.Metrics.QualityScore +
		w.Consensus*state.Metrics.ConsensusRating

	if regionMatches(state.Metrics.InstanceID, prefs.PreferredRegion) {
		score += regionBonus
	}
	score += (state.Metrics.Availability - availabilityBaseline) * 2

	return clamp(score, 0, 100)
}

func regionMatches(instanceID, region string) bool {
	return region != "" && strings.Contains(strings.ToLower(instanceID), strings.ToLower(region))
}

// servesRegion is the hard region filter: a measured region or a matching instance
func servesRegion(state types.ProviderState, region string) bool {
	if _, ok := state.Metrics.RegionalPerformance[region]; ok {
		return true
	}
	return regionMatches(state.Metrics.InstanceID, region)
}

func satisfies(state types.ProviderState, prefs types.Preferences) bool {
	if prefs.MaxLatencyMs > 0 && state.Config.LatencyMs > prefs.MaxLatencyMs {
		return false
	}
	if prefs.MaxCostPerToken > 0 && state.Config.CostPerToken > prefs.MaxCostPerToken {
		return false
	}
	if prefs.MinQuality > 0 && state.Metrics.QualityScore < prefs.MinQuality {
		return false
	}
	if prefs.PreferredRegion != "" && !servesRegion(state, prefs.PreferredRegion) {
		return false
	}
	return true
}

// confidence maps the gap between the best two scores to a percentage
func confidence(scores []float64) float64 {
	if len(scores) < 2 {
		return 100
	}
	gap := scores[0] - scores[1]
	switch {
	case gap > 20:
		return 95
	case gap > 10:
		return 85
	case gap > 5:
		return 75
	default:
		return 65
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
