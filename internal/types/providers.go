package types

import (
	"time"
)

// HealthState is the last observed health of a provider
type HealthState string

const (
	HealthUnknown  HealthState = "unknown"
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// Quota tracks daily token usage for a provider
type Quota struct {
	Daily     int64     `json:"daily" yaml:"daily"`
	Used      int64     `json:"used" yaml:"-"`
	ResetTime time.Time `json:"reset_time" yaml:"-"`
}

// Remaining returns the unused share of the daily quota in [0,1].
// A zero daily quota means unlimited.
func (q Quota) Remaining() float64 {
	if q.Daily <= 0 {
		return 1
	}
	left := float64(q.Daily-q.Used) / float64(q.Daily)
	if left < 0 {
		return 0
	}
	return left
}

// ProviderConfig is the registry record for one backend provider
type ProviderConfig struct {
	Name         string      `json:"name"`
	Kind         string      `json:"kind"`
	BaseURL      string      `json:"base_url,omitempty"`
	HealthURL    string      `json:"health_url,omitempty"`
	APIKey       string      `json:"-"`
	Model        string      `json:"model,omitempty"`
	MaxTokens    int         `json:"max_tokens"`
	CostPerToken float64     `json:"cost_per_token"`
	LatencyMs    float64     `json:"latency_ms"`
	Health       HealthState `json:"health"`
	Quota        Quota       `json:"quota"`
	LastChecked  time.Time   `json:"last_checked"`
	LastError    string      `json:"last_error,omitempty"`
}

// EnhancedRoutingMetrics holds the quality signals used by strategy scoring
type EnhancedRoutingMetrics struct {
	QualityScore        float64            `json:"quality_score" yaml:"quality_score"`
	Availability        float64            `json:"availability" yaml:"availability"`
	ConsensusRating     float64            `json:"consensus_rating" yaml:"consensus_rating"`
	RegionalPerformance map[string]float64 `json:"regional_performance,omitempty" yaml:"regional_performance"`
	InstanceID          string             `json:"instance_id" yaml:"instance_id"`
}

// Clone returns a deep copy
func (m EnhancedRoutingMetrics) Clone() EnhancedRoutingMetrics {
	out := m
	if m.RegionalPerformance != nil {
		out.RegionalPerformance = make(map[string]float64, len(m.RegionalPerformance))
		for k, v := range m.RegionalPerformance {
			out.RegionalPerformance[k] = v
		}
	}
	return out
}

// ProviderState is a point-in-time copy of a registered provider
type ProviderState struct {
	Config  ProviderConfig         `json:"config"`
	Metrics EnhancedRoutingMetrics `json:"metrics"`
}
