package types

// Strategy selects the scoring mode of the decision engine
type Strategy string

const (
	StrategyBasic       Strategy = "basic"
	StrategyPerformance Strategy = "performance"
	StrategyCost        Strategy = "cost"
	StrategyQuality     Strategy = "quality"
	StrategyConsensus   Strategy = "consensus"
	StrategyHybrid      Strategy = "hybrid"
)

// ParseStrategy maps a user supplied name to a Strategy.
// An empty name yields fallback.
func ParseStrategy(name string, fallback Strategy) (Strategy, bool) {
	if name == "" {
		return fallback, true
	}
	s := Strategy(name)
	switch s {
	case StrategyBasic, StrategyPerformance, StrategyCost, StrategyQuality, StrategyConsensus, StrategyHybrid:
		return s, true
	}
	return "", false
}

// Preferences are hard routing constraints. Zero values are unset.
type Preferences struct {
	MaxLatencyMs    float64 `json:"max_latency_ms,omitempty"`
	MaxCostPerToken float64 `json:"max_cost_per_token,omitempty"`
	MinQuality      float64 `json:"min_quality,omitempty"`
	PreferredRegion string  `json:"preferred_region,omitempty"`
}

// IsZero reports whether no constraint is set
func (p Preferences) IsZero() bool {
	return p == Preferences{}
}

// GenerateRequest is the body of a streaming generation call
type GenerateRequest struct {
	Prompt      string   `json:"prompt" validate:"required,max=100000"`
	Model       string   `json:"model,omitempty"`
	Provider    string   `json:"provider,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty" validate:"omitempty,min=1,max=200000"`
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	Stream      *bool    `json:"stream,omitempty"`
}

// ProviderRequest is what a ProviderClient receives
type ProviderRequest struct {
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature *float64
}
