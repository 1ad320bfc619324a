package telemetry

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-router/internal/routing"
	"github.com/tributary-ai/provider-router/internal/types"
)

const (
	// MaxHistory caps the routing history; older entries are evicted first
	MaxHistory = 1000
	// MaxQueryLength is the number of runes of a query kept in history
	MaxQueryLength = 100

	maxTelemetry = 1000
	maxFailovers = 1000
	maxFailures  = 1000
	trendWindow  = 100
	recentWindow = 10
)

// RoutingHistoryEntry is one recorded routing decision
type RoutingHistoryEntry struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Query         string          `json:"query"`
	Provider      string          `json:"provider"`
	InstanceID    string          `json:"instance_id"`
	Strategy      types.Strategy  `json:"strategy"`
	Confidence    float64         `json:"confidence"`
	EstimatedCost float64         `json:"estimated_cost"`
	FailoverFrom  string          `json:"failover_from,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Metrics       MetricsSnapshot `json:"metrics"`
}

// MetricsSnapshot is what the engine saw when it made the decision
type MetricsSnapshot struct {
	// Score per considered provider
	Scores             map[string]float64 `json:"scores,omitempty"`
	Health             types.HealthState  `json:"health,omitempty"`
	EstimatedLatencyMs float64            `json:"estimated_latency_ms"`
	Considered         int                `json:"considered"`
}

// FailureEntry is one decision whose every allowed attempt failed
type FailureEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Query     string                 `json:"query"`
	Provider  string                 `json:"provider"`
	Strategy  types.Strategy         `json:"strategy"`
	Attempts  []routing.AttemptError `json:"attempts"`
	Stream    bool                   `json:"stream,omitempty"`
}

// ProviderPerformance aggregates decisions for one provider
type ProviderPerformance struct {
	Decisions         int     `json:"decisions"`
	AverageConfidence float64 `json:"avg_confidence"`
}

// ConfidencePoint is one sample of the confidence trend
type ConfidencePoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Provider   string    `json:"provider"`
	Confidence float64   `json:"confidence"`
}

// Analytics is the aggregate view over recorded history
type Analytics struct {
	TotalDecisions       int                            `json:"total_decisions"`
	StrategyDistribution map[string]int                 `json:"strategy_distribution"`
	ProviderPerformance  map[string]ProviderPerformance `json:"provider_performance"`
	ConfidenceTrends     []ConfidencePoint              `json:"confidence_trends"`
	RecentDecisions      []RoutingHistoryEntry          `json:"recent_decisions"`
	TotalFailures        int                            `json:"total_failures"`
	RecentFailures       []FailureEntry                 `json:"recent_failures"`
	RecentTelemetry      []types.TelemetryRecord        `json:"recent_telemetry"`
}

// FailoverStats summarises recorded failovers
type FailoverStats struct {
	Total  int                   `json:"total"`
	ByFrom map[string]int        `json:"by_provider"`
	Recent []types.FailoverEvent `json:"recent"`
}

// Recorder keeps bounded in-memory routing history, telemetry and failovers
type Recorder struct {
	mu        sync.RWMutex
	history   []RoutingHistoryEntry
	telemetry []types.TelemetryRecord
	failovers []types.FailoverEvent
	failTotal int
	failFrom  map[string]int
	failures  []FailureEntry
	execFails int

	metrics *Metrics
	clock   clock.Clock
	logger  *logrus.Logger
}

var _ routing.DecisionRecorder = (*Recorder)(nil)

// NewRecorder creates a recorder; metrics may be nil
func NewRecorder(metrics *Metrics, clk clock.Clock, logger *logrus.Logger) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	return &Recorder{
		history:  make([]RoutingHistoryEntry, 0, 64),
		failFrom: make(map[string]int),
		metrics:  metrics,
		clock:    clk,
		logger:   logger,
	}
}

// RecordDecision stores an executed decision
func (r *Recorder) RecordDecision(query string, d *routing.RoutingDecision, stream bool) {
	r.Record(RoutingHistoryEntry{
		Query:         query,
		Provider:      d.Provider,
		InstanceID:    d.InstanceID,
		Strategy:      d.Strategy,
		Confidence:    d.Confidence,
		EstimatedCost: d.EstimatedCost,
		FailoverFrom:  d.FailoverFrom,
		Stream:        stream,
		Metrics:       snapshotOf(d),
	})
}

// RecordFailure stores a decision that no provider could serve
func (r *Recorder) RecordFailure(f routing.ExecutionFailure) {
	entry := FailureEntry{
		ID:        uuid.NewString(),
		Timestamp: r.clock.Now(),
		Query:     truncate(f.Query, MaxQueryLength),
		Provider:  f.Decision.Provider,
		Strategy:  f.Decision.Strategy,
		Attempts:  append([]routing.AttemptError(nil), f.Attempts...),
		Stream:    f.Stream,
	}

	r.mu.Lock()
	r.failures = appendCapped(r.failures, entry, maxFailures)
	r.execFails++
	r.mu.Unlock()

	r.metrics.observeFailure(entry.Provider, entry.Stream)
	r.logger.WithFields(logrus.Fields{
		"provider": entry.Provider,
		"attempts": len(entry.Attempts),
		"stream":   entry.Stream,
	}).Warn("Routed execution failed")
}

func snapshotOf(d *routing.RoutingDecision) MetricsSnapshot {
	snap := MetricsSnapshot{
		Health:             d.RoutingContext.ProviderHealth[d.Provider],
		EstimatedLatencyMs: d.EstimatedLatencyMs,
		Considered:         len(d.RoutingContext.ConsideredProviders),
	}
	if len(d.RoutingContext.Scores) > 0 {
		snap.Scores = make(map[string]float64, len(d.RoutingContext.Scores))
		for name, score := range d.RoutingContext.Scores {
			snap.Scores[name] = score
		}
	}
	return snap
}

// Record appends an entry, truncating the query and evicting the oldest entry at capacity
func (r *Recorder) Record(entry RoutingHistoryEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.clock.Now()
	}
	entry.Query = truncate(entry.Query, MaxQueryLength)

	r.mu.Lock()
	r.history = appendCapped(r.history, entry, MaxHistory)
	r.mu.Unlock()

	r.metrics.observeDecision(entry.Provider, entry.Strategy)
	r.logger.WithFields(logrus.Fields{
		"provider":   entry.Provider,
		"strategy":   entry.Strategy,
		"confidence": entry.Confidence,
	}).Debug("Routing decision recorded")
}

// RecordTelemetry stores a cost and latency record
func (r *Recorder) RecordTelemetry(record types.TelemetryRecord) {
	r.mu.Lock()
	r.telemetry = appendCapped(r.telemetry, record, maxTelemetry)
	r.mu.Unlock()

	r.metrics.observeTelemetry(record)
}

// RecordFailover stores a provider switch
func (r *Recorder) RecordFailover(event types.FailoverEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.clock.Now()
	}

	r.mu.Lock()
	r.failovers = appendCapped(r.failovers, event, maxFailovers)
	r.failTotal++
	r.failFrom[event.From]++
	r.mu.Unlock()

	r.metrics.observeFailover(event)
	r.logger.WithFields(logrus.Fields{
		"from":   event.From,
		"to":     event.To,
		"reason": event.Reason,
		"stream": event.Stream,
	}).Warn("Provider failover")
}

// History returns a copy of the routing history, oldest first
func (r *Recorder) History() []RoutingHistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoutingHistoryEntry, len(r.history))
	copy(out, r.history)
	return out
}

// FailoverStats returns counters and the ten latest failovers
func (r *Recorder) FailoverStats() FailoverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byFrom := make(map[string]int, len(r.failFrom))
	for k, v := range r.failFrom {
		byFrom[k] = v
	}
	return FailoverStats{
		Total:  r.failTotal,
		ByFrom: byFrom,
		Recent: tail(r.failovers, recentWindow),
	}
}

// Analytics aggregates the current history
func (r *Recorder) Analytics() Analytics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Analytics{
		TotalDecisions:       len(r.history),
		StrategyDistribution: make(map[string]int),
		ProviderPerformance:  make(map[string]ProviderPerformance),
		ConfidenceTrends:     make([]ConfidencePoint, 0, trendWindow),
		RecentDecisions:      tail(r.history, recentWindow),
		TotalFailures:        r.execFails,
		RecentFailures:       tail(r.failures, recentWindow),
		RecentTelemetry:      tail(r.telemetry, recentWindow),
	}

	sums := make(map[string]float64)
	for _, e := range r.history {
		out.StrategyDistribution[string(e.Strategy)]++
		perf := out.ProviderPerformance[e.Provider]
		perf.Decisions++
		out.ProviderPerformance[e.Provider] = perf
		sums[e.Provider] += e.Confidence
	}
	for name, perf := range out.ProviderPerformance {
		perf.AverageConfidence = sums[name] / float64(perf.Decisions)
		out.ProviderPerformance[name] = perf
	}

	for _, e := range tail(r.history, trendWindow) {
		out.ConfidenceTrends = append(out.ConfidenceTrends, ConfidencePoint{
			Timestamp:  e.Timestamp,
			Provider:   e.Provider,
			Confidence: e.Confidence,
		})
	}
	return out
}

func appendCapped[T any](s []T, v T, limit int) []T {
	if len(s) < limit {
		return append(s, v)
	}
	copy(s, s[1:])
	s[len(s)-1] = v
	return s
}

func tail[T any](s []T, n int) []T {
	if n <= 0 || n > len(s) {
		n = len(s)
	}
	out := make([]T, n)
	copy(out, s[len(s)-n:])
	return out
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
