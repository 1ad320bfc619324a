package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-router/internal/providers"
	"github.com/tributary-ai/provider-router/internal/types"
)

var (
	// ErrUnknownProvider is returned for names that were never registered
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrDuplicateProvider is returned when a name is registered twice
	ErrDuplicateProvider = errors.New("provider already registered")
)

// HealthObserver is notified after every health write
type HealthObserver func(name string, state types.HealthState, latencyMs float64)

// Registry is the shared, mutex guarded table of providers
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	order    []string
	observer HealthObserver
	clock    clock.Clock
	logger   *logrus.Logger
}

type entry struct {
	config  types.ProviderConfig
	metrics types.EnhancedRoutingMetrics
	client  providers.ProviderClient
}

// NewRegistry creates an empty registry
func NewRegistry(clk clock.Clock, logger *logrus.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		entries: make(map[string]*entry),
		clock:   clk,
		logger:  logger,
	}
}

// SetHealthObserver installs a callback for health transitions
func (r *Registry) SetHealthObserver(fn HealthObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// RegisterProvider adds a provider with its routing metrics and client
func (r *Registry) RegisterProvider(cfg types.ProviderConfig, metrics types.EnhancedRoutingMetrics, client providers.ProviderClient) error {
	if cfg.Name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if client == nil {
		return fmt.Errorf("provider %s has no client", cfg.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[cfg.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, cfg.Name)
	}

	if cfg.Health == "" {
		cfg.Health = types.HealthUnknown
	}
	if metrics.InstanceID == "" {
		metrics.InstanceID = cfg.Name
	}

	r.entries[cfg.Name] = &entry{config: cfg, metrics: metrics.Clone(), client: client}
	r.order = append(r.order, cfg.Name)

	r.logger.WithFields(logrus.Fields{
		"provider":    cfg.Name,
		"kind":        cfg.Kind,
		"instance_id": metrics.InstanceID,
	}).Info("Provider registered")
	return nil
}

// Names returns provider names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get returns a copy of one provider's state
func (r *Registry) Get(name string) (types.ProviderState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return types.ProviderState{}, false
	}
	return e.state(), true
}

// Snapshot returns copies of all providers in registration order
func (r *Registry) Snapshot() []types.ProviderState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ProviderState, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].state())
	}
	return out
}

// Client returns the ProviderClient registered under name
func (r *Registry) Client(name string) (providers.ProviderClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// MarkHealthy records a successful probe and its round trip
func (r *Registry) MarkHealthy(name string, latencyMs float64) error {
	return r.setHealth(name, types.HealthHealthy, latencyMs, "")
}

// MarkDegraded records a probe that answered with a non-2xx status
func (r *Registry) MarkDegraded(name string, reason string) error {
	return r.setHealth(name, types.HealthDegraded, -1, reason)
}

// MarkDown records a probe that failed or timed out
func (r *Registry) MarkDown(name string, err error) error {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return r.setHealth(name, types.HealthDown, -1, reason)
}

// setHealth updates health; a negative latency leaves the stored value alone
func (r *Registry) setHealth(name string, state types.HealthState, latencyMs float64, reason string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	previous := e.config.Health
	e.config.Health = state
	e.config.LastChecked = r.clock.Now()
	e.config.LastError = reason
	if latencyMs >= 0 {
		e.config.LatencyMs = latencyMs
	}
	current := e.config.LatencyMs
	observer := r.observer
	r.mu.Unlock()

	if previous != state {
		r.logger.WithFields(logrus.Fields{
			"provider": name,
			"from":     previous,
			"to":       state,
			"reason":   reason,
		}).Info("Provider health changed")
	}
	if observer != nil {
		observer(name, state, current)
	}
	return nil
}

// UpdateMetrics replaces a provider's routing metrics
func (r *Registry) UpdateMetrics(name string, metrics types.EnhancedRoutingMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if metrics.InstanceID == "" {
		metrics.InstanceID = e.metrics.InstanceID
	}
	e.metrics = metrics.Clone()
	return nil
}

// UpdatePricing changes static cost and capacity figures
func (r *Registry) UpdatePricing(name string, costPerToken float64, maxTokens int, dailyQuota int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	e.config.CostPerToken = costPerToken
	e.config.MaxTokens = maxTokens
	e.config.Quota.Daily = dailyQuota
	return nil
}

// RecordUsage adds tokens to the provider's daily quota usage
func (r *Registry) RecordUsage(name string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	e.config.Quota.Used += int64(tokens)
	return nil
}

// ResetQuotas zeroes usage and stamps the next reset time on every provider
func (r *Registry) ResetQuotas(next time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.config.Quota.Used = 0
		e.config.Quota.ResetTime = next
	}
}

// ScheduleQuotaReset stamps the next reset time without clearing usage
func (r *Registry) ScheduleQuotaReset(next time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.config.Quota.ResetTime = next
	}
}

func (e *entry) state() types.ProviderState {
	return types.ProviderState{
		Config:  e.config,
		Metrics: e.metrics.Clone(),
	}
}
