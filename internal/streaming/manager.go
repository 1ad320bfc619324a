package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-router/internal/registry"
	"github.com/tributary-ai/provider-router/internal/routing"
	"github.com/tributary-ai/provider-router/internal/types"
)

// Config bounds session behaviour
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// TokenTimeout is how long a provider may go silent before it is treated as failed
	TokenTimeout      time.Duration `yaml:"token_timeout"`
	MaxSwitches       int           `yaml:"max_switches"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
}

// DefaultConfig returns the default streaming configuration
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		TokenTimeout:      30 * time.Second,
		MaxSwitches:       3,
		GenerationTimeout: 5 * time.Minute,
	}
}

// SessionObserver is notified about session counts and relayed tokens
type SessionObserver interface {
	SetActiveSessions(n int)
	ObserveStreamTokens(provider string, n int)
}

// OpenRequest describes a new session
type OpenRequest struct {
	ClientID string
	// Provider is "auto" or a provider name
	Provider string
}

// Manager owns the set of open sessions
type Manager struct {
	router   *routing.Router
	registry *registry.Registry
	recorder routing.DecisionRecorder
	observer SessionObserver
	config   Config
	clock    clock.Clock
	logger   *logrus.Logger
	started  time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. recorder and observer may be nil.
func NewManager(router *routing.Router, reg *registry.Registry, recorder routing.DecisionRecorder, observer SessionObserver, config Config, clk clock.Clock, logger *logrus.Logger) *Manager {
	defaults := DefaultConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.TokenTimeout <= 0 {
		config.TokenTimeout = defaults.TokenTimeout
	}
	if config.MaxSwitches < 0 {
		config.MaxSwitches = 0
	}
	if config.GenerationTimeout <= 0 {
		config.GenerationTimeout = defaults.GenerationTimeout
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Manager{
		router:   router,
		registry: reg,
		recorder: recorder,
		observer: observer,
		config:   config,
		clock:    clk,
		logger:   logger,
		started:  clk.Now(),
		sessions: make(map[string]*Session),
	}
}

// Open registers a session, emits connection and system_status and starts its heartbeat.
// The session ends when ctx is cancelled or Close is called.
func (m *Manager) Open(ctx context.Context, req OpenRequest, sink EventSink) (*Session, error) {
	requested := req.Provider
	if requested == "" {
		requested = "auto"
	}

	sessCtx, cancel := context.WithCancel(ctx)
	now := m.clock.Now()
	s := &Session{
		id:                uuid.NewString(),
		clientID:          req.ClientID,
		requestedProvider: requested,
		connectedAt:       now,
		lastHeartbeat:     now,
		ctx:               sessCtx,
		cancel:            cancel,
		done:              make(chan struct{}),
		sink:              sink,
		manager:           m,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	active := len(m.sessions)
	m.mu.Unlock()
	m.setActive(active)

	m.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"client_id":  req.ClientID,
		"provider":   requested,
		"active":     active,
	}).Info("SSE session opened")

	if err := s.Send(EventConnection, ConnectionData{
		SessionID:          s.id,
		ClientID:           req.ClientID,
		RequestedProvider:  requested,
		AvailableProviders: m.availableProviders(),
		Timestamp:          now,
	}); err != nil {
		return nil, err
	}
	if err := s.Send(EventSystemStatus, m.systemStatus()); err != nil {
		return nil, err
	}

	// created here so virtual clocks see the ticker before Open returns
	ticker := m.clock.Ticker(m.config.HeartbeatInterval)
	go s.heartbeat(ticker)

	return s, nil
}

// Generate relays one generation over an open session. It emits
// provider_selected, token and provider_switch events and finishes
// with complete or error. ctx cancellation aborts the provider call.
func (m *Manager) Generate(ctx context.Context, s *Session, req types.GenerateRequest) error {
	genCtx, cancel := context.WithTimeout(s.ctx, m.config.GenerationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	start := m.clock.Now()
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = routing.DefaultMaxTokens
	}
	pinned := req.Provider
	if pinned == "auto" {
		pinned = ""
	}

	decision, err := m.router.Select(routing.SelectRequest{
		Query:     req.Prompt,
		MaxTokens: maxTokens,
		Provider:  pinned,
	})
	if err != nil {
		m.fail(s, fmt.Sprintf("provider selection failed: %v", err), "", 0)
		return err
	}

	s.setProvider(decision.Provider)
	if err := s.Send(EventProviderSelected, ProviderSelectedData{
		Provider:   decision.Provider,
		InstanceID: decision.InstanceID,
		Strategy:   decision.Strategy,
		Confidence: decision.Confidence,
		Fallback:   decision.Fallback,
		Reason:     decision.Reasoning,
	}); err != nil {
		return err
	}

	preq := &types.ProviderRequest{
		Prompt:      req.Prompt,
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	current := *decision
	var excluded []string
	var attempts []routing.AttemptError
	tokenIndex := 0
	switches := 0

	for {
		err := m.relay(genCtx, s, current.Provider, preq, &tokenIndex, start)
		if err == nil {
			break
		}

		var failure *providerFailure
		if !errors.As(err, &failure) {
			// session gone or generation timed out
			if genCtx.Err() != nil && s.ctx.Err() == nil && ctx.Err() == nil {
				attempts = append(attempts, routing.AttemptError{Provider: current.Provider, Message: "generation timed out"})
				m.recordFailure(req.Prompt, decision, attempts)
				m.fail(s, "generation timed out", current.Provider, switches)
			}
			return err
		}

		m.logger.WithFields(logrus.Fields{
			"session_id": s.id,
			"provider":   current.Provider,
			"reason":     failure.reason,
			"tokens":     tokenIndex,
		}).Warn("Provider failed mid-stream")

		excluded = append(excluded, current.Provider)
		attempts = append(attempts, routing.AttemptError{Provider: current.Provider, Message: failure.reason})
		if switches >= m.config.MaxSwitches {
			m.recordFailure(req.Prompt, decision, attempts)
			m.fail(s, fmt.Sprintf("provider %s failed: %s (switch limit reached)", current.Provider, failure.reason), current.Provider, switches)
			return failure
		}

		next, selErr := m.router.Select(routing.SelectRequest{
			Query:     req.Prompt,
			MaxTokens: maxTokens,
			Exclude:   excluded,
		})
		if selErr != nil {
			m.recordFailure(req.Prompt, decision, attempts)
			m.fail(s, fmt.Sprintf("provider %s failed: %s; no fallback available", current.Provider, failure.reason), current.Provider, switches)
			return failure
		}

		switches++
		elapsed := msSince(m.clock, start)
		if err := s.Send(EventProviderSwitch, ProviderSwitchData{
			From:       current.Provider,
			To:         next.Provider,
			Reason:     failure.reason,
			LatencyMs:  elapsed,
			TokenIndex: tokenIndex,
		}); err != nil {
			return err
		}
		if m.recorder != nil {
			m.recorder.RecordFailover(types.FailoverEvent{
				Timestamp: m.clock.Now(),
				From:      current.Provider,
				To:        next.Provider,
				Reason:    failure.reason,
				LatencyMs: elapsed,
				Stream:    true,
			})
		}

		failed := current.Provider
		current = *next
		current.FailoverFrom = failed
		s.setProvider(current.Provider)
	}

	totalLatency := msSince(m.clock, start)
	m.recordSuccess(req.Prompt, maxTokens, &current, tokenIndex, totalLatency)

	return s.Send(EventComplete, CompleteData{
		TotalTokens:    tokenIndex,
		Provider:       current.Provider,
		TotalLatencyMs: totalLatency,
		Switches:       switches,
	})
}

// providerFailure means the provider, not the session, broke
type providerFailure struct {
	reason string
}

func (e *providerFailure) Error() string {
	return e.reason
}

// relay forwards tokens from one provider until its stream ends.
// Provider errors and stalls come back as *providerFailure.
func (m *Manager) relay(ctx context.Context, s *Session, name string, req *types.ProviderRequest, tokenIndex *int, start time.Time) error {
	client, ok := m.registry.Client(name)
	if !ok {
		return &providerFailure{reason: "provider not registered"}
	}

	// cancelling abandons the provider stream on switch or disconnect
	provCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, err := client.StreamCompletion(provCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &providerFailure{reason: err.Error()}
	}

	relayed := 0
	defer func() {
		if m.observer != nil && relayed > 0 {
			m.observer.ObserveStreamTokens(name, relayed)
		}
	}()

	timer := m.clock.Timer(m.config.TokenTimeout)
	defer timer.Stop()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			if chunk.Err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &providerFailure{reason: chunk.Err.Error()}
			}
			timer.Reset(m.config.TokenTimeout)

			*tokenIndex++
			relayed++
			if err := s.Send(EventToken, TokenData{
				Token:      chunk.Text,
				TokenIndex: *tokenIndex,
				Provider:   name,
				LatencyMs:  msSince(m.clock, start),
			}); err != nil {
				return err
			}
		case <-timer.C:
			return &providerFailure{reason: fmt.Sprintf("no token within %s", m.config.TokenTimeout)}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) recordSuccess(prompt string, maxTokens int, decision *routing.RoutingDecision, tokens int, latencyMs float64) {
	instance := decision.InstanceID
	cost := 0.0
	if state, ok := m.registry.Get(decision.Provider); ok {
		cost = state.Config.CostPerToken * float64(maxTokens)
		decision.EstimatedCost = cost
		decision.InstanceID = state.Metrics.InstanceID
		instance = state.Metrics.InstanceID
	}

	if err := m.registry.RecordUsage(decision.Provider, tokens); err != nil {
		m.logger.WithError(err).Warn("Failed to record provider usage")
	}
	if m.recorder == nil {
		return
	}
	m.recorder.RecordDecision(prompt, decision, true)
	m.recorder.RecordTelemetry(types.TelemetryRecord{
		Provider:   decision.Provider,
		Instance:   instance,
		LatencyMs:  latencyMs,
		TokensUsed: tokens,
		Cost:       cost,
	})
}

func (m *Manager) recordFailure(prompt string, decision *routing.RoutingDecision, attempts []routing.AttemptError) {
	if m.recorder == nil {
		return
	}
	m.recorder.RecordFailure(routing.ExecutionFailure{
		Query:    prompt,
		Decision: *decision,
		Attempts: attempts,
		Stream:   true,
	})
}

// fail emits a terminal error event
func (m *Manager) fail(s *Session, message, provider string, switches int) {
	m.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"provider":   provider,
	}).Warn("Streaming generation failed: " + message)

	_ = s.Send(EventError, ErrorData{Message: message, Provider: provider, Switches: switches})
}

// ActiveSessions returns the number of open sessions
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of every open session
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	return out
}

// Shutdown closes every open session
func (m *Manager) Shutdown() {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	for _, s := range list {
		_ = s.Close()
	}
	m.logger.WithField("sessions", len(list)).Info("Streaming sessions shut down")
}

func (m *Manager) deregister(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	active := len(m.sessions)
	m.mu.Unlock()
	m.setActive(active)
}

func (m *Manager) setActive(n int) {
	if m.observer != nil {
		m.observer.SetActiveSessions(n)
	}
}

func (m *Manager) availableProviders() []string {
	var names []string
	for _, state := range m.registry.Snapshot() {
		if state.Config.Health == types.HealthHealthy {
			names = append(names, state.Config.Name)
		}
	}
	return names
}

func (m *Manager) systemStatus() SystemStatusData {
	providerHealth := make(map[string]types.HealthState)
	healthy := 0
	for _, state := range m.registry.Snapshot() {
		providerHealth[state.Config.Name] = state.Config.Health
		if state.Config.Health == types.HealthHealthy {
			healthy++
		}
	}

	routerStatus := "healthy"
	if healthy == 0 {
		routerStatus = "unavailable"
	} else if healthy < len(providerHealth) {
		routerStatus = "degraded"
	}

	return SystemStatusData{
		UptimeSeconds: m.clock.Since(m.started).Seconds(),
		Components: map[string]string{
			"router":    routerStatus,
			"streaming": "healthy",
		},
		Providers:      providerHealth,
		ActiveSessions: m.ActiveSessions(),
		Timestamp:      m.clock.Now(),
	}
}

func msSince(clk clock.Clock, start time.Time) float64 {
	return float64(clk.Since(start).Microseconds()) / 1000
}
