package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-router/internal/registry"
	"github.com/tributary-ai/provider-router/internal/types"
)

// DecisionRecorder receives the outcome of every executed request.
// Each decision ends in exactly one RecordDecision or RecordFailure call.
type DecisionRecorder interface {
	RecordDecision(query string, decision *RoutingDecision, stream bool)
	RecordFailure(failure ExecutionFailure)
	RecordTelemetry(record types.TelemetryRecord)
	RecordFailover(event types.FailoverEvent)
}

// ExecutionFailure is a decision whose every allowed attempt failed
type ExecutionFailure struct {
	Query    string
	Decision RoutingDecision
	Attempts []AttemptError
	Stream   bool
}

// ExecutorConfig bounds provider calls
type ExecutorConfig struct {
	// MaxFailoverHops is how many fallbacks may be tried after the primary
	MaxFailoverHops int
	RequestTimeout  time.Duration
}

// ExecuteRequest is a single non-streaming routed call
type ExecuteRequest struct {
	Query       string
	MaxTokens   int
	Strategy    types.Strategy
	Preferences types.Preferences
	Model       string
	Temperature *float64
}

// ExecutionResult is what a successful execution returns
type ExecutionResult struct {
	Response  *types.ProviderResponse `json:"response"`
	Routing   RoutingDecision         `json:"routing"`
	Telemetry types.TelemetryRecord   `json:"telemetry"`
	Attempts  []AttemptError          `json:"failed_attempts,omitempty"`
}

// Executor calls the selected provider and fails over along the ranked chain
type Executor struct {
	router   *Router
	registry *registry.Registry
	recorder DecisionRecorder
	config   ExecutorConfig
	clock    clock.Clock
	logger   *logrus.Logger
}

// NewExecutor creates an executor
func NewExecutor(router *Router, reg *registry.Registry, recorder DecisionRecorder, config ExecutorConfig, clk clock.Clock, logger *logrus.Logger) *Executor {
	if config.MaxFailoverHops < 0 {
		config.MaxFailoverHops = 0
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 60 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Executor{
		router:   router,
		registry: reg,
		recorder: recorder,
		config:   config,
		clock:    clk,
		logger:   logger,
	}
}

// Execute selects a provider, calls it and falls back on failure
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	decision, err := e.router.Select(SelectRequest{
		Query:       req.Query,
		MaxTokens:   maxTokens,
		Strategy:    req.Strategy,
		Preferences: req.Preferences,
	})
	if err != nil {
		return nil, err
	}

	chain := append([]string{decision.Provider}, decision.FallbackChain...)
	if limit := 1 + e.config.MaxFailoverHops; len(chain) > limit {
		chain = chain[:limit]
	}

	providerReq := &types.ProviderRequest{
		Prompt:      req.Query,
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	var attempts []AttemptError
	for i, name := range chain {
		start := e.clock.Now()
		resp, err := e.call(ctx, name, providerReq)
		latencyMs := float64(e.clock.Since(start).Microseconds()) / 1000

		if err == nil {
			return e.succeed(req.Query, maxTokens, *decision, name, resp, latencyMs, attempts), nil
		}

		attempts = append(attempts, AttemptError{Provider: name, Message: err.Error(), err: err})
		e.logger.WithError(err).WithFields(logrus.Fields{
			"provider": name,
			"attempt":  i + 1,
		}).Warn("Provider call failed")

		if ctx.Err() != nil {
			break
		}
		if i+1 < len(chain) {
			e.recorder.RecordFailover(types.FailoverEvent{
				Timestamp: e.clock.Now(),
				From:      name,
				To:        chain[i+1],
				Reason:    err.Error(),
				LatencyMs: latencyMs,
			})
		}
	}

	e.recorder.RecordFailure(ExecutionFailure{
		Query:    req.Query,
		Decision: *decision,
		Attempts: attempts,
	})
	return nil, &ProviderExecutionError{Attempts: attempts}
}

func (e *Executor) call(ctx context.Context, name string, req *types.ProviderRequest) (*types.ProviderResponse, error) {
	client, ok := e.registry.Client(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownProvider, name)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	resp, err := client.Complete(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("provider %s timed out after %s: %w", name, e.config.RequestTimeout, err)
		}
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("provider %s returned no response", name)
	}
	return resp, nil
}

func (e *Executor) succeed(query string, maxTokens int, decision RoutingDecision, served string, resp *types.ProviderResponse, latencyMs float64, attempts []AttemptError) *ExecutionResult {
	state, _ := e.registry.Get(served)

	final := decision
	if served != decision.Provider {
		final = decision.servedBy(state, maxTokens)
	}

	record := types.TelemetryRecord{
		Provider:   served,
		Instance:   state.Metrics.InstanceID,
		LatencyMs:  latencyMs,
		TokensUsed: resp.TokensUsed,
		Cost:       state.Config.CostPerToken * float64(maxTokens),
	}

	if err := e.registry.RecordUsage(served, resp.TokensUsed); err != nil {
		e.logger.WithError(err).WithField("provider", served).Warn("Failed to record quota usage")
	}
	e.recorder.RecordDecision(query, &final, false)
	e.recorder.RecordTelemetry(record)

	e.logger.WithFields(logrus.Fields{
		"provider":    served,
		"failover":    final.FailoverFrom != "",
		"latency_ms":  latencyMs,
		"tokens_used": resp.TokensUsed,
	}).Info("Request executed")

	return &ExecutionResult{
		Response:  resp,
		Routing:   final,
		Telemetry: record,
		Attempts:  attempts,
	}
}
