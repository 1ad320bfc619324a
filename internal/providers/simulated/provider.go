// Package simulated provides a scripted ProviderClient for local runs and tests.
package simulated

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tributary-ai/provider-router/internal/types"
)

// ErrSimulatedFailure is returned by scripted failures
var ErrSimulatedFailure = errors.New("simulated provider failure")

// Config scripts the behaviour of a simulated provider
type Config struct {
	Name       string        `yaml:"name"`
	Response   string        `yaml:"response"`
	TokenDelay time.Duration `yaml:"token_delay"`

	FailComplete bool `yaml:"fail_complete"`
	FailHealth   bool `yaml:"fail_health"`

	// StreamFails makes the stream emit an error after StreamFailAfter tokens
	StreamFails     bool `yaml:"stream_fails"`
	StreamFailAfter int  `yaml:"stream_fail_after"`

	// Stalls makes the stream stop producing after StallAfter tokens
	Stalls     bool `yaml:"stalls"`
	StallAfter int  `yaml:"stall_after"`
}

// Provider is a deterministic ProviderClient
type Provider struct {
	mu          sync.Mutex
	config      Config
	calls       int
	streamCalls int
	lastRequest *types.ProviderRequest
}

// New creates a simulated provider
func New(config Config) *Provider {
	if config.Response == "" {
		config.Response = "simulated response from " + config.Name
	}
	return &Provider{config: config}
}

func (p *Provider) GetProviderName() string {
	return p.config.Name
}

// Complete returns the scripted response
func (p *Provider) Complete(ctx context.Context, req *types.ProviderRequest) (*types.ProviderResponse, error) {
	p.mu.Lock()
	p.calls++
	p.lastRequest = req
	cfg := p.config
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.FailComplete {
		return nil, ErrSimulatedFailure
	}

	tokens := Tokens(cfg.Response)
	if req.MaxTokens > 0 && len(tokens) > req.MaxTokens {
		tokens = tokens[:req.MaxTokens]
	}

	return &types.ProviderResponse{
		Provider:     cfg.Name,
		Model:        "simulated",
		Content:      strings.Join(tokens, ""),
		TokensUsed:   len(tokens),
		FinishReason: "stop",
	}, nil
}

// StreamCompletion emits the scripted response one token at a time
func (p *Provider) StreamCompletion(ctx context.Context, req *types.ProviderRequest) (<-chan types.StreamChunk, error) {
	p.mu.Lock()
	p.streamCalls++
	p.lastRequest = req
	cfg := p.config
	p.mu.Unlock()

	tokens := Tokens(cfg.Response)
	chunks := make(chan types.StreamChunk)

	go func() {
		defer close(chunks)

		for i, tok := range tokens {
			if cfg.StreamFails && i == cfg.StreamFailAfter {
				select {
				case chunks <- types.StreamChunk{Err: ErrSimulatedFailure}:
				case <-ctx.Done():
				}
				return
			}
			if cfg.Stalls && i == cfg.StallAfter {
				<-ctx.Done()
				return
			}
			if cfg.TokenDelay > 0 {
				select {
				case <-time.After(cfg.TokenDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case chunks <- types.StreamChunk{Text: tok}:
			case <-ctx.Done():
				return
			}
		}

		if cfg.StreamFails && cfg.StreamFailAfter >= len(tokens) {
			select {
			case chunks <- types.StreamChunk{Err: ErrSimulatedFailure}:
			case <-ctx.Done():
			}
		}
	}()

	return chunks, nil
}

// HealthCheck fails when the script says so
func (p *Provider) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.config.FailHealth {
		return ErrSimulatedFailure
	}
	return ctx.Err()
}

// SetFailing toggles completion and stream failures at runtime
func (p *Provider) SetFailing(failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config.FailComplete = failing
	p.config.StreamFails = failing
	p.config.StreamFailAfter = 0
}

// Calls returns the number of Complete and StreamCompletion invocations
func (p *Provider) Calls() (complete, stream int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, p.streamCalls
}

// LastRequest returns the most recent request seen
func (p *Provider) LastRequest() *types.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRequest
}

// Tokens splits text into word tokens, keeping trailing spaces attached
func Tokens(text string) []string {
	if text == "" {
		return nil
	}
	parts := strings.SplitAfter(text, " ")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
