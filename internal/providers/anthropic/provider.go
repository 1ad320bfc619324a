package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-router/internal/providers"
	"github.com/tributary-ai/provider-router/internal/types"
)

const (
	defaultModel     = "claude-3-haiku-20240307"
	defaultMaxTokens = 1024
)

// AnthropicProvider implements providers.ProviderClient for Anthropic Claude
type AnthropicProvider struct {
	name   string
	client *anthropic.Client
	config *AnthropicConfig
	logger *logrus.Logger
}

// AnthropicConfig holds Anthropic-specific configuration
type AnthropicConfig struct {
	Name       string        `yaml:"name"`
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// NewAnthropicProvider creates a new Anthropic provider instance
func NewAnthropicProvider(config *AnthropicConfig, logger *logrus.Logger) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}

	client := anthropic.NewClient(opts...)

	name := config.Name
	if name == "" {
		name = "anthropic"
	}

	return &AnthropicProvider{
		name:   name,
		client: &client,
		config: config,
		logger: logger,
	}
}

// GetProviderName returns the registry name of this provider
func (p *AnthropicProvider) GetProviderName() string {
	return p.name
}

// Complete performs a single message request
func (p *AnthropicProvider) Complete(ctx context.Context, req *types.ProviderRequest) (*types.ProviderResponse, error) {
	resp, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		p.logger.WithError(err).WithField("provider", p.name).Error("Anthropic API call failed")
		return nil, fmt.Errorf("anthropic api call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, providers.ErrEmptyCompletion
	}

	return &types.ProviderResponse{
		Provider:     p.name,
		Model:        string(resp.Model),
		Content:      text.String(),
		TokensUsed:   int(resp.Usage.OutputTokens),
		FinishReason: string(resp.StopReason),
	}, nil
}

// StreamCompletion relays text deltas as chunks
func (p *AnthropicProvider) StreamCompletion(ctx context.Context, req *types.ProviderRequest) (<-chan types.StreamChunk, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(req))
	chunks := make(chan types.StreamChunk, 16)

	go func() {
		defer close(chunks)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			textDelta, ok := delta.Delta.AsAny().(anthropic.TextDelta)
			if !ok || textDelta.Text == "" {
				continue
			}
			select {
			case chunks <- types.StreamChunk{Text: textDelta.Text}:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			p.logger.WithError(err).WithField("provider", p.name).Warn("Anthropic stream failed")
			select {
			case chunks <- types.StreamChunk{Err: fmt.Errorf("anthropic stream failed: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return chunks, nil
}

// HealthCheck sends a minimal one token message
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model: anthropic.Model(p.model("")),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("anthropic health check failed: %w", err)
	}
	p.logger.WithField("provider", p.name).Debug("Anthropic health check passed")
	return nil
}

func (p *AnthropicProvider) buildParams(req *types.ProviderRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model: anthropic.Model(p.model(req.Model)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		MaxTokens: defaultMaxTokens, // required by the API
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

func (p *AnthropicProvider) model(requested string) string {
	switch {
	case requested != "":
		return requested
	case p.config.Model != "":
		return p.config.Model
	default:
		return defaultModel
	}
}
