package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-router/internal/providers"
	"github.com/tributary-ai/provider-router/internal/types"
)

const defaultModel = "gpt-4o-mini"

// OpenAIProvider implements providers.ProviderClient for OpenAI compatible APIs
type OpenAIProvider struct {
	name   string
	client *openai.Client
	config *OpenAIConfig
	logger *logrus.Logger
}

// OpenAIConfig holds OpenAI-specific configuration
type OpenAIConfig struct {
	Name    string        `yaml:"name"`
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	OrgID   string        `yaml:"org_id"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewOpenAIProvider creates a new OpenAI provider instance
func NewOpenAIProvider(config *OpenAIConfig, logger *logrus.Logger) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(config.APIKey)

	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}
	if config.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	name := config.Name
	if name == "" {
		name = "openai"
	}

	return &OpenAIProvider{
		name:   name,
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

// GetProviderName returns the registry name of this provider
func (p *OpenAIProvider) GetProviderName() string {
	return p.name
}

// Complete performs a single chat completion
func (p *OpenAIProvider) Complete(ctx context.Context, req *types.ProviderRequest) (*types.ProviderResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		p.logger.WithError(err).WithField("provider", p.name).Error("OpenAI API call failed")
		return nil, fmt.Errorf("openai api call failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, providers.ErrEmptyCompletion
	}

	tokens := resp.Usage.CompletionTokens
	if tokens == 0 {
		tokens = providers.EstimateTokens(resp.Choices[0].Message.Content)
	}

	return &types.ProviderResponse{
		Provider:     p.name,
		Model:        resp.Model,
		Content:      resp.Choices[0].Message.Content,
		TokensUsed:   tokens,
		FinishReason: string(resp.Choices[0].FinishReason),
	}, nil
}

// StreamCompletion relays streamed deltas as chunks
func (p *OpenAIProvider) StreamCompletion(ctx context.Context, req *types.ProviderRequest) (<-chan types.StreamChunk, error) {
	openaiReq := p.buildRequest(req)
	openaiReq.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, openaiReq)
	if err != nil {
		p.logger.WithError(err).WithField("provider", p.name).Error("OpenAI streaming API call failed")
		return nil, fmt.Errorf("openai streaming api call failed: %w", err)
	}

	chunks := make(chan types.StreamChunk, 16)

	go func() {
		defer close(chunks)
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				p.logger.WithError(err).WithField("provider", p.name).Warn("Error receiving stream chunk")
				select {
				case chunks <- types.StreamChunk{Err: fmt.Errorf("openai stream failed: %w", err)}:
				case <-ctx.Done():
				}
				return
			}

			for _, choice := range response.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				select {
				case chunks <- types.StreamChunk{Text: choice.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return chunks, nil
}

// HealthCheck lists models as a cheap authenticated probe
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return fmt.Errorf("openai health check failed: %w", err)
	}
	p.logger.WithField("provider", p.name).Debug("OpenAI health check passed")
	return nil
}

func (p *OpenAIProvider) buildRequest(req *types.ProviderRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	if model == "" {
		model = defaultModel
	}

	out := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	return out
}
