package providers

import (
	"context"
	"errors"

	"github.com/tributary-ai/provider-router/internal/types"
)

// ErrEmptyCompletion is returned when a provider answers without content
var ErrEmptyCompletion = errors.New("provider returned an empty completion")

// ProviderClient is the capability the router uses to reach a backend model
type ProviderClient interface {
	GetProviderName() string
	Complete(ctx context.Context, req *types.ProviderRequest) (*types.ProviderResponse, error)
	// StreamCompletion delivers tokens on the returned channel. A chunk with a
	// non-nil Err is terminal; the channel is closed after it.
	StreamCompletion(ctx context.Context, req *types.ProviderRequest) (<-chan types.StreamChunk, error)
}

// HealthChecker is implemented by clients that can probe their own backend
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// EstimateTokens is a rough 4-characters-per-token estimate
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
