package routing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tributary-ai/provider-router/internal/types"
)

// ErrUnknownStrategy is returned for strategy names the engine does not know
var ErrUnknownStrategy = errors.New("unknown routing strategy")

// NoHealthyProviderError means no provider is healthy with enough capacity
type NoHealthyProviderError struct {
	MaxTokens int
	Excluded  []string
	Health    map[string]types.HealthState
}

func (e *NoHealthyProviderError) Error() string {
	msg := fmt.Sprintf("no healthy provider available for %d tokens", e.MaxTokens)
	if len(e.Excluded) > 0 {
		msg += fmt.Sprintf(" (excluded: %s)", strings.Join(e.Excluded, ", "))
	}
	return msg
}

// PreferenceMismatchError means hard preferences eliminated every healthy provider
type PreferenceMismatchError struct {
	Preferences types.Preferences
	Eligible    []string
}

func (e *PreferenceMismatchError) Error() string {
	return fmt.Sprintf("no provider among [%s] satisfies the routing preferences", strings.Join(e.Eligible, ", "))
}

// AttemptError is one failed provider call
type AttemptError struct {
	Provider string `json:"provider"`
	Message  string `json:"error"`
	err      error
}

// ProviderExecutionError means the primary and every allowed fallback failed
type ProviderExecutionError struct {
	Attempts []AttemptError
}

func (e *ProviderExecutionError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Provider+": "+a.Message)
	}
	return "provider execution failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the underlying provider errors to errors.Is/As
func (e *ProviderExecutionError) Unwrap() []error {
	out := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.err != nil {
			out = append(out, a.err)
		}
	}
	return out
}
