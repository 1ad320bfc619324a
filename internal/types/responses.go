package types

import (
	"time"
)

// ProviderResponse is a completed, non-streaming provider answer
type ProviderResponse struct {
	Provider     string `json:"provider"`
	Model        string `json:"model,omitempty"`
	Content      string `json:"content"`
	TokensUsed   int    `json:"tokens_used"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// StreamChunk carries one token or a terminal error from a provider stream
type StreamChunk struct {
	Text string
	Err  error
}

// TelemetryRecord describes the cost and latency of one served request
type TelemetryRecord struct {
	Provider   string  `json:"provider"`
	Instance   string  `json:"instance"`
	LatencyMs  float64 `json:"latencyMs"`
	TokensUsed int     `json:"tokensUsed"`
	Cost       float64 `json:"cost"`
}

// FailoverEvent records a switch away from a failed provider
type FailoverEvent struct {
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	LatencyMs float64   `json:"latency_ms"`
	Stream    bool      `json:"stream"`
}
