// Package streaming manages long-lived SSE sessions that relay provider
// tokens and switch providers mid-stream when one fails.
package streaming

import (
	"errors"
	"fmt"
	"time"

	"github.com/tributary-ai/provider-router/internal/types"
)

// EventType names an SSE event
type EventType string

const (
	EventConnection       EventType = "connection"
	EventSystemStatus     EventType = "system_status"
	EventHeartbeat        EventType = "heartbeat"
	EventProviderSelected EventType = "provider_selected"
	EventToken            EventType = "token"
	EventProviderSwitch   EventType = "provider_switch"
	EventComplete         EventType = "complete"
	EventError            EventType = "error"
)

// Event is one message written to a session
type Event struct {
	Type EventType
	ID   int64
	Data interface{}
}

// EventSink is the transport a session writes to
type EventSink interface {
	Write(event Event) error
	Close() error
}

// ErrSessionClosed is returned when writing to a closed session
var ErrSessionClosed = errors.New("session closed")

// SessionTransportError wraps a failed write to a session's sink
type SessionTransportError struct {
	SessionID string
	Err       error
}

func (e *SessionTransportError) Error() string {
	return fmt.Sprintf("session %s transport error: %v", e.SessionID, e.Err)
}

func (e *SessionTransportError) Unwrap() error {
	return e.Err
}

// ConnectionData is the payload of a connection event
type ConnectionData struct {
	SessionID          string    `json:"sessionId"`
	ClientID           string    `json:"clientId,omitempty"`
	RequestedProvider  string    `json:"requestedProvider"`
	AvailableProviders []string  `json:"availableProviders"`
	Timestamp          time.Time `json:"timestamp"`
}

// SystemStatusData is the payload of a system_status event
type SystemStatusData struct {
	UptimeSeconds  float64                      `json:"uptimeSeconds"`
	Components     map[string]string            `json:"components"`
	Providers      map[string]types.HealthState `json:"providers"`
	ActiveSessions int                          `json:"activeSessions"`
	Timestamp      time.Time                    `json:"timestamp"`
}

// HeartbeatData is the payload of a heartbeat event
type HeartbeatData struct {
	ActiveSessions int       `json:"activeSessions"`
	Timestamp      time.Time `json:"timestamp"`
}

// ProviderSelectedData is the payload of a provider_selected event
type ProviderSelectedData struct {
	Provider   string         `json:"provider"`
	InstanceID string         `json:"instanceId"`
	Strategy   types.Strategy `json:"strategy"`
	Confidence float64        `json:"confidence"`
	Fallback   string         `json:"fallback,omitempty"`
	Reason     []string       `json:"reason"`
}

// TokenData is the payload of a token event
type TokenData struct {
	Token      string  `json:"token"`
	TokenIndex int     `json:"tokenIndex"`
	Provider   string  `json:"provider"`
	LatencyMs  float64 `json:"latencyMs"`
}

// ProviderSwitchData is the payload of a provider_switch event
type ProviderSwitchData struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Reason     string  `json:"reason"`
	LatencyMs  float64 `json:"latency"`
	TokenIndex int     `json:"tokenIndex"`
}

// CompleteData is the payload of a complete event
type CompleteData struct {
	TotalTokens    int     `json:"totalTokens"`
	Provider       string  `json:"provider"`
	TotalLatencyMs float64 `json:"totalLatency"`
	Switches       int     `json:"switches"`
}

// ErrorData is the payload of an error event
type ErrorData struct {
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
	Switches int    `json:"switches"`
}
