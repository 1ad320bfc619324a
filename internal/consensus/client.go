// Package consensus records routing decisions as proposals on an external
// consensus service.
package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-router/internal/routing"
	"github.com/tributary-ai/provider-router/internal/types"
)

// Proposal statuses reported to callers
const (
	StatusDisabled   = "disabled"
	StatusUnrecorded = "unrecorded"
	StatusFailed     = "failed"
)

// Config configures the consensus client
type Config struct {
	URL        string        `yaml:"url"`
	SigningKey string        `yaml:"signing_key"`
	Issuer     string        `yaml:"issuer"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ProposalInput is the routed execution to record
type ProposalInput struct {
	Query     string
	Decision  routing.RoutingDecision
	Telemetry types.TelemetryRecord
}

// ProposalResult is what the consensus service returned
type ProposalResult struct {
	ProposalID string `json:"proposal_id"`
	Status     string `json:"status"`
}

type proposalRequest struct {
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Type        string                 `json:"type"`
	Status      string                 `json:"status"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type proposalResponse struct {
	ID         string `json:"id"`
	ProposalID string `json:"proposal_id"`
	Status     string `json:"status"`
}

// Client submits proposals. A Client with an empty URL is disabled.
type Client struct {
	config     Config
	httpClient *http.Client
	clock      clock.Clock
	logger     *logrus.Logger
}

// NewClient creates a consensus client
func NewClient(config Config, clk clock.Clock, logger *logrus.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = time.Minute
	}
	if config.Issuer == "" {
		config.Issuer = "provider-router"
	}
	if clk == nil {
		clk = clock.New()
	}
	config.URL = strings.TrimRight(config.URL, "/")

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		clock:      clk,
		logger:     logger,
	}
}

// Enabled reports whether a consensus URL is configured
func (c *Client) Enabled() bool {
	return c.config.URL != ""
}

// SubmitRoutingProposal records a routing decision as a proposal
func (c *Client) SubmitRoutingProposal(ctx context.Context, in ProposalInput) (*ProposalResult, error) {
	if !c.Enabled() {
		return &ProposalResult{Status: StatusDisabled}, nil
	}

	body := proposalRequest{
		Title:       fmt.Sprintf("Routing decision: %s", in.Decision.Provider),
		Description: in.Query,
		Type:        "routing_decision",
		Status:      "synthiant-approved",
		Metadata: map[string]interface{}{
			"provider":      in.Decision.Provider,
			"instance_id":   in.Decision.InstanceID,
			"strategy":      in.Decision.Strategy,
			"confidence":    in.Decision.Confidence,
			"failover_from": in.Decision.FailoverFrom,
			"latency_ms":    in.Telemetry.LatencyMs,
			"tokens_used":   in.Telemetry.TokensUsed,
			"cost":          in.Telemetry.Cost,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal proposal: %w", err)
	}

	token, err := c.serviceToken()
	if err != nil {
		return nil, fmt.Errorf("failed to sign service token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL+"/proposals", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create proposal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to submit proposal: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read proposal response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("consensus service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out proposalResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode proposal response: %w", err)
	}

	result := &ProposalResult{ProposalID: out.ProposalID, Status: out.Status}
	if result.ProposalID == "" {
		result.ProposalID = out.ID
	}
	if result.Status == "" {
		result.Status = "submitted"
	}

	c.logger.WithFields(logrus.Fields{
		"proposal_id": result.ProposalID,
		"provider":    in.Decision.Provider,
	}).Debug("Routing proposal recorded")

	return result, nil
}

// Record submits a proposal and never fails; errors become StatusUnrecorded
func (c *Client) Record(ctx context.Context, in ProposalInput) ProposalResult {
	result, err := c.SubmitRoutingProposal(ctx, in)
	if err != nil {
		c.logger.WithError(err).WithField("provider", in.Decision.Provider).Warn("Failed to record routing proposal")
		return ProposalResult{Status: StatusUnrecorded}
	}
	return *result
}

func (c *Client) serviceToken() (string, error) {
	now := c.clock.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.config.Issuer,
		Subject:   "routing-engine",
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.config.TokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.config.SigningKey))
}
